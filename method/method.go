// Package method describes RPC methods independently of generated stubs.
//
// A Desc carries everything the engines need to drive one method: the wire
// path, whether the server streams, and factories for the request and reply
// messages. The client engine uses descriptors to issue calls and open
// streams; the server engine assembles them into grpc service descriptors.
package method

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Desc describes one unary or server-streaming RPC method.
type Desc struct {
	// Service is the fully-qualified service name, e.g. "clock.v1.ClockService".
	Service string
	// Name is the bare method name, e.g. "Echo".
	Name string
	// ServerStream marks a server-streaming method. Unary otherwise.
	ServerStream bool
	// NewRequest allocates an empty request message.
	NewRequest func() proto.Message
	// NewReply allocates an empty reply message.
	NewReply func() proto.Message
}

// FullPath returns the wire path of the method ("/service/method").
func (d Desc) FullPath() string {
	return "/" + d.Service + "/" + d.Name
}

// Validate reports whether the descriptor is complete enough to use.
func (d Desc) Validate() error {
	if d.Service == "" {
		return fmt.Errorf("method: descriptor missing service name")
	}
	if d.Name == "" {
		return fmt.Errorf("method: descriptor %q missing method name", d.Service)
	}
	if d.NewRequest == nil || d.NewReply == nil {
		return fmt.Errorf("method: descriptor %q missing message factories", d.FullPath())
	}
	return nil
}
