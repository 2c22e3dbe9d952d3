package client

import (
	"fmt"

	"google.golang.org/grpc/connectivity"
)

// State is the three-valued connection state exposed to applications,
// collapsed from the channel's richer connectivity enum.
type State int

const (
	// NotConnected means the channel is idle or shut down.
	NotConnected State = iota
	// AttemptingToConnect means the channel is connecting or backing off
	// after a transient failure.
	AttemptingToConnect
	// Connected means the channel is ready for RPCs.
	Connected
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case AttemptingToConnect:
		return "AttemptingToConnect"
	case Connected:
		return "Connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// toClientState collapses a channel connectivity state into the three-valued
// application model. Unknown values indicate a connectivity enum this package
// was not built against and panic.
func toClientState(s connectivity.State) State {
	switch s {
	case connectivity.Shutdown, connectivity.Idle:
		return NotConnected
	case connectivity.Connecting, connectivity.TransientFailure:
		return AttemptingToConnect
	case connectivity.Ready:
		return Connected
	}
	panic(fmt.Sprintf("client: invalid connectivity state %v", s))
}
