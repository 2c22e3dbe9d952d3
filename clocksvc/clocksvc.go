// Package clocksvc describes the example clock service used by the demo
// binaries and tests. The methods are expressed entirely with protobuf
// well-known types, so the repository carries no generated code:
//
//   - Echo:                  StringValue → StringValue
//   - GetCurrentTime:        Empty → Timestamp
//   - SubscribeTimeUpdates:  Empty → stream Timestamp
package clocksvc

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/grpcw-io/grpcw/method"
)

// ServiceName is the fully-qualified clock service name.
const ServiceName = "clock.v1.ClockService"

// Echo returns the request string unchanged. Useful as a liveness probe.
var Echo = method.Desc{
	Service:    ServiceName,
	Name:       "Echo",
	NewRequest: func() proto.Message { return &wrapperspb.StringValue{} },
	NewReply:   func() proto.Message { return &wrapperspb.StringValue{} },
}

// GetCurrentTime returns the server's current time.
var GetCurrentTime = method.Desc{
	Service:    ServiceName,
	Name:       "GetCurrentTime",
	NewRequest: func() proto.Message { return &emptypb.Empty{} },
	NewReply:   func() proto.Message { return &timestamppb.Timestamp{} },
}

// SubscribeTimeUpdates streams the server's time, one update per second.
var SubscribeTimeUpdates = method.Desc{
	Service:      ServiceName,
	Name:         "SubscribeTimeUpdates",
	ServerStream: true,
	NewRequest:   func() proto.Message { return &emptypb.Empty{} },
	NewReply:     func() proto.Message { return &timestamppb.Timestamp{} },
}
