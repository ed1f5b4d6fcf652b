// Package grpc carries the transport contract over a gRPC bidirectional
// stream. Each connection is one stream of wrapperspb.BytesValue frames laid
// out as [channel][delivery][payload]; the client hail travels in request
// metadata and a denial ends the stream with a PermissionDenied status.
package grpc

import (
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"roomnet/transport"
)

const (
	ServiceName   = "roomnet.Transport"
	connectMethod = "/" + ServiceName + "/Connect"

	hailKey     = "roomnet-hail-bin"
	acceptedKey = "roomnet-accepted"

	frameHeaderSize = 2
	sendQueueSize   = 1024

	defaultApprovalTimeout = 5 * time.Second
	writerDrainTimeout     = time.Second
)

const reasonSendQueueFull = "send queue full"

// ErrSendQueueFull is returned by a reliable send to a connection whose queue
// is full. The connection is closed.
var ErrSendQueueFull = errors.New("grpc transport: " + reasonSendQueueFull)

// connectHandler is implemented by ServerPeer.
type connectHandler interface {
	serve(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*connectHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "roomnet/transport",
}

func connectStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(connectHandler).serve(stream)
}

type options struct {
	log             *zap.Logger
	approvalTimeout time.Duration
	serverOpts      []grpc.ServerOption
	dialOpts        []grpc.DialOption
}

func defaultOptions() options {
	return options{
		log:             zap.NewNop(),
		approvalTimeout: defaultApprovalTimeout,
	}
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithApprovalTimeout bounds how long a server waits for the protocol layer to
// approve or deny a connection.
func WithApprovalTimeout(d time.Duration) Option {
	return func(o *options) { o.approvalTimeout = d }
}

// WithServerOptions adds options, typically interceptors, to the gRPC server of
// a ServerPeer.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *options) { o.serverOpts = append(o.serverOpts, opts...) }
}

// WithDialOptions adds options to every client connection of a ClientPeer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

func encodeFrame(b []byte, method transport.DeliveryMethod, channel int) []byte {
	f := make([]byte, frameHeaderSize+len(b))
	f[0] = uint8(channel)
	f[1] = uint8(method)
	copy(f[frameHeaderSize:], b)
	return f
}

func decodeFrame(c *conn, f *wrapperspb.BytesValue) (*transport.IncomingMessage, bool) {
	v := f.GetValue()
	if len(v) < frameHeaderSize {
		return nil, false
	}
	return &transport.IncomingMessage{
		Type:     transport.Data,
		Conn:     c,
		Channel:  int(v[0]),
		Delivery: transport.DeliveryMethod(v[1]),
		Data:     v[frameHeaderSize:],
	}, true
}

// reasonOf turns a stream error into a disconnect reason.
func reasonOf(err error) string {
	if err == nil || err == io.EOF {
		return "connection closed"
	}
	if st, ok := status.FromError(err); ok {
		if st.Code() == codes.Canceled {
			return "connection closed"
		}
		return st.Message()
	}
	return err.Error()
}
