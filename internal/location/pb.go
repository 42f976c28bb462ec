package location

import (
	"context"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype clients select with grpc.CallContentSubtype.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the hand-written messages below travel without protoc-generated types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// LocationReport is one position sample for a trip the caller has joined.
type LocationReport struct {
	TripID   string   `json:"trip_id"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Heading  *float64 `json:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	// Ts is unix milliseconds. Zero means the server stamps the sample.
	Ts int64 `json:"ts,omitempty"`
}

// IngestAck summarises a finished stream.
type IngestAck struct {
	Accepted int32            `json:"accepted"`
	Rejected int32            `json:"rejected"`
	Reasons  map[string]int32 `json:"reasons,omitempty"`
}

// LocationServer defines the gRPC contract.
type LocationServer interface {
	StreamLocation(Location_StreamLocationServer) error
}

// ServiceDesc describes the location ingest service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "tripsync.location.Location",
	HandlerType: (*LocationServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamLocation",
		Handler:       _Location_StreamLocation_Handler,
		ClientStreams: true,
	}},
}

// RegisterLocationServer registers service implementation.
func RegisterLocationServer(s grpc.ServiceRegistrar, srv LocationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Location_StreamLocationServer is the server side of the client stream.
type Location_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*IngestAck) error
	Recv() (*LocationReport, error)
}

func _Location_StreamLocation_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamLocation(&locationStreamServer{ServerStream: stream})
}

type locationStreamServer struct {
	grpc.ServerStream
}

func (s *locationStreamServer) SendAndClose(ack *IngestAck) error {
	return s.ServerStream.SendMsg(ack)
}

func (s *locationStreamServer) Recv() (*LocationReport, error) {
	msg := new(LocationReport)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// LocationClient is the client side of the ingest service.
type LocationClient struct {
	cc grpc.ClientConnInterface
}

func NewLocationClient(cc grpc.ClientConnInterface) *LocationClient {
	return &LocationClient{cc: cc}
}

// StreamLocation opens an ingest stream. Callers attach the bearer token as
// "authorization" outgoing metadata.
func (c *LocationClient) StreamLocation(ctx context.Context, opts ...grpc.CallOption) (*LocationStreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/tripsync.location.Location/StreamLocation", opts...)
	if err != nil {
		return nil, err
	}
	return &LocationStreamClient{ClientStream: stream}, nil
}

type LocationStreamClient struct {
	grpc.ClientStream
}

func (c *LocationStreamClient) Send(report *LocationReport) error {
	return c.ClientStream.SendMsg(report)
}

func (c *LocationStreamClient) CloseAndRecv() (*IngestAck, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(IngestAck)
	if err := c.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
