package gatewaypb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets this service run over real grpc-go transport, framing, and
// deadline propagation without requiring protoc to have generated
// reflection-capable proto.Message implementations for the structs in
// gateway.pb.go. It registers itself under the name "proto" — the content
// subtype grpc-go selects by default — since the gateway binary hosts no
// other gRPC service that would expect the real protobuf wire format.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "proto" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
