package api

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets the peer-sync gRPC service carry plain Go structs
// instead of protoc-generated messages: there is no .proto toolchain
// in this build, and the payload shapes (SyncPayload and its variants)
// are already fully described by internal/cluster's Go types. Request
// encoding itself is an out-of-scope collaborator per the naming
// design note; this codec is the thinnest adapter that lets
// google.golang.org/grpc carry it.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
