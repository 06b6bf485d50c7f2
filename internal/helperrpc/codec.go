// Package helperrpc is the daemon-to-helper-process RPC transport: per
// spec.md §6's network helper surface (state/allocate/deallocate/lookup/
// disableAllocator) and the runtime helper's status/stop, both dialed over a
// per-instance Unix domain socket. Where internal/rpc is kestrel's own
// framed-JSON protocol for the CLI-to-daemon edge, helperrpc instead puts a
// real google.golang.org/grpc server and client on the wire, with a small
// JSON encoding.Codec standing in for the protobuf codec that would
// ordinarily come out of protoc-gen-go-grpc: these message types are plain
// Go structs, not generated ones, so grpc's default proto codec can't carry
// them.
package helperrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the grpc content-subtype every call on this transport
// negotiates via grpc.CallContentSubtype, so the server picks jsonCodec
// instead of grpc's default proto codec.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
