package services

import (
	"encoding/json"

	"connectrpc.com/connect"
)

// jsonCodec marshals/unmarshals the local operator surface's plain Go
// request/response structs directly via encoding/json, since they carry no
// protobuf reflection data for connect's default codec to use.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// UnaryOpts returns the connect.HandlerOption set every unary handler on
// the local operator surface is built with.
func UnaryOpts() []connect.HandlerOption {
	return []connect.HandlerOption{connect.WithCodec(jsonCodec{})}
}

// StreamOpts returns the connect.HandlerOption set every server-streaming
// handler on the local operator surface is built with.
func StreamOpts() []connect.HandlerOption {
	return []connect.HandlerOption{connect.WithCodec(jsonCodec{})}
}
