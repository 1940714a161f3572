package feed

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Wire identity of the Subscribe method. The service is described by
// hand instead of generated code; both halves of this package agree on
// these names.
const (
	codecName       = "gob"
	serviceName     = "tern.Feed"
	subscribeMethod = "/tern.Feed/Subscribe"
)

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec marshals stream messages with encoding/gob. Both peers are
// built from this package, so gob's Go-native framing replaces protobuf
// without generated stubs. Each message carries its own type wiring; a
// fresh encoder per call keeps messages self-contained.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string {
	return codecName
}

// subscribeStreamDesc describes Subscribe from the client side. The
// server half, with its handler, lives in serviceDesc.
var subscribeStreamDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}
