package sink

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	configpkg "github.com/drblury/rfbridge/internal/runtime/config"
	"github.com/drblury/rfbridge/internal/runtime/jsoncodec"
)

// Codec encodes message bodies.
type Codec interface {
	Name() string
	ContentType() string
	Encode(body map[string]any) ([]byte, error)
}

// JSONCodec encodes bodies as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Name() string        { return configpkg.CodecJSON }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(body map[string]any) ([]byte, error) {
	return jsoncodec.Marshal(body)
}

// ProtoCodec encodes bodies as a binary google.protobuf.Struct.
type ProtoCodec struct{}

func (ProtoCodec) Name() string        { return configpkg.CodecProto }
func (ProtoCodec) ContentType() string { return "application/x-protobuf" }

func (ProtoCodec) Encode(body map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(body)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// DecodeProto reverses ProtoCodec.Encode.
func DecodeProto(data []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}

// CodecFor returns the codec registered under name. An empty name selects JSON.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", configpkg.CodecJSON:
		return JSONCodec{}, nil
	case configpkg.CodecProto:
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("sink: unknown codec %q", name)
	}
}
