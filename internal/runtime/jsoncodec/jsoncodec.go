package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// api keeps encoding/json compatible output (sorted map keys, HTML escaping)
// so payloads published to the sink are stable across runs.
var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func MarshalString(v any) (string, error) {
	return api.MarshalToString(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Encode writes v followed by a newline.
func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}
