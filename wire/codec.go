package wire

import (
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// Codec encodes messages for a transport.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	bz, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode message")
	}
	return bz, nil
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrap(err, "failed to decode message")
	}
	return nil
}
