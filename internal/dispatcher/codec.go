package dispatcher

import "encoding/json"

// JSONCodec is the default Codec, using encoding/json for wire encoding.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
