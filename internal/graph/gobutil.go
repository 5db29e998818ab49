package graph

import (
	"bytes"
	"encoding/gob"
)

func init() {
	// Concrete types ever stored behind a PropertySet interface{} value
	// must be registered for gob to encode/decode them.
	gob.Register("")
	gob.Register(false)
	gob.Register(0)
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register([]string(nil))
	gob.Register([]interface{}(nil))
	gob.Register(map[string]interface{}(nil))
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
