// Package bencode is the client's facade over the bencoded dictionary
// format used by metainfo files and tracker replies.
//
// It delegates the actual codec to github.com/jackpal/bencode-go, the
// library this client's ancestor already depended on; this package
// exists so the rest of the tree names a stable, local contract
// (Encode/Decode/Unmarshal) rather than reaching into a vendor import
// everywhere a bencoded value needs to cross a boundary.
package bencode

import (
	"bytes"
	"io"

	upstream "github.com/jackpal/bencode-go"
)

// Decode reads one bencoded value from r and returns it as the
// dynamically-typed dict/list/string/int tree jackpal/bencode-go
// produces (map[string]interface{}, []interface{}, string, int64).
func Decode(r io.Reader) (interface{}, error) {
	return upstream.Decode(r)
}

// Unmarshal decodes the bencoded value read from r into val, which
// must be a pointer to a struct/map/slice tagged the way
// jackpal/bencode-go expects (`bencode:"name"` struct tags).
func Unmarshal(r io.Reader, val interface{}) error {
	return upstream.Unmarshal(r, val)
}

// Marshal writes data to w in canonical bencoded form: dictionary
// keys are emitted in sorted order, which is what makes Marshal safe
// to use for recomputing an info digest (spec §6).
func Marshal(w io.Writer, data interface{}) error {
	return upstream.Marshal(w, data)
}

// Encode is Marshal into a fresh buffer, returned as bytes. Convenient
// for the one place the client needs the raw canonical encoding
// rather than a stream: hashing the info dictionary.
func Encode(data interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := Marshal(buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
