// Package codec wraps go-scale for the records the node keeps on disk.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/spacemeshos/go-scale"
)

// Encodable is implemented by records with a hand-written scale encoding.
type Encodable = scale.Encodable

// Decodable is implemented by records with a hand-written scale decoding.
type Decodable = scale.Decodable

func encodeTo(w io.Writer, value Encodable) (int, error) {
	n, err := value.EncodeScale(scale.NewEncoder(w))
	if err != nil {
		return n, fmt.Errorf("encode: %w", err)
	}
	return n, nil
}

func decodeFrom(r io.Reader, value Decodable) (int, error) {
	n, err := value.DecodeScale(scale.NewDecoder(r))
	if err != nil {
		return n, fmt.Errorf("decode: %w", err)
	}
	return n, nil
}

var encoderPool = sync.Pool{
	New: func() any {
		b := new(bytes.Buffer)
		b.Grow(256)
		return b
	},
}

// Encode value to a byte buffer.
func Encode(value Encodable) ([]byte, error) {
	b := encoderPool.Get().(*bytes.Buffer)
	defer func() {
		b.Reset()
		encoderPool.Put(b)
	}()
	if _, err := encodeTo(b, value); err != nil {
		return nil, err
	}
	return bytes.Clone(b.Bytes()), nil
}

// Decode value from a byte buffer. Trailing bytes are an error.
func Decode(buf []byte, value Decodable) error {
	r := bytes.NewReader(buf)
	if _, err := decodeFrom(r, value); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("decode: %d trailing bytes", r.Len())
	}
	return nil
}
