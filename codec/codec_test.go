package codec

import (
	"testing"

	"github.com/spacemeshos/go-scale"
	"github.com/stretchr/testify/require"
)

type pair struct {
	A uint32
	B []byte
}

func (p *pair) EncodeScale(enc *scale.Encoder) (int, error) {
	n, err := scale.EncodeCompact32(enc, p.A)
	if err != nil {
		return n, err
	}
	m, err := scale.EncodeByteSlice(enc, p.B)
	return n + m, err
}

func (p *pair) DecodeScale(dec *scale.Decoder) (int, error) {
	a, n, err := scale.DecodeCompact32(dec)
	if err != nil {
		return n, err
	}
	p.A = a
	b, m, err := scale.DecodeByteSlice(dec)
	p.B = b
	return n + m, err
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	buf, err := Encode(&pair{A: 300, B: []byte("abc")})
	require.NoError(t, err)

	var got pair
	require.NoError(t, Decode(buf, &got))
	require.Equal(t, pair{A: 300, B: []byte("abc")}, got)

	require.ErrorContains(t, Decode(append(buf, 0), &got), "trailing")
	require.ErrorContains(t, Decode(buf[:len(buf)-1], &got), "decode")
}

func TestEncodeReturnsCopy(t *testing.T) {
	first, err := Encode(&pair{A: 1, B: []byte("x")})
	require.NoError(t, err)
	second, err := Encode(&pair{A: 2, B: []byte("y")})
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Equal(t, byte(1<<2), first[0])
}
