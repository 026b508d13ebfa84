package bipf

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/seehuhn/mt19937"
	"github.com/stretchr/testify/require"
)

func newFuzzer(seed int64) *fuzz.Fuzzer {
	src := mt19937.New()
	src.Seed(seed)
	return fuzz.New().RandSource(src).NilChance(0)
}

func TestDecodeArbitraryBytes(t *testing.T) {
	f := newFuzzer(1001).NumElements(0, 2*120)
	for range 2000 {
		var buf []byte
		f.Fuzz(&buf)
		require.NotPanics(t, func() {
			v, err := Decode(buf)
			if err == nil {
				// non-canonical ints and bools decode but re-encode differently
				Encode(v)
			}
		}, "%x", buf)
	}
}

type fuzzedItem struct {
	Num  int64
	Text string
	Raw  []byte
}

func TestEncodeFuzzedLists(t *testing.T) {
	f := newFuzzer(1002).NumElements(1, 16)
	for range 200 {
		var items []fuzzedItem
		f.Fuzz(&items)
		vals := make([]Value, 0, 3*len(items))
		for _, it := range items {
			vals = append(vals, Int64(it.Num), String(it.Text), Bytes(it.Raw))
		}
		buf := Encode(List(vals...))
		require.Len(t, buf, EncodingLength(List(vals...)))

		got, err := DecodeList(buf)
		require.NoError(t, err)
		require.Len(t, got, len(vals))
		for i, it := range items {
			n, ok := got[3*i].AsInt()
			require.True(t, ok)
			require.EqualValues(t, it.Num, n)
			s, _ := got[3*i+1].AsString()
			require.Equal(t, it.Text, s)
			b, _ := got[3*i+2].AsBytes()
			require.Equal(t, string(it.Raw), string(b))
		}
	}
}
