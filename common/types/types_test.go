package types

import (
	"testing"

	"github.com/spacemeshos/go-scale/tester"
	"github.com/stretchr/testify/require"
)

func TestParseFeedID(t *testing.T) {
	id := FeedID{1, 2, 3}
	parsed, err := ParseFeedID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	var text FeedID
	require.NoError(t, text.UnmarshalText([]byte(id.String())))
	require.Equal(t, id, text)

	for _, bad := range []string{"", "zz", id.String()[:10]} {
		_, err := ParseFeedID(bad)
		require.Error(t, err, bad)
	}
}

func TestParseContractID(t *testing.T) {
	id := ContractID{9, 8, 7}
	parsed, err := ParseContractID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseContractID(FeedID{1}.String())
	require.Error(t, err)
}

func TestFeedIDOrder(t *testing.T) {
	require.Negative(t, FeedID{1}.Compare(FeedID{2}))
	require.Zero(t, FeedID{2}.Compare(FeedID{2}))
	require.Positive(t, FeedID{0, 1}.Compare(FeedID{0, 0, 0xff}))
	require.True(t, EmptyFeedID.IsZero())
}

func TestShorten(t *testing.T) {
	require.Equal(t, "0102030000", FeedID{1, 2, 3}.ShortString())
	require.Equal(t, "abc", Shorten("abc", 10))
}

func FuzzFeedIDConsistency(f *testing.F) {
	tester.FuzzConsistency[FeedID](f)
}

func FuzzContractIDConsistency(f *testing.F) {
	tester.FuzzConsistency[ContractID](f)
}
