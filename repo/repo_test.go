package repo

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/log/logtest"
	"github.com/jannickheisch/tinyISP/signing"
)

type collector struct {
	entries []types.Entry
}

func (c *collector) OnEntry(e types.Entry) {
	c.entries = append(c.entries, e)
}

type fixture struct {
	fs    afero.Fs
	keys  *signing.KeyStore
	store *Store
	seen  *collector
}

func newFixture(tb testing.TB) *fixture {
	tb.Helper()
	keys, err := signing.InMemoryKeyStore()
	require.NoError(tb, err)
	tb.Cleanup(func() { keys.Close() })
	f := &fixture{fs: afero.NewMemMapFs(), keys: keys, seen: &collector{}}
	f.store, err = New(f.fs, "/feeds", keys, WithLogger(logtest.New(tb)), WithListener(f.seen))
	require.NoError(tb, err)
	return f
}

func (f *fixture) ownFeed(tb testing.TB) types.FeedID {
	feed, err := f.keys.NewFeedIdentity()
	require.NoError(tb, err)
	require.NoError(tb, f.store.Create(feed, types.FeedVirtual))
	return feed
}

func TestAppendShortContent(t *testing.T) {
	f := newFixture(t)
	feed := f.ownFeed(t)

	res, err := f.store.AppendContent(feed, []byte("hello"))
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Seq)
	require.True(t, res.Sidechain.IsZero())
	require.Equal(t, 1, f.store.Len(feed))

	next, prev, ok := f.store.Head(feed)
	require.True(t, ok)
	require.EqualValues(t, 2, next)
	require.Equal(t, res.MsgID, prev)

	e, err := f.store.ReadContent(feed, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), e.Body)
	require.Equal(t, res.MsgID, e.MsgID)

	require.Len(t, f.seen.entries, 1)
	require.Equal(t, []byte("hello"), f.seen.entries[0].Body)
	require.Len(t, f.store.ReadWire(feed, 1), types.PacketSize)
}

func TestAppendLongContentWritesSidechain(t *testing.T) {
	f := newFixture(t)
	feed := f.ownFeed(t)
	content := bytes.Repeat([]byte("0123456789"), 35)

	res, err := f.store.AppendContent(feed, content)
	require.NoError(t, err)
	require.True(t, res.Sidechain.IsZero(), "local content is complete")

	pkt := f.store.ReadEntry(feed, 1)
	size, n, ok := ContentSize(pkt)
	require.True(t, ok)
	require.Equal(t, len(content), size)
	require.Equal(t, MaxChunks(size, n), f.store.ChunkCount(feed, 1))
	require.Equal(t, 4, f.store.ChunkCount(feed, 1))
	require.True(t, TailPointer(f.store.ReadChunk(feed, 1, 3)).IsZero())

	e, err := f.store.ReadContent(feed, 1)
	require.NoError(t, err)
	require.Equal(t, content, e.Body)
	require.Len(t, f.store.ReadWire(feed, 1), 5*types.PacketSize)
	require.Empty(t, f.store.OpenSidechains(feed))
}

func TestReplicateEntriesAndChunks(t *testing.T) {
	src := newFixture(t)
	feed := src.ownFeed(t)
	short := []byte("first")
	long := bytes.Repeat([]byte{0xab}, 250)
	_, err := src.store.AppendContent(feed, short)
	require.NoError(t, err)
	_, err = src.store.AppendContent(feed, long)
	require.NoError(t, err)

	dst := newFixture(t)
	require.NoError(t, dst.store.Create(feed, types.FeedRoot))

	// out of order
	_, err = dst.store.Append(feed, src.store.ReadEntry(feed, 2))
	require.ErrorIs(t, err, ErrInvalidPacket)

	res, err := dst.store.Append(feed, src.store.ReadEntry(feed, 1))
	require.NoError(t, err)
	require.True(t, res.Sidechain.IsZero())
	require.Len(t, dst.seen.entries, 1)

	// replay of the same packet no longer matches the expected tag
	_, err = dst.store.Append(feed, src.store.ReadEntry(feed, 1))
	require.ErrorIs(t, err, ErrInvalidPacket)

	tampered := src.store.ReadEntry(feed, 2)
	tampered[20] ^= 0xff
	_, err = dst.store.Append(feed, tampered)
	require.ErrorIs(t, err, ErrInvalidPacket)

	res, err = dst.store.Append(feed, src.store.ReadEntry(feed, 2))
	require.NoError(t, err)
	require.False(t, res.Sidechain.IsZero())
	require.Equal(t, []uint32{2}, dst.store.OpenSidechains(feed))
	require.Len(t, dst.seen.entries, 1, "content incomplete")

	_, _, err = dst.store.AppendChunk(feed, 2, src.store.ReadChunk(feed, 2, 1))
	require.ErrorIs(t, err, ErrInvalidChunk)

	count := src.store.ChunkCount(feed, 2)
	want := res.Sidechain
	for i := 0; i < count; i++ {
		chunk := src.store.ReadChunk(feed, 2, i)
		require.Equal(t, want, hashOf(chunk))
		next, done, err := dst.store.AppendChunk(feed, 2, chunk)
		require.NoError(t, err)
		require.Equal(t, i == count-1, done)
		want = next
	}
	require.Empty(t, dst.store.OpenSidechains(feed))
	require.Len(t, dst.seen.entries, 2)
	require.Equal(t, long, dst.seen.entries[1].Body)

	e, err := dst.store.ReadContent(feed, 2)
	require.NoError(t, err)
	require.Equal(t, long, e.Body)
	require.Equal(t, src.store.ReadWire(feed, 2), dst.store.ReadWire(feed, 2))
}

func TestReloadKeepsState(t *testing.T) {
	src := newFixture(t)
	feed := src.ownFeed(t)
	_, err := src.store.AppendContent(feed, bytes.Repeat([]byte{1}, 180))
	require.NoError(t, err)

	dst := newFixture(t)
	require.NoError(t, dst.store.Create(feed, types.FeedRoot))
	_, err = dst.store.Append(feed, src.store.ReadEntry(feed, 1))
	require.NoError(t, err)
	_, _, err = dst.store.AppendChunk(feed, 1, src.store.ReadChunk(feed, 1, 0))
	require.NoError(t, err)

	reloaded, err := New(dst.fs, "/feeds", dst.keys)
	require.NoError(t, err)
	require.True(t, reloaded.Exists(feed))
	kind, _ := reloaded.Kind(feed)
	require.Equal(t, types.FeedRoot, kind)
	require.Equal(t, 1, reloaded.Len(feed))
	require.Equal(t, []uint32{1}, reloaded.OpenSidechains(feed))
	_, done, err := reloaded.AppendChunk(feed, 1, src.store.ReadChunk(feed, 1, 1))
	require.NoError(t, err)
	require.True(t, done)
}

func TestCreateRemove(t *testing.T) {
	f := newFixture(t)
	feed := f.ownFeed(t)
	require.ErrorIs(t, f.store.Create(feed, types.FeedVirtual), ErrExists)
	require.Equal(t, []types.FeedID{feed}, f.store.Feeds())

	require.NoError(t, f.store.Remove(feed))
	require.False(t, f.store.Exists(feed))
	require.ErrorIs(t, f.store.Remove(feed), ErrNotFound)
	_, err := f.store.AppendContent(feed, []byte("x"))
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, f.store.ReadEntry(feed, 1))
}

func TestMaxChunks(t *testing.T) {
	for _, tc := range []struct {
		size, prefix, want int
	}{
		{27, 1, 0},
		{28, 1, 1},
		{127, 1, 1},
		{128, 2, 2},
		{350, 2, 4},
	} {
		require.Equal(t, tc.want, MaxChunks(tc.size, tc.prefix), "size %d", tc.size)
	}
}

func TestNextSeqAndPrevHash(t *testing.T) {
	f := newFixture(t)
	feed := f.ownFeed(t)
	require.EqualValues(t, 1, f.store.NextSeq(feed))
	require.Equal(t, InitialPrevHash(feed), f.store.PrevHash(feed))

	res, err := f.store.AppendContent(feed, []byte("a"))
	require.NoError(t, err)
	require.EqualValues(t, 2, f.store.NextSeq(feed))
	require.Equal(t, res.MsgID, f.store.PrevHash(feed))

	var unknown types.FeedID
	unknown[0] = 1
	require.Zero(t, f.store.NextSeq(unknown))
}
