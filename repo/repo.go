// Package repo stores tinySSB feeds: one directory per feed holding the
// append-only log of fixed-size entries, their message ids and the sidechains
// that carry content too long for a single entry.
package repo

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/hash"
	"github.com/jannickheisch/tinyISP/log"
	"github.com/jannickheisch/tinyISP/signing"
)

var (
	ErrNotFound      = errors.New("repo: not found")
	ErrExists        = errors.New("repo: feed exists")
	ErrInvalidPacket = errors.New("repo: invalid packet")
	ErrInvalidChunk  = errors.New("repo: invalid chunk")
)

const (
	logFile  = "log"
	midFile  = "mid"
	kindFile = "kind"

	// sidechain files are named <marker><seq>.
	partialMarker  = "!"
	completeMarker = "-"
)

// Signer signs entries of feeds whose private key is held locally.
type Signer interface {
	Sign(feed types.FeedID, msg []byte) ([]byte, error)
}

// EntryListener is told about every entry whose content became complete.
type EntryListener interface {
	OnEntry(types.Entry)
}

// Appended describes an entry that was just stored.
type Appended struct {
	Seq   uint32
	MsgID types.Hash20
	// Sidechain is the hash of the first missing chunk, zero if the content is complete.
	Sidechain types.Hash20
}

type sidechain struct {
	next   types.Hash20
	chunks int
	need   int
}

type feedState struct {
	kind     types.FeedKind
	length   uint32
	prevHash types.Hash20
	pending  map[uint32]*sidechain
}

// Opt configures a Store.
type Opt func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithListener registers the listener for completed entries.
func WithListener(l EntryListener) Opt {
	return func(s *Store) {
		s.listener = l
	}
}

// Store is the feed store.
type Store struct {
	logger   *zap.Logger
	fs       afero.Fs
	dir      string
	signer   Signer
	listener EntryListener

	mu    sync.Mutex
	feeds map[types.FeedID]*feedState
}

// New opens the store rooted at dir and loads every feed found there.
func New(fs afero.Fs, dir string, signer Signer, opts ...Opt) (*Store, error) {
	s := &Store{
		logger: zap.NewNop(),
		fs:     fs,
		dir:    dir,
		signer: signer,
		feeds:  make(map[types.FeedID]*feedState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create feed dir %s: %w", dir, err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) feedDir(feed types.FeedID) string {
	return filepath.Join(s.dir, feed.String())
}

func (s *Store) sidechainPath(feed types.FeedID, seq uint32, marker string) string {
	return filepath.Join(s.feedDir(feed), marker+strconv.FormatUint(uint64(seq), 10))
}

func (s *Store) load() error {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		raw, err := hex.DecodeString(info.Name())
		if err != nil || len(raw) != types.FeedIDSize {
			s.logger.Warn("skipping unknown directory in feed store", zap.String("name", info.Name()))
			continue
		}
		feed := types.BytesToFeedID(raw)
		st, err := s.loadFeed(feed)
		if err != nil {
			return fmt.Errorf("load feed %s: %w", feed.ShortString(), err)
		}
		s.feeds[feed] = st
	}
	s.logger.Debug("loaded feeds", zap.Int("count", len(s.feeds)))
	return nil
}

func (s *Store) loadFeed(feed types.FeedID) (*feedState, error) {
	dir := s.feedDir(feed)
	st := &feedState{
		prevHash: InitialPrevHash(feed),
		pending:  make(map[uint32]*sidechain),
	}
	kind, err := afero.ReadFile(s.fs, filepath.Join(dir, kindFile))
	if err == nil && len(kind) == 1 {
		st.kind = types.FeedKind(kind[0])
	}
	mids, err := afero.ReadFile(s.fs, filepath.Join(dir, midFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	st.length = uint32(len(mids) / types.Hash20Length)
	if st.length > 0 {
		st.prevHash = types.BytesToHash20(mids[(st.length-1)*types.Hash20Length:])
	}
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if !strings.HasPrefix(info.Name(), partialMarker) {
			continue
		}
		seq, err := strconv.ParseUint(info.Name()[1:], 10, 32)
		if err != nil {
			continue
		}
		pkt := s.readAt(filepath.Join(dir, logFile), int64(seq-1)*types.PacketSize)
		size, n, ok := ContentSize(pkt)
		if !ok {
			continue
		}
		sc := &sidechain{
			chunks: int(info.Size() / types.PacketSize),
			need:   MaxChunks(size, n),
		}
		if sc.chunks == 0 {
			sc.next = ChunkPointer(pkt)
		} else {
			tail := s.readAt(filepath.Join(dir, info.Name()), int64(sc.chunks-1)*types.PacketSize)
			if tail == nil {
				continue
			}
			sc.next = TailPointer(tail)
		}
		st.pending[uint32(seq)] = sc
	}
	return st, nil
}

func (s *Store) readAt(path string, off int64) []byte {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, types.PacketSize)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil
	}
	return buf
}

func (s *Store) appendFile(path string, data ...[]byte) error {
	f, err := s.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	for _, d := range data {
		if _, err := f.Write(d); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// Exists reports whether feed is known to the store.
func (s *Store) Exists(feed types.FeedID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.feeds[feed]
	return ok
}

// Create creates empty storage for feed.
func (s *Store) Create(feed types.FeedID, kind types.FeedKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[feed]; ok {
		return fmt.Errorf("create %s: %w", feed.ShortString(), ErrExists)
	}
	dir := s.feedDir(feed)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", feed.ShortString(), err)
	}
	if err := afero.WriteFile(s.fs, filepath.Join(dir, kindFile), []byte{byte(kind)}, 0o600); err != nil {
		return fmt.Errorf("create %s: %w", feed.ShortString(), err)
	}
	s.feeds[feed] = &feedState{
		kind:     kind,
		prevHash: InitialPrevHash(feed),
		pending:  make(map[uint32]*sidechain),
	}
	s.logger.Debug("created feed", log.ZFeed(feed), zap.Stringer("kind", kind))
	return nil
}

// Remove deletes feed and everything stored for it.
func (s *Store) Remove(feed types.FeedID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[feed]; !ok {
		return fmt.Errorf("remove %s: %w", feed.ShortString(), ErrNotFound)
	}
	delete(s.feeds, feed)
	if err := s.fs.RemoveAll(s.feedDir(feed)); err != nil {
		return fmt.Errorf("remove %s: %w", feed.ShortString(), err)
	}
	s.logger.Debug("removed feed", log.ZFeed(feed))
	return nil
}

// Feeds returns all known feeds in ascending order.
func (s *Store) Feeds() []types.FeedID {
	s.mu.Lock()
	defer s.mu.Unlock()
	feeds := make([]types.FeedID, 0, len(s.feeds))
	for f := range s.feeds {
		feeds = append(feeds, f)
	}
	slices.SortFunc(feeds, func(a, b types.FeedID) int { return a.Compare(b) })
	return feeds
}

// Kind returns the kind feed was created with.
func (s *Store) Kind(feed types.FeedID) (types.FeedKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.feeds[feed]
	if !ok {
		return 0, false
	}
	return st.kind, true
}

// Len returns the number of entries of feed, 0 for unknown feeds.
func (s *Store) Len(feed types.FeedID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.feeds[feed]; ok {
		return int(st.length)
	}
	return 0
}

// Head returns the next expected sequence number of feed and the message id
// of its last entry.
func (s *Store) Head(feed types.FeedID) (uint32, types.Hash20, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.feeds[feed]
	if !ok {
		return 0, types.EmptyHash20, false
	}
	return st.length + 1, st.prevHash, true
}

// NextSeq returns the sequence number the next entry of feed will carry.
func (s *Store) NextSeq(feed types.FeedID) uint32 {
	next, _, _ := s.Head(feed)
	return next
}

// PrevHash returns the message id the next entry of feed will chain to.
func (s *Store) PrevHash(feed types.FeedID) types.Hash20 {
	_, prev, _ := s.Head(feed)
	return prev
}

// Append validates pkt as the next entry of feed and stores it.
func (s *Store) Append(feed types.FeedID, pkt []byte) (Appended, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.feeds[feed]
	if !ok {
		return Appended{}, fmt.Errorf("append to %s: %w", feed.ShortString(), ErrNotFound)
	}
	if len(pkt) != types.PacketSize {
		return Appended{}, fmt.Errorf("%w: length %d", ErrInvalidPacket, len(pkt))
	}
	seq := st.length + 1
	nm := name(feed, seq, st.prevHash)
	if tag := hash.Tag(nm); !bytes.Equal(tag[:], pkt[:types.TagSize]) {
		return Appended{}, fmt.Errorf("%w: unexpected tag for seq %d", ErrInvalidPacket, seq)
	}
	if !signing.Verify(feed, signedMessage(nm, pkt), pkt[signedLength:]) {
		return Appended{}, fmt.Errorf("%w: bad signature for seq %d", ErrInvalidPacket, seq)
	}
	return s.store(feed, st, seq, nm, pkt, nil)
}

// AppendContent creates, signs and stores a new entry carrying content on a local feed.
func (s *Store) AppendContent(feed types.FeedID, content []byte) (Appended, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.feeds[feed]
	if !ok {
		return Appended{}, fmt.Errorf("append to %s: %w", feed.ShortString(), ErrNotFound)
	}
	seq := st.length + 1
	nm := name(feed, seq, st.prevHash)
	payload, chunks := buildContent(content)
	pkt := make([]byte, 0, types.PacketSize)
	tag := hash.Tag(nm)
	pkt = append(pkt, tag[:]...)
	pkt = append(pkt, types.PacketChain20)
	pkt = append(pkt, payload...)
	sig, err := s.signer.Sign(feed, signedMessage(nm, pkt))
	if err != nil {
		return Appended{}, fmt.Errorf("append to %s: %w", feed.ShortString(), err)
	}
	pkt = append(pkt, sig...)
	return s.store(feed, st, seq, nm, pkt, chunks)
}

func (s *Store) store(feed types.FeedID, st *feedState, seq uint32, nm, pkt []byte, chunks [][]byte) (Appended, error) {
	dir := s.feedDir(feed)
	mid := messageID(nm, pkt)
	res := Appended{Seq: seq, MsgID: mid}

	size, n, _ := ContentSize(pkt)
	need := MaxChunks(size, n)
	if need > 0 {
		marker := partialMarker
		if chunks != nil {
			marker = completeMarker
		}
		if err := s.appendFile(s.sidechainPath(feed, seq, marker), chunks...); err != nil {
			return Appended{}, fmt.Errorf("store sidechain %s/%d: %w", feed.ShortString(), seq, err)
		}
		if chunks == nil {
			res.Sidechain = ChunkPointer(pkt)
			st.pending[seq] = &sidechain{next: res.Sidechain, need: need}
		}
	}
	if err := s.appendFile(filepath.Join(dir, logFile), pkt); err != nil {
		return Appended{}, fmt.Errorf("store entry %s/%d: %w", feed.ShortString(), seq, err)
	}
	if err := s.appendFile(filepath.Join(dir, midFile), mid[:]); err != nil {
		return Appended{}, fmt.Errorf("store mid %s/%d: %w", feed.ShortString(), seq, err)
	}
	st.length = seq
	st.prevHash = mid

	if res.Sidechain.IsZero() {
		body, _ := s.content(feed, seq, pkt)
		s.notify(types.Entry{Feed: feed, Seq: seq, MsgID: mid, Body: body})
	}
	return res, nil
}

func (s *Store) notify(e types.Entry) {
	if s.listener == nil {
		return
	}
	// listeners may call back into the store
	s.mu.Unlock()
	defer s.mu.Lock()
	s.listener.OnEntry(e)
}

// AppendChunk stores the next chunk of the sidechain of entry seq. It returns
// the hash of the chunk expected after it, or done when the content is complete.
func (s *Store) AppendChunk(feed types.FeedID, seq uint32, chunk []byte) (next types.Hash20, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.feeds[feed]
	if !ok {
		return next, false, fmt.Errorf("append chunk to %s: %w", feed.ShortString(), ErrNotFound)
	}
	sc, ok := st.pending[seq]
	if !ok {
		return next, false, fmt.Errorf("append chunk to %s/%d: %w", feed.ShortString(), seq, ErrNotFound)
	}
	if len(chunk) != types.PacketSize || hash.Sum20(chunk) != sc.next {
		return next, false, fmt.Errorf("%w: %s/%d chunk %d", ErrInvalidChunk, feed.ShortString(), seq, sc.chunks)
	}
	partial := s.sidechainPath(feed, seq, partialMarker)
	if err := s.appendFile(partial, chunk); err != nil {
		return next, false, fmt.Errorf("store chunk %s/%d: %w", feed.ShortString(), seq, err)
	}
	sc.chunks++
	sc.next = TailPointer(chunk)
	if !sc.next.IsZero() && sc.chunks < sc.need {
		return sc.next, false, nil
	}

	delete(st.pending, seq)
	if err := s.fs.Rename(partial, s.sidechainPath(feed, seq, completeMarker)); err != nil {
		return next, false, fmt.Errorf("complete sidechain %s/%d: %w", feed.ShortString(), seq, err)
	}
	pkt := s.readAt(filepath.Join(s.feedDir(feed), logFile), int64(seq-1)*types.PacketSize)
	body, err := s.content(feed, seq, pkt)
	if err != nil {
		return next, true, err
	}
	s.notify(types.Entry{Feed: feed, Seq: seq, MsgID: s.mid(feed, seq), Body: body})
	return next, true, nil
}

func (s *Store) mid(feed types.FeedID, seq uint32) types.Hash20 {
	f, err := s.fs.Open(filepath.Join(s.feedDir(feed), midFile))
	if err != nil {
		return types.EmptyHash20
	}
	defer f.Close()
	var h types.Hash20
	if _, err := f.ReadAt(h[:], int64(seq-1)*types.Hash20Length); err != nil {
		return types.EmptyHash20
	}
	return h
}

// content assembles the full content of an entry from the packet and its sidechain.
func (s *Store) content(feed types.FeedID, seq uint32, pkt []byte) ([]byte, error) {
	if pkt == nil {
		return nil, ErrNotFound
	}
	inline, size := inlineContent(pkt)
	if len(inline) >= size {
		return inline, nil
	}
	chain, err := afero.ReadFile(s.fs, s.sidechainPath(feed, seq, completeMarker))
	if err != nil {
		return nil, fmt.Errorf("read sidechain %s/%d: %w", feed.ShortString(), seq, ErrNotFound)
	}
	body := make([]byte, 0, size)
	body = append(body, inline...)
	for off := 0; off+types.PacketSize <= len(chain) && len(body) < size; off += types.PacketSize {
		body = append(body, chain[off:off+types.ChunkPayloadSize]...)
	}
	if len(body) < size {
		return nil, fmt.Errorf("%w: sidechain %s/%d too short", ErrInvalidChunk, feed.ShortString(), seq)
	}
	return body[:size], nil
}

// ReadEntry returns the raw packet of entry seq, or nil.
func (s *Store) ReadEntry(feed types.FeedID, seq uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.feeds[feed]
	if !ok || seq == 0 || seq > st.length {
		return nil
	}
	return s.readAt(filepath.Join(s.feedDir(feed), logFile), int64(seq-1)*types.PacketSize)
}

// ReadContent returns the full content and message id of entry seq.
func (s *Store) ReadContent(feed types.FeedID, seq uint32) (types.Entry, error) {
	pkt := s.ReadEntry(feed, seq)
	if pkt == nil {
		return types.Entry{}, fmt.Errorf("read %s/%d: %w", feed.ShortString(), seq, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	body, err := s.content(feed, seq, pkt)
	if err != nil {
		return types.Entry{}, err
	}
	return types.Entry{Feed: feed, Seq: seq, MsgID: s.mid(feed, seq), Body: body}, nil
}

func (s *Store) chunkFile(feed types.FeedID, seq uint32) string {
	complete := s.sidechainPath(feed, seq, completeMarker)
	if _, err := s.fs.Stat(complete); err == nil {
		return complete
	}
	return s.sidechainPath(feed, seq, partialMarker)
}

// ReadChunk returns chunk idx of the sidechain of entry seq, or nil.
func (s *Store) ReadChunk(feed types.FeedID, seq uint32, idx int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[feed]; !ok || idx < 0 {
		return nil
	}
	return s.readAt(s.chunkFile(feed, seq), int64(idx)*types.PacketSize)
}

// ChunkCount returns the number of chunks stored for entry seq.
func (s *Store) ChunkCount(feed types.FeedID, seq uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.fs.Stat(s.chunkFile(feed, seq))
	if err != nil {
		return 0
	}
	return int(info.Size() / types.PacketSize)
}

// ReadWire returns the entry packet followed by all stored chunks of its sidechain.
func (s *Store) ReadWire(feed types.FeedID, seq uint32) []byte {
	pkt := s.ReadEntry(feed, seq)
	if pkt == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fs.Open(s.chunkFile(feed, seq))
	if err != nil {
		return pkt
	}
	defer f.Close()
	chain, err := io.ReadAll(f)
	if err != nil {
		return pkt
	}
	chain = chain[:len(chain)/types.PacketSize*types.PacketSize]
	return append(pkt, chain...)
}

// OpenSidechains returns the sequence numbers of entries of feed whose
// sidechain is still incomplete, in ascending order.
func (s *Store) OpenSidechains(feed types.FeedID) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.feeds[feed]
	if !ok {
		return nil
	}
	seqs := make([]uint32, 0, len(st.pending))
	for seq := range st.pending {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs
}
