// Package demux routes raw packets to handlers by the short tag they start
// with, and sidechain chunks by their content hash.
package demux

import (
	"sync"

	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/hash"
	"github.com/jannickheisch/tinyISP/log"
)

// Handler receives a packet whose tag it was armed for.
type Handler interface {
	Handle(buf, aux []byte, sender string)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(buf, aux []byte, sender string)

func (f HandlerFunc) Handle(buf, aux []byte, sender string) { f(buf, aux, sender) }

// ChunkHandler receives a chunk whose content hash it was armed for, with the
// id of the chunk route.
type ChunkHandler interface {
	HandleChunk(buf []byte, route int)
}

// ChunkHandlerFunc adapts a function to ChunkHandler.
type ChunkHandlerFunc func(buf []byte, route int)

func (f ChunkHandlerFunc) HandleChunk(buf []byte, route int) { f(buf, route) }

// Group is a reconciliation group whose request tags the router maintains.
type Group interface {
	// Key identifies the group, (name, epoch).
	Key() string
	Digest() types.Hash32
	HandleWant(buf, aux []byte, sender string)
	HandleBlob(buf, aux []byte, sender string)
}

// ChunkRoute is an outstanding fetch of one sidechain chunk.
type ChunkRoute struct {
	ID      int
	Hash    types.Hash20
	Handler ChunkHandler
	Feed    types.FeedID
	Seq     uint32
	Index   int
}

type route struct {
	handler Handler
	aux     []byte
	once    bool
}

type groupTags struct {
	want, blob types.Tag
}

// Opt configures a Router.
type Opt func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(r *Router) {
		r.logger = logger
	}
}

// Router is the process-wide packet router.
type Router struct {
	logger *zap.Logger

	mu       sync.Mutex
	routes   map[types.Tag]route
	chunks   map[types.Hash20]*ChunkRoute
	chunkIDs map[int]*ChunkRoute
	nextID   int
	groups   map[string]groupTags
	watchers []func(types.Tag)
}

func New(opts ...Opt) *Router {
	r := &Router{
		logger:   zap.NewNop(),
		routes:   make(map[types.Tag]route),
		chunks:   make(map[types.Hash20]*ChunkRoute),
		chunkIDs: make(map[int]*ChunkRoute),
		groups:   make(map[string]groupTags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ComputeTag derives the tag of the packet that starts with the given seed.
func ComputeTag(seed ...[]byte) types.Tag {
	return hash.Tag(seed...)
}

// Arm registers h for tag, replacing any earlier registration. A nil handler
// removes the route.
func (r *Router) Arm(tag types.Tag, h Handler, aux []byte) {
	r.arm(tag, route{handler: h, aux: aux})
}

// ArmOnce is Arm for a route that is removed when it fires.
func (r *Router) ArmOnce(tag types.Tag, h Handler, aux []byte) {
	r.arm(tag, route{handler: h, aux: aux, once: true})
}

func (r *Router) arm(tag types.Tag, rt route) {
	r.mu.Lock()
	if rt.handler == nil {
		delete(r.routes, tag)
		routeTableSize.Set(float64(len(r.routes)))
		r.mu.Unlock()
		return
	}
	r.routes[tag] = rt
	routeTableSize.Set(float64(len(r.routes)))
	watchers := r.watchers
	r.mu.Unlock()
	for _, w := range watchers {
		w(tag)
	}
}

// Disarm removes the route for tag.
func (r *Router) Disarm(tag types.Tag) {
	r.arm(tag, route{})
}

// Armed reports whether a route exists for tag.
func (r *Router) Armed(tag types.Tag) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.routes[tag]
	return ok
}

// OnArm registers fn to be called with every newly armed tag.
func (r *Router) OnArm(fn func(types.Tag)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// ArmChunk registers h for the chunk whose content hash is h. It returns the
// id of the route, stable until the route fires or is removed, or -1 when a
// nil handler removed it.
func (r *Router) ArmChunk(hash types.Hash20, h ChunkHandler, feed types.FeedID, seq uint32, idx int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cr, ok := r.chunks[hash]
	if h == nil {
		if ok {
			r.dropChunk(cr)
		}
		return -1
	}
	if !ok {
		cr = &ChunkRoute{ID: r.nextID, Hash: hash}
		r.nextID++
		r.chunks[hash] = cr
		r.chunkIDs[cr.ID] = cr
	}
	cr.Handler = h
	cr.Feed = feed
	cr.Seq = seq
	cr.Index = idx
	chunkTableSize.Set(float64(len(r.chunks)))
	return cr.ID
}

func (r *Router) dropChunk(cr *ChunkRoute) {
	if r.chunks[cr.Hash] == cr {
		delete(r.chunks, cr.Hash)
	}
	delete(r.chunkIDs, cr.ID)
	chunkTableSize.Set(float64(len(r.chunks)))
}

// DisarmChunk removes the chunk route with the given id.
func (r *Router) DisarmChunk(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cr, ok := r.chunkIDs[id]; ok {
		r.dropChunk(cr)
	}
}

// ChunkRoute returns the chunk route with the given id.
func (r *Router) ChunkRoute(id int) (ChunkRoute, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cr, ok := r.chunkIDs[id]
	if !ok {
		return ChunkRoute{}, false
	}
	return *cr, true
}

// Dispatch hands buf to the route armed for its leading tag and, for packets
// of full length, to the chunk route armed for its content hash. It reports
// whether any handler ran. Unmatched packets are dropped.
func (r *Router) Dispatch(buf []byte, sender string) bool {
	if len(buf) < types.TagSize {
		dispatchedUnmatched.Inc()
		return false
	}
	tag := types.BytesToTag(buf)
	r.mu.Lock()
	rt, hasRoute := r.routes[tag]
	if hasRoute && rt.once {
		delete(r.routes, tag)
		routeTableSize.Set(float64(len(r.routes)))
	}
	var (
		cr       ChunkRoute
		hasChunk bool
	)
	if len(buf) == types.PacketSize {
		if c, ok := r.chunks[hash.Sum20(buf)]; ok {
			// the route fires once: a handler arming the same hash again gets
			// a fresh route, while the id stays resolvable until it returns
			cr, hasChunk = *c, true
			delete(r.chunks, c.Hash)
			chunkTableSize.Set(float64(len(r.chunks)))
		}
	}
	r.mu.Unlock()

	if hasRoute {
		dispatchedRoute.Inc()
		r.logger.Debug("dispatching", zap.Stringer("tag", tag), zap.Int("size", len(buf)), zap.String("sender", sender))
		rt.handler.Handle(buf, rt.aux, sender)
	}
	if hasChunk {
		dispatchedChunk.Inc()
		r.logger.Debug("dispatching chunk",
			log.ZFeed(cr.Feed),
			zap.Uint32("seq", cr.Seq),
			zap.Int("chunk", cr.Index),
		)
		cr.Handler.HandleChunk(buf, cr.ID)
		r.DisarmChunk(cr.ID)
	}
	if !hasRoute && !hasChunk {
		dispatchedUnmatched.Inc()
		return false
	}
	return true
}

// ArmGroupTags derives the want and blob tags of g from its current digest,
// removes the tags armed for an earlier digest of g and arms the new ones.
func (r *Router) ArmGroupTags(g Group) (want, blob types.Tag) {
	d := g.Digest()
	want = ComputeTag([]byte("want"), d[:])
	blob = ComputeTag([]byte("blob"), d[:])

	r.mu.Lock()
	prev, ok := r.groups[g.Key()]
	r.groups[g.Key()] = groupTags{want: want, blob: blob}
	stale := ok && prev.want != want && !r.sharedLocked(prev)
	r.mu.Unlock()
	if stale {
		r.Disarm(prev.want)
		r.Disarm(prev.blob)
	}
	r.Arm(want, HandlerFunc(g.HandleWant), nil)
	r.Arm(blob, HandlerFunc(g.HandleBlob), nil)
	r.logger.Debug("armed group tags",
		zap.String("group", g.Key()),
		zap.Stringer("want", want),
		zap.Stringer("blob", blob),
	)
	return want, blob
}

// GroupTags returns the tags currently armed for the group with the given key.
func (r *Router) GroupTags(key string) (want, blob types.Tag, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.groups[key]
	return t.want, t.blob, ok
}

// DisarmGroup removes the request tags of a group.
func (r *Router) DisarmGroup(key string) {
	r.mu.Lock()
	t, ok := r.groups[key]
	delete(r.groups, key)
	stale := ok && !r.sharedLocked(t)
	r.mu.Unlock()
	if stale {
		r.Disarm(t.want)
		r.Disarm(t.blob)
	}
}

// sharedLocked reports whether another group with the same digest still uses t.
func (r *Router) sharedLocked(t groupTags) bool {
	for _, other := range r.groups {
		if other == t {
			return true
		}
	}
	return false
}
