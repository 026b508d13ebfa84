package goset

import (
	"slices"

	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/demux"
	"github.com/jannickheisch/tinyISP/transport"
)

// Opt configures a Manager.
type Opt func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithProgress sets the tracker fed with the want vectors of peers.
func WithProgress(p ProgressTracker) Opt {
	return func(m *Manager) {
		m.progress = p
	}
}

// Manager owns all groups of the node.
type Manager struct {
	logger   *zap.Logger
	router   *demux.Router
	store    Store
	sender   transport.Sender
	progress ProgressTracker

	groups []*Group
}

func NewManager(router *demux.Router, store Store, sender transport.Sender, opts ...Opt) *Manager {
	m := &Manager{
		logger: zap.NewNop(),
		router: router,
		store:  store,
		sender: sender,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add creates the group (name, epoch) and arms its tags. An existing group
// with the same name and epoch is returned instead.
func (m *Manager) Add(name string, epoch int, opts ...GroupOpt) *Group {
	for _, g := range m.groups {
		if g.name == name && g.epoch == epoch {
			return g
		}
	}
	g := &Group{
		logger:        m.logger.Named("goset"),
		store:         m.store,
		router:        m.router,
		sender:        m.sender,
		progress:      m.progress,
		name:          name,
		epoch:         epoch,
		tag:           GroupTag(name, epoch),
		noveltyCredit: NoveltyPerRound,
	}
	for _, opt := range opts {
		opt(g)
	}
	m.router.Arm(g.tag, demux.HandlerFunc(g.Receive), nil)
	g.AdjustState()
	m.groups = append(m.groups, g)
	groupCount.Set(float64(len(m.groups)))
	m.logger.Debug("added group", zap.String("group", g.Key()), zap.Stringer("tag", g.tag))
	return g
}

// Remove disarms g and forgets it.
func (m *Manager) Remove(g *Group) bool {
	idx := slices.Index(m.groups, g)
	if idx < 0 {
		return false
	}
	m.groups = slices.Delete(m.groups, idx, idx+1)
	m.router.Disarm(g.tag)
	m.router.DisarmGroup(g.Key())
	groupCount.Set(float64(len(m.groups)))
	m.logger.Debug("removed group", zap.String("group", g.Key()))
	return true
}

// Groups returns the active groups in the order they were added.
func (m *Manager) Groups() []*Group {
	return slices.Clone(m.groups)
}

// Tick runs one reconciliation round in every group.
func (m *Manager) Tick() {
	for _, g := range m.Groups() {
		g.Tick()
	}
}
