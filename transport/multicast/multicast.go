// Package multicast is a transport face for local UDP multicast.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-reuseport"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/hash"
	"github.com/jannickheisch/tinyISP/transport"
)

const (
	DefaultGroup = "239.5.5.8:1558"

	// own packets come back through the loopback and are recognized by hash.
	echoCacheSize = 512
	readBuffer    = 2048
)

// Opt configures a Face.
type Opt func(*Face)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(f *Face) {
		f.logger = logger
	}
}

// WithInterface restricts the group membership to one interface.
func WithInterface(ifi *net.Interface) Opt {
	return func(f *Face) {
		f.ifi = ifi
	}
}

// Face sends and receives packets on an IPv4 multicast group.
type Face struct {
	logger *zap.Logger
	group  *net.UDPAddr
	ifi    *net.Interface
	conn   net.PacketConn
	pconn  *ipv4.PacketConn
	sent   *lru.Cache[types.Hash20, struct{}]
}

var _ transport.Face = (*Face)(nil)

// New joins the multicast group addr ("ip:port").
func New(addr string, opts ...Opt) (*Face, error) {
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %s: %w", addr, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", addr)
	}
	f := &Face{
		logger: zap.NewNop(),
		group:  group,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.sent, err = lru.New[types.Hash20, struct{}](echoCacheSize)
	if err != nil {
		return nil, err
	}
	conn, err := reuseport.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on multicast port %d: %w", group.Port, err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(f.ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join %s: %w", group.IP, err)
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		f.logger.Debug("failed to enable multicast loopback", zap.Error(err))
	}
	f.conn = conn
	f.pconn = pconn
	f.logger.Info("joined multicast group", zap.Stringer("group", group))
	return f, nil
}

func (f *Face) Name() string {
	return "multicast"
}

func (f *Face) Send(ctx context.Context, pkt []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		f.conn.SetWriteDeadline(deadline)
	}
	f.sent.Add(hash.Sum20(pkt), struct{}{})
	if _, err := f.conn.WriteTo(pkt, f.group); err != nil {
		return fmt.Errorf("multicast send: %w", err)
	}
	return nil
}

func (f *Face) Run(ctx context.Context, deliver transport.DeliverFunc) error {
	go func() {
		<-ctx.Done()
		f.Close()
	}()
	buf := make([]byte, readBuffer)
	for {
		n, from, err := f.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("multicast receive: %w", err)
		}
		pkt := append([]byte(nil), buf[:n]...)
		h := hash.Sum20(pkt)
		if f.sent.Contains(h) {
			f.sent.Remove(h)
			continue
		}
		deliver(pkt, from.String())
	}
}

// Close leaves the group and closes the socket.
func (f *Face) Close() error {
	f.pconn.LeaveGroup(f.ifi, &net.UDPAddr{IP: f.group.IP})
	return f.conn.Close()
}
