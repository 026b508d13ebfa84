package isp

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/natefinch/atomic"
	"github.com/spacemeshos/go-scale"

	"github.com/jannickheisch/tinyISP/codec"
	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/hash"
)

const (
	recordVersion = 1
	checksumSize  = 32

	maxRecordBlob = 1 << 20
)

var ErrCorruptRecord = errors.New("isp: corrupt contract record")

// Subscription is a client-to-client feed pair, seen from the local client
// (or, on a provider, from the client of the contract). Remote stays zero
// until the peer accepted.
type Subscription struct {
	Peer   types.FeedID
	Local  types.FeedID
	Remote types.FeedID
}

// PendingRequest is a subscription request waiting for its response.
type PendingRequest struct {
	Ref  types.Hash20
	Peer types.FeedID
}

// ReceivedRequest is a subscription request waiting for a local decision.
type ReceivedRequest struct {
	Ref  types.Hash20
	From types.FeedID
	C2C  types.FeedID
}

type tunnelStream struct {
	Tag  types.Tag
	Data []byte
}

type blob struct {
	Data []byte
}

// record is the persisted state of one contract. Feed fields are relative to
// the local node: Local* feeds are written here, Remote* feeds by the peer.
type record struct {
	Role   Role
	ID     types.ContractID
	Client types.FeedID
	Peer   types.FeedID
	State  State
	Fault  string

	LocalCtrl  types.FeedID
	RemoteCtrl types.FeedID
	CtrlSeen   uint32
	CtrlEpoch  uint32

	Chain      []types.FeedID
	Remote     types.FeedID
	PrevRemote types.FeedID
	DataSeen   uint32
	DataEpoch  uint32
	Suspended  bool
	Backlog    []blob

	Subscriptions []Subscription
	Pending       []PendingRequest
	Received      []ReceivedRequest

	FarewellFeed types.FeedID
	FarewellSeq  uint32
	FinSent      bool
	FinReceived  bool
	TerminatedAt int64

	Tunnel []tunnelStream
}

type step func() (int, error)

func run(steps ...step) (total int, err error) {
	for _, s := range steps {
		n, err := s()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func encodeFlag(enc *scale.Encoder, v bool) (int, error) {
	if v {
		return scale.EncodeByte(enc, 1)
	}
	return scale.EncodeByte(enc, 0)
}

func decodeFlag(dec *scale.Decoder, v *bool) (int, error) {
	b, n, err := scale.DecodeByte(dec)
	if err != nil {
		return n, err
	}
	if b > 1 {
		return n, fmt.Errorf("%w: flag %d", ErrCorruptRecord, b)
	}
	*v = b == 1
	return n, nil
}

func encodeOptFeed(enc *scale.Encoder, id types.FeedID) (int, error) {
	if id.IsZero() {
		return scale.EncodeByte(enc, 0)
	}
	return run(
		func() (int, error) { return scale.EncodeByte(enc, 1) },
		func() (int, error) { return scale.EncodeByteArray(enc, id[:]) },
	)
}

func decodeOptFeed(dec *scale.Decoder, id *types.FeedID) (int, error) {
	var present bool
	n, err := decodeFlag(dec, &present)
	if err != nil || !present {
		*id = types.FeedID{}
		return n, err
	}
	m, err := scale.DecodeByteArray(dec, id[:])
	return n + m, err
}

func encodeU32(enc *scale.Encoder, v uint32) step {
	return func() (int, error) { return scale.EncodeCompact32(enc, v) }
}

func decodeU32(dec *scale.Decoder, v *uint32) step {
	return func() (int, error) {
		x, n, err := scale.DecodeCompact32(dec)
		*v = x
		return n, err
	}
}

func decodeByteAs[T ~uint8](dec *scale.Decoder, v *T) step {
	return func() (int, error) {
		b, n, err := scale.DecodeByte(dec)
		*v = T(b)
		return n, err
	}
}

// EncodeScale implements scale codec interface.
func (s *Subscription) EncodeScale(enc *scale.Encoder) (int, error) {
	return run(
		func() (int, error) { return scale.EncodeByteArray(enc, s.Peer[:]) },
		func() (int, error) { return scale.EncodeByteArray(enc, s.Local[:]) },
		func() (int, error) { return encodeOptFeed(enc, s.Remote) },
	)
}

// DecodeScale implements scale codec interface.
func (s *Subscription) DecodeScale(dec *scale.Decoder) (int, error) {
	return run(
		func() (int, error) { return scale.DecodeByteArray(dec, s.Peer[:]) },
		func() (int, error) { return scale.DecodeByteArray(dec, s.Local[:]) },
		func() (int, error) { return decodeOptFeed(dec, &s.Remote) },
	)
}

// EncodeScale implements scale codec interface.
func (p *PendingRequest) EncodeScale(enc *scale.Encoder) (int, error) {
	return run(
		func() (int, error) { return scale.EncodeByteArray(enc, p.Ref[:]) },
		func() (int, error) { return scale.EncodeByteArray(enc, p.Peer[:]) },
	)
}

// DecodeScale implements scale codec interface.
func (p *PendingRequest) DecodeScale(dec *scale.Decoder) (int, error) {
	return run(
		func() (int, error) { return scale.DecodeByteArray(dec, p.Ref[:]) },
		func() (int, error) { return scale.DecodeByteArray(dec, p.Peer[:]) },
	)
}

// EncodeScale implements scale codec interface.
func (r *ReceivedRequest) EncodeScale(enc *scale.Encoder) (int, error) {
	return run(
		func() (int, error) { return scale.EncodeByteArray(enc, r.Ref[:]) },
		func() (int, error) { return scale.EncodeByteArray(enc, r.From[:]) },
		func() (int, error) { return scale.EncodeByteArray(enc, r.C2C[:]) },
	)
}

// DecodeScale implements scale codec interface.
func (r *ReceivedRequest) DecodeScale(dec *scale.Decoder) (int, error) {
	return run(
		func() (int, error) { return scale.DecodeByteArray(dec, r.Ref[:]) },
		func() (int, error) { return scale.DecodeByteArray(dec, r.From[:]) },
		func() (int, error) { return scale.DecodeByteArray(dec, r.C2C[:]) },
	)
}

// EncodeScale implements scale codec interface.
func (t *tunnelStream) EncodeScale(enc *scale.Encoder) (int, error) {
	return run(
		func() (int, error) { return scale.EncodeByteArray(enc, t.Tag[:]) },
		func() (int, error) { return scale.EncodeByteSliceWithLimit(enc, t.Data, maxRecordBlob) },
	)
}

// DecodeScale implements scale codec interface.
func (t *tunnelStream) DecodeScale(dec *scale.Decoder) (int, error) {
	return run(
		func() (int, error) { return scale.DecodeByteArray(dec, t.Tag[:]) },
		func() (int, error) {
			data, n, err := scale.DecodeByteSliceWithLimit(dec, maxRecordBlob)
			t.Data = data
			return n, err
		},
	)
}

// EncodeScale implements scale codec interface.
func (b *blob) EncodeScale(enc *scale.Encoder) (int, error) {
	return scale.EncodeByteSliceWithLimit(enc, b.Data, maxRecordBlob)
}

// DecodeScale implements scale codec interface.
func (b *blob) DecodeScale(dec *scale.Decoder) (int, error) {
	data, n, err := scale.DecodeByteSliceWithLimit(dec, maxRecordBlob)
	b.Data = data
	return n, err
}

// EncodeScale implements scale codec interface.
func (r *record) EncodeScale(enc *scale.Encoder) (int, error) {
	return run(
		func() (int, error) { return scale.EncodeByte(enc, byte(r.Role)) },
		func() (int, error) { return scale.EncodeByteArray(enc, r.ID[:]) },
		func() (int, error) { return scale.EncodeByteArray(enc, r.Client[:]) },
		func() (int, error) { return scale.EncodeByteArray(enc, r.Peer[:]) },
		func() (int, error) { return scale.EncodeByte(enc, byte(r.State)) },
		func() (int, error) { return scale.EncodeByteSliceWithLimit(enc, []byte(r.Fault), maxRecordBlob) },

		func() (int, error) { return scale.EncodeByteArray(enc, r.LocalCtrl[:]) },
		func() (int, error) { return encodeOptFeed(enc, r.RemoteCtrl) },
		encodeU32(enc, r.CtrlSeen),
		encodeU32(enc, r.CtrlEpoch),

		func() (int, error) { return scale.EncodeStructSlice(enc, r.Chain) },
		func() (int, error) { return encodeOptFeed(enc, r.Remote) },
		func() (int, error) { return encodeOptFeed(enc, r.PrevRemote) },
		encodeU32(enc, r.DataSeen),
		encodeU32(enc, r.DataEpoch),
		func() (int, error) { return encodeFlag(enc, r.Suspended) },
		func() (int, error) { return scale.EncodeStructSlice(enc, r.Backlog) },

		func() (int, error) { return scale.EncodeStructSlice(enc, r.Subscriptions) },
		func() (int, error) { return scale.EncodeStructSlice(enc, r.Pending) },
		func() (int, error) { return scale.EncodeStructSlice(enc, r.Received) },

		func() (int, error) { return encodeOptFeed(enc, r.FarewellFeed) },
		encodeU32(enc, r.FarewellSeq),
		func() (int, error) { return encodeFlag(enc, r.FinSent) },
		func() (int, error) { return encodeFlag(enc, r.FinReceived) },
		func() (int, error) { return scale.EncodeCompact64(enc, uint64(r.TerminatedAt)) },

		func() (int, error) { return scale.EncodeStructSlice(enc, r.Tunnel) },
	)
}

// DecodeScale implements scale codec interface.
func (r *record) DecodeScale(dec *scale.Decoder) (int, error) {
	return run(
		decodeByteAs(dec, &r.Role),
		func() (int, error) { return scale.DecodeByteArray(dec, r.ID[:]) },
		func() (int, error) { return scale.DecodeByteArray(dec, r.Client[:]) },
		func() (int, error) { return scale.DecodeByteArray(dec, r.Peer[:]) },
		decodeByteAs(dec, &r.State),
		func() (int, error) {
			fault, n, err := scale.DecodeByteSliceWithLimit(dec, maxRecordBlob)
			r.Fault = string(fault)
			return n, err
		},

		func() (int, error) { return scale.DecodeByteArray(dec, r.LocalCtrl[:]) },
		func() (int, error) { return decodeOptFeed(dec, &r.RemoteCtrl) },
		decodeU32(dec, &r.CtrlSeen),
		decodeU32(dec, &r.CtrlEpoch),

		func() (n int, err error) {
			r.Chain, n, err = scale.DecodeStructSlice[types.FeedID](dec)
			return n, err
		},
		func() (int, error) { return decodeOptFeed(dec, &r.Remote) },
		func() (int, error) { return decodeOptFeed(dec, &r.PrevRemote) },
		decodeU32(dec, &r.DataSeen),
		decodeU32(dec, &r.DataEpoch),
		func() (int, error) { return decodeFlag(dec, &r.Suspended) },
		func() (n int, err error) {
			r.Backlog, n, err = scale.DecodeStructSlice[blob](dec)
			return n, err
		},

		func() (n int, err error) {
			r.Subscriptions, n, err = scale.DecodeStructSlice[Subscription](dec)
			return n, err
		},
		func() (n int, err error) {
			r.Pending, n, err = scale.DecodeStructSlice[PendingRequest](dec)
			return n, err
		},
		func() (n int, err error) {
			r.Received, n, err = scale.DecodeStructSlice[ReceivedRequest](dec)
			return n, err
		},

		func() (int, error) { return decodeOptFeed(dec, &r.FarewellFeed) },
		decodeU32(dec, &r.FarewellSeq),
		func() (int, error) { return decodeFlag(dec, &r.FinSent) },
		func() (int, error) { return decodeFlag(dec, &r.FinReceived) },
		func() (int, error) {
			v, n, err := scale.DecodeCompact64(dec)
			r.TerminatedAt = int64(v)
			return n, err
		},

		func() (n int, err error) {
			r.Tunnel, n, err = scale.DecodeStructSlice[tunnelStream](dec)
			return n, err
		},
	)
}

// normalize orders the map-like lists so that equal states encode equally.
func (r *record) normalize() {
	slices.SortFunc(r.Subscriptions, func(a, b Subscription) int { return a.Peer.Compare(b.Peer) })
	slices.SortFunc(r.Pending, func(a, b PendingRequest) int { return bytes.Compare(a.Ref[:], b.Ref[:]) })
	slices.SortFunc(r.Received, func(a, b ReceivedRequest) int { return a.From.Compare(b.From) })
}

// marshalRecord returns version ++ scale(record) ++ blake3 checksum.
func marshalRecord(r *record) ([]byte, error) {
	r.normalize()
	body, err := codec.Encode(r)
	if err != nil {
		return nil, fmt.Errorf("encode contract %s: %w", r.ID.ShortString(), err)
	}
	buf := make([]byte, 0, 1+len(body)+checksumSize)
	buf = append(buf, recordVersion)
	buf = append(buf, body...)
	sum := hash.Checksum(buf)
	return append(buf, sum[:]...), nil
}

func unmarshalRecord(buf []byte) (*record, error) {
	if len(buf) < 1+checksumSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptRecord, len(buf))
	}
	body := buf[:len(buf)-checksumSize]
	if hash.Checksum(body) != [checksumSize]byte(buf[len(body):]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	if body[0] != recordVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrCorruptRecord, body[0])
	}
	r := &record{}
	if err := codec.Decode(body[1:], r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	return r, nil
}

func recordPath(dir string, id types.ContractID) string {
	return filepath.Join(dir, id.String())
}

func writeRecord(dir string, r *record) error {
	buf, err := marshalRecord(r)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(recordPath(dir, r.ID), bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("write contract %s: %w", r.ID.ShortString(), err)
	}
	return nil
}

func removeRecord(dir string, id types.ContractID) error {
	if err := os.Remove(recordPath(dir, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove contract %s: %w", id.ShortString(), err)
	}
	return nil
}

// readRecords returns every record in dir. Files that are not named after a
// contract id, such as leftovers of interrupted writes, are skipped; records
// that fail to decode are returned in failed.
func readRecords(dir string) (records []*record, failed map[string]error, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read contracts: %w", err)
	}
	failed = make(map[string]error)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := types.ParseContractID(e.Name())
		if err != nil {
			continue
		}
		buf, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			failed[e.Name()] = err
			continue
		}
		r, err := unmarshalRecord(buf)
		if err != nil {
			failed[e.Name()] = err
			continue
		}
		if r.ID != id {
			failed[e.Name()] = fmt.Errorf("%w: stored under %s", ErrCorruptRecord, id.ShortString())
			continue
		}
		records = append(records, r)
	}
	return records, failed, nil
}
