package isp

import (
	"github.com/jannickheisch/tinyISP/bipf"
	"github.com/jannickheisch/tinyISP/common/types"
)

// AppTag is the first element of every overlay control envelope.
const AppTag = "ISP"

// MsgType names an overlay control message.
type MsgType string

const (
	MsgAnnouncement            MsgType = "announcement"
	MsgOnboardRequest          MsgType = "onboard_request"
	MsgOnboardResponse         MsgType = "onboard_response"
	MsgOnboardAck              MsgType = "onboard_ack"
	MsgHopPrev                 MsgType = "feedhopping_prev"
	MsgHopNext                 MsgType = "feedhopping_next"
	MsgHopFin                  MsgType = "feedhopping_fin"
	MsgSubscriptionRequest     MsgType = "subscription_request"
	MsgSubscriptionISPRequest  MsgType = "subscription_isp_request"
	MsgSubscriptionResponse    MsgType = "subscription_response"
	MsgSubscriptionISPResponse MsgType = "subscription_isp_response"
	MsgFarewellInitiate        MsgType = "farewell_initiate"
	MsgFarewellAck             MsgType = "farewell_ack"
	MsgFarewellFin             MsgType = "farewell_fin"
)

// Message is a decoded control envelope [AppTag, Type, Args...].
type Message struct {
	Type MsgType
	Args []bipf.Value
}

func newMessage(typ MsgType, args ...bipf.Value) Message {
	return Message{Type: typ, Args: args}
}

// Encode returns the BIPF encoding of the envelope.
func (m Message) Encode() []byte {
	items := make([]bipf.Value, 0, 2+len(m.Args))
	items = append(items, bipf.String(AppTag), bipf.String(string(m.Type)))
	items = append(items, m.Args...)
	return bipf.Encode(bipf.List(items...))
}

// Decode parses buf as a control envelope. Anything else, including valid
// BIPF that is not an overlay envelope, is reported as not ok.
func Decode(buf []byte) (Message, bool) {
	lst, err := bipf.DecodeList(buf)
	if err != nil || len(lst) < 2 {
		return Message{}, false
	}
	if app, ok := lst[0].AsString(); !ok || app != AppTag {
		return Message{}, false
	}
	typ, ok := lst[1].AsString()
	if !ok {
		return Message{}, false
	}
	return Message{Type: MsgType(typ), Args: lst[2:]}, true
}

func (m Message) arg(i int) (bipf.Value, bool) {
	if i >= len(m.Args) {
		return bipf.Value{}, false
	}
	return m.Args[i], true
}

// Feed returns argument i as a feed id.
func (m Message) Feed(i int) (types.FeedID, bool) {
	v, ok := m.arg(i)
	if !ok {
		return types.FeedID{}, false
	}
	b, ok := v.AsBytes()
	if !ok || len(b) != types.FeedIDSize {
		return types.FeedID{}, false
	}
	return types.BytesToFeedID(b), true
}

// OptFeed is like Feed but accepts none as the zero feed id.
func (m Message) OptFeed(i int) (types.FeedID, bool) {
	v, ok := m.arg(i)
	if !ok {
		return types.FeedID{}, false
	}
	if v.IsNone() {
		return types.FeedID{}, true
	}
	return m.Feed(i)
}

// Ref returns argument i as a message id.
func (m Message) Ref(i int) (types.Hash20, bool) {
	v, ok := m.arg(i)
	if !ok {
		return types.Hash20{}, false
	}
	b, ok := v.AsBytes()
	if !ok || len(b) != types.Hash20Length {
		return types.Hash20{}, false
	}
	return types.BytesToHash20(b), true
}

func (m Message) Flag(i int) (bool, bool) {
	v, ok := m.arg(i)
	if !ok {
		return false, false
	}
	return v.AsBool()
}

func (m Message) Int(i int) (int, bool) {
	v, ok := m.arg(i)
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

func (m Message) Text(i int) (string, bool) {
	v, ok := m.arg(i)
	if !ok {
		return "", false
	}
	return v.AsString()
}

// response decodes the common (ref, accepted, feed-or-reason) shape.
func (m Message) response() (ref types.Hash20, accepted bool, feed types.FeedID, reason string, ok bool) {
	if ref, ok = m.Ref(0); !ok {
		return
	}
	if accepted, ok = m.Flag(1); !ok {
		return
	}
	if accepted {
		feed, ok = m.Feed(2)
		return
	}
	reason, _ = m.Text(2)
	return ref, accepted, feed, reason, true
}

func feedValue(id types.FeedID) bipf.Value {
	if id.IsZero() {
		return bipf.None()
	}
	return bipf.Bytes(id.Bytes())
}

func responseArgs(ref types.Hash20, accepted bool, feed types.FeedID, reason string) []bipf.Value {
	args := []bipf.Value{bipf.Bytes(ref.Bytes()), bipf.Bool(accepted)}
	if accepted {
		return append(args, bipf.Bytes(feed.Bytes()))
	}
	return append(args, bipf.String(reason))
}

func Announcement() Message {
	return newMessage(MsgAnnouncement)
}

func OnboardRequest(provider, ctrl types.FeedID) Message {
	return newMessage(MsgOnboardRequest, bipf.Bytes(provider.Bytes()), bipf.Bytes(ctrl.Bytes()))
}

// OnboardResponse carries the provider control feed when accepted, reason otherwise.
func OnboardResponse(ref types.Hash20, accepted bool, ctrl types.FeedID, reason string) Message {
	return newMessage(MsgOnboardResponse, responseArgs(ref, accepted, ctrl, reason)...)
}

func OnboardAck(data types.FeedID) Message {
	return newMessage(MsgOnboardAck, bipf.Bytes(data.Bytes()))
}

// HopPrev is the first entry of every data feed. The zero id encodes as none.
func HopPrev(prev types.FeedID) Message {
	return newMessage(MsgHopPrev, feedValue(prev))
}

func HopNext(next types.FeedID) Message {
	return newMessage(MsgHopNext, bipf.Bytes(next.Bytes()))
}

func HopFin(old types.FeedID) Message {
	return newMessage(MsgHopFin, bipf.Bytes(old.Bytes()))
}

func SubscriptionRequest(target, c2c types.FeedID) Message {
	return newMessage(MsgSubscriptionRequest, bipf.Bytes(target.Bytes()), bipf.Bytes(c2c.Bytes()))
}

func SubscriptionISPRequest(ref types.Hash20, from, c2c types.FeedID) Message {
	return newMessage(MsgSubscriptionISPRequest,
		bipf.Bytes(ref.Bytes()), bipf.Bytes(from.Bytes()), bipf.Bytes(c2c.Bytes()))
}

func SubscriptionResponse(ref types.Hash20, accepted bool, c2c types.FeedID, reason string) Message {
	return newMessage(MsgSubscriptionResponse, responseArgs(ref, accepted, c2c, reason)...)
}

func SubscriptionISPResponse(ref types.Hash20, accepted bool, c2c types.FeedID, reason string) Message {
	return newMessage(MsgSubscriptionISPResponse, responseArgs(ref, accepted, c2c, reason)...)
}

func FarewellInitiate(feed types.FeedID, seq uint32) Message {
	return newMessage(MsgFarewellInitiate, bipf.Bytes(feed.Bytes()), bipf.Int(int(seq)))
}

func FarewellAck(feed types.FeedID, seq uint32) Message {
	return newMessage(MsgFarewellAck, bipf.Bytes(feed.Bytes()), bipf.Int(int(seq)))
}

func FarewellFin() Message {
	return newMessage(MsgFarewellFin)
}
