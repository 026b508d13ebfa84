package isp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jannickheisch/tinyISP/bipf"
	"github.com/jannickheisch/tinyISP/common/types"
)

func TestDecodeRejectsForeignContent(t *testing.T) {
	for _, tc := range []struct {
		desc string
		buf  []byte
	}{
		{"empty", nil},
		{"text", []byte("hello")},
		{"not a list", bipf.Encode(bipf.String(AppTag))},
		{"short list", bipf.Encode(bipf.List(bipf.String(AppTag)))},
		{"other app", bipf.Encode(bipf.List(bipf.String("CHAT"), bipf.String("onboard_ack")))},
		{"type not a string", bipf.Encode(bipf.List(bipf.String(AppTag), bipf.Int(1)))},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			_, ok := Decode(tc.buf)
			require.False(t, ok)
		})
	}
}

func TestResponseShapes(t *testing.T) {
	ref := types.Hash20{1}
	feed := types.FeedID{2}

	msg, ok := Decode(OnboardResponse(ref, true, feed, "").Encode())
	require.True(t, ok)
	require.Equal(t, MsgOnboardResponse, msg.Type)
	gotRef, accepted, gotFeed, _, ok := msg.response()
	require.True(t, ok)
	require.True(t, accepted)
	require.Equal(t, ref, gotRef)
	require.Equal(t, feed, gotFeed)

	msg, ok = Decode(SubscriptionISPResponse(ref, false, types.FeedID{}, reasonNotFound).Encode())
	require.True(t, ok)
	_, accepted, gotFeed, reason, ok := msg.response()
	require.True(t, ok)
	require.False(t, accepted)
	require.True(t, gotFeed.IsZero())
	require.Equal(t, reasonNotFound, reason)

	// an accepted response must name a feed
	broken := newMessage(MsgSubscriptionResponse, bipf.Bytes(ref.Bytes()), bipf.Bool(true), bipf.String("x"))
	msg, ok = Decode(broken.Encode())
	require.True(t, ok)
	_, _, _, _, ok = msg.response()
	require.False(t, ok)
}

func TestHopPrevEncodesNone(t *testing.T) {
	msg, ok := Decode(HopPrev(types.FeedID{}).Encode())
	require.True(t, ok)
	require.True(t, msg.Args[0].IsNone())
	_, ok = msg.Feed(0)
	require.False(t, ok)
	prev, ok := msg.OptFeed(0)
	require.True(t, ok)
	require.True(t, prev.IsZero())

	msg, ok = Decode(FarewellInitiate(types.FeedID{3}, 17).Encode())
	require.True(t, ok)
	feed, seq, ok := farewellArgs(msg)
	require.True(t, ok)
	require.Equal(t, types.FeedID{3}, feed)
	require.Equal(t, uint32(17), seq)
}
