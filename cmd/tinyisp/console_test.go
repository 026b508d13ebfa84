package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/isp"
	"github.com/jannickheisch/tinyISP/repo"
)

type call struct {
	op      string
	id      types.ContractID
	peer    types.FeedID
	content string
	accept  bool
}

type fakeNode struct {
	calls []call
}

func (f *fakeNode) Identity() types.FeedID { return types.FeedID{0xaa} }

func (f *fakeNode) Publish(content []byte) (repo.Appended, error) {
	f.calls = append(f.calls, call{op: "pub", content: string(content)})
	return repo.Appended{Seq: 3}, nil
}

func (f *fakeNode) Onboard(provider types.FeedID) (types.ContractID, error) {
	f.calls = append(f.calls, call{op: "onboard", peer: provider})
	return types.ContractID{7}, nil
}

func (f *fakeNode) Subscribe(id types.ContractID, target types.FeedID) error {
	f.calls = append(f.calls, call{op: "subscribe", id: id, peer: target})
	return nil
}

func (f *fakeNode) Respond(id types.ContractID, from types.FeedID, accept bool) error {
	f.calls = append(f.calls, call{op: "respond", id: id, peer: from, accept: accept})
	return nil
}

func (f *fakeNode) Send(id types.ContractID, content []byte) error {
	f.calls = append(f.calls, call{op: "send", id: id, content: string(content)})
	return nil
}

func (f *fakeNode) SendC2C(id types.ContractID, peer types.FeedID, content []byte) error {
	f.calls = append(f.calls, call{op: "c2c", id: id, peer: peer, content: string(content)})
	return nil
}

func (f *fakeNode) Farewell(id types.ContractID) error {
	f.calls = append(f.calls, call{op: "farewell", id: id})
	return isp.ErrNotEstablished
}

func (f *fakeNode) DeleteContract(id types.ContractID) error {
	f.calls = append(f.calls, call{op: "delete", id: id})
	return nil
}

func (f *fakeNode) Contracts() []isp.Info {
	return []isp.Info{{
		ID:    types.ContractID{7},
		Role:  isp.Client,
		Peer:  types.FeedID{0xbb},
		State: isp.Established,
		Subscriptions: []isp.Subscription{
			{Peer: types.FeedID{0xcc}, Local: types.FeedID{1}, Remote: types.FeedID{2}},
		},
	}}
}

func TestConsoleCommands(t *testing.T) {
	contract := types.ContractID{7}
	peer := types.FeedID{0xcc}
	for _, tc := range []struct {
		line string
		want call
	}{
		{"pub hello  world", call{op: "pub", content: "hello  world"}},
		{"onboard " + peer.String(), call{op: "onboard", peer: peer}},
		{"subscribe " + contract.String() + " " + peer.String(), call{op: "subscribe", id: contract, peer: peer}},
		{"accept " + contract.String() + " " + peer.String(), call{op: "respond", id: contract, peer: peer, accept: true}},
		{"reject " + contract.String() + " " + peer.String(), call{op: "respond", id: contract, peer: peer}},
		{"send " + contract.String() + " some data", call{op: "send", id: contract, content: "some data"}},
		{"c2c " + contract.String() + " " + peer.String() + " hi there", call{op: "c2c", id: contract, peer: peer, content: "hi there"}},
		{"delete " + contract.String(), call{op: "delete", id: contract}},
	} {
		t.Run(strings.Fields(tc.line)[0], func(t *testing.T) {
			f := &fakeNode{}
			c := &console{node: f, out: &bytes.Buffer{}}
			require.NoError(t, c.exec(tc.line))
			require.Equal(t, []call{tc.want}, f.calls)
		})
	}
}

func TestConsoleErrors(t *testing.T) {
	f := &fakeNode{}
	c := &console{node: f, out: &bytes.Buffer{}}

	require.ErrorContains(t, c.exec("frobnicate"), "unknown command")
	require.ErrorIs(t, c.exec("pub"), errUsage)
	require.ErrorIs(t, c.exec("send "+types.ContractID{1}.String()), errUsage)
	require.ErrorIs(t, c.exec("c2c "+types.ContractID{1}.String()), errUsage)
	require.Error(t, c.exec("onboard nothex"))
	require.ErrorIs(t, c.exec("farewell "+types.ContractID{1}.String()), isp.ErrNotEstablished)
	require.NoError(t, c.exec("   "))
	require.Len(t, f.calls, 1)
}

func TestConsoleRun(t *testing.T) {
	out := &bytes.Buffer{}
	c := &console{node: &fakeNode{}, out: out}
	in := strings.NewReader("id\ncontracts\nbogus\n")
	require.NoError(t, c.run(context.Background(), in))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, types.FeedID{0xaa}.String(), lines[0])
	require.Contains(t, lines[1], "state=established")
	require.Contains(t, lines[2], "c2c peer=")
	require.Contains(t, lines[2], "established=true")
	require.Contains(t, lines[3], "unknown command")
}
