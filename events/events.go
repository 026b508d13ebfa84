package events

import (
	"fmt"

	"github.com/jannickheisch/tinyISP/common/types"
)

// Event is something the node reports to its user interface.
type Event interface {
	Name() string
}

// NewEntry reports a completed entry on a feed of the root group.
type NewEntry struct {
	Entry types.Entry
}

// Progress is the aggregate replication progress, as sums over want vectors.
type Progress struct {
	Min      int
	OldMin   int
	OldLocal int
	Local    int
	Max      int
}

// SubscriptionRequest reports a peer asking to subscribe to this client.
type SubscriptionRequest struct {
	Contract types.ContractID
	From     types.FeedID
	Ref      types.Hash20
}

// SubscriptionResponse reports the answer to a subscription this client asked for.
type SubscriptionResponse struct {
	Contract types.ContractID
	Peer     types.FeedID
	Accepted bool
	Reason   string
}

// ContractStateChanged reports a lifecycle transition.
type ContractStateChanged struct {
	Contract types.ContractID
	Peer     types.FeedID
	State    string
}

// ContractFault reports a protocol violation by the counterpart of a contract.
type ContractFault struct {
	Contract types.ContractID
	Reason   string
}

// ContractTerminated reports that a contract was torn down.
type ContractTerminated struct {
	Contract types.ContractID
	Peer     types.FeedID
}

// ContractData reports a payload the counterpart of a contract sent over its
// data feed.
type ContractData struct {
	Contract types.ContractID
	Peer     types.FeedID
	Entry    types.Entry
}

// ProviderAnnounced reports a root feed announcing itself as a provider.
type ProviderAnnounced struct {
	Provider types.FeedID
}

// C2CEntry reports an entry a subscribed peer wrote to its client-to-client feed.
type C2CEntry struct {
	Contract types.ContractID
	Peer     types.FeedID
	Entry    types.Entry
}

func (NewEntry) Name() string             { return "new_entry" }
func (Progress) Name() string             { return "progress" }
func (SubscriptionRequest) Name() string  { return "subscription_request" }
func (SubscriptionResponse) Name() string { return "subscription_response" }
func (ContractStateChanged) Name() string { return "contract_state" }
func (ContractFault) Name() string        { return "contract_fault" }
func (ContractTerminated) Name() string   { return "contract_terminated" }
func (ContractData) Name() string         { return "contract_data" }
func (ProviderAnnounced) Name() string    { return "provider_announced" }
func (C2CEntry) Name() string             { return "c2c_entry" }

func (e NewEntry) String() string {
	return fmt.Sprintf("entry %s/%d: %q", e.Entry.Feed.ShortString(), e.Entry.Seq, e.Entry.Body)
}

func (p Progress) String() string {
	return fmt.Sprintf("progress min=%d old_min=%d old_local=%d local=%d max=%d",
		p.Min, p.OldMin, p.OldLocal, p.Local, p.Max)
}

func (e SubscriptionRequest) String() string {
	return fmt.Sprintf("contract %s: %s asks to subscribe", e.Contract.ShortString(), e.From.ShortString())
}

func (e SubscriptionResponse) String() string {
	if e.Accepted {
		return fmt.Sprintf("contract %s: %s accepted", e.Contract.ShortString(), e.Peer.ShortString())
	}
	return fmt.Sprintf("contract %s: %s rejected (%s)", e.Contract.ShortString(), e.Peer.ShortString(), e.Reason)
}

func (e ContractStateChanged) String() string {
	return fmt.Sprintf("contract %s with %s: %s", e.Contract.ShortString(), e.Peer.ShortString(), e.State)
}

func (e ContractFault) String() string {
	return fmt.Sprintf("contract %s faulted: %s", e.Contract.ShortString(), e.Reason)
}

func (e ContractTerminated) String() string {
	return fmt.Sprintf("contract %s with %s terminated", e.Contract.ShortString(), e.Peer.ShortString())
}

func (e ContractData) String() string {
	return fmt.Sprintf("contract %s: %s sent %q", e.Contract.ShortString(), e.Peer.ShortString(), e.Entry.Body)
}

func (e ProviderAnnounced) String() string {
	return fmt.Sprintf("provider %s announced", e.Provider.ShortString())
}

func (e C2CEntry) String() string {
	return fmt.Sprintf("contract %s: %s wrote %q", e.Contract.ShortString(), e.Peer.ShortString(), e.Entry.Body)
}
