// Package events carries the node-internal notifications that drive
// routing: peer liveness, bundle arrival, and transfer outcomes.
package events

import (
	evbus "github.com/asaskevich/EventBus"

	"dtnmesh/pkg/bundle"
)

const (
	topicPeerUp            = "peer:up"
	topicPeerDown          = "peer:down"
	topicBundleQueued      = "bundle:queued"
	topicTransferCompleted = "transfer:completed"
	topicTransferAborted   = "transfer:aborted"
)

// PeerUp announces a neighbor whose contact frame was verified.
type PeerUp struct {
	Node bundle.EID
}

// PeerDown announces that the last session to a neighbor closed.
type PeerDown struct {
	Node bundle.EID
}

// BundleQueued announces a bundle accepted into storage. Origin is the
// peer it arrived from, or the local node EID for injected bundles.
type BundleQueued struct {
	Origin bundle.EID
	Meta   bundle.Meta
}

// TransferCompleted reports a finished outbound transfer.
type TransferCompleted struct {
	Peer bundle.EID
	Meta bundle.Meta
}

// TransferAborted reports a failed outbound transfer.
type TransferAborted struct {
	Peer bundle.EID
	ID   bundle.ID
}

// Bus is a typed facade over EventBus. Handlers run synchronously in
// the publisher's goroutine and must not block; the routing engine's
// handlers only enqueue tasks.
type Bus struct {
	b evbus.Bus
}

func NewBus() *Bus { return &Bus{b: evbus.New()} }

func (b *Bus) PublishPeerUp(e PeerUp)                       { b.b.Publish(topicPeerUp, e) }
func (b *Bus) PublishPeerDown(e PeerDown)                   { b.b.Publish(topicPeerDown, e) }
func (b *Bus) PublishBundleQueued(e BundleQueued)           { b.b.Publish(topicBundleQueued, e) }
func (b *Bus) PublishTransferCompleted(e TransferCompleted) { b.b.Publish(topicTransferCompleted, e) }
func (b *Bus) PublishTransferAborted(e TransferAborted)     { b.b.Publish(topicTransferAborted, e) }

func (b *Bus) SubscribePeerUp(fn func(PeerUp)) error {
	return b.b.Subscribe(topicPeerUp, fn)
}

func (b *Bus) SubscribePeerDown(fn func(PeerDown)) error {
	return b.b.Subscribe(topicPeerDown, fn)
}

func (b *Bus) SubscribeBundleQueued(fn func(BundleQueued)) error {
	return b.b.Subscribe(topicBundleQueued, fn)
}

func (b *Bus) SubscribeTransferCompleted(fn func(TransferCompleted)) error {
	return b.b.Subscribe(topicTransferCompleted, fn)
}

func (b *Bus) SubscribeTransferAborted(fn func(TransferAborted)) error {
	return b.b.Subscribe(topicTransferAborted, fn)
}
