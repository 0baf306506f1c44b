package realtime

import (
	"sync"

	"hanwrite/api/internal/juggler"
)

// outboxItem is either a broadcast or a batch of sessions to terminate.
type outboxItem struct {
	broadcast *juggler.Broadcast
	terminate []string
	reason    string
}

// Outbox is the queue between the registry and the connection worker. Pushing
// never blocks, so the registry can enqueue while holding its lock.
type Outbox struct {
	mu    sync.Mutex
	items []outboxItem
	ready chan struct{}
}

func NewOutbox() *Outbox {
	return &Outbox{ready: make(chan struct{}, 1)}
}

func (o *Outbox) Broadcast(b juggler.Broadcast) {
	o.push(outboxItem{broadcast: &b})
}

func (o *Outbox) TerminateSessions(keys []string, reason string) {
	if len(keys) == 0 {
		return
	}
	o.push(outboxItem{terminate: append([]string(nil), keys...), reason: reason})
}

// Ready fires after items were pushed since the last drain.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) push(item outboxItem) {
	o.mu.Lock()
	o.items = append(o.items, item)
	o.mu.Unlock()
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

func (o *Outbox) drain() []outboxItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items
}
