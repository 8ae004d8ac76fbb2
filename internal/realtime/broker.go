package realtime

import (
	"context"
	"sort"
	"sync"
)

// Broker fans events out to other server instances and tracks who is online across them.
// Events published by an instance are never delivered back to it.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context) (<-chan Envelope, error)
	SetOnline(ctx context.Context, userID string, online bool) error
	Online(ctx context.Context) ([]string, error)
	Close() error
}

// LocalBroker is the single-instance broker: nothing to fan out, presence kept in memory
type LocalBroker struct {
	mu     sync.Mutex
	online map[string]bool
}

var _ Broker = (*LocalBroker)(nil)

// NewLocalBroker creates a broker for a single server instance
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{online: make(map[string]bool)}
}

func (b *LocalBroker) Publish(context.Context, Envelope) error { return nil }

func (b *LocalBroker) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	ch := make(chan Envelope)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *LocalBroker) SetOnline(_ context.Context, userID string, online bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if online {
		b.online[userID] = true
	} else {
		delete(b.online, userID)
	}
	return nil
}

func (b *LocalBroker) Online(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.online))
	for id := range b.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *LocalBroker) Close() error { return nil }
