package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	backoffMin = 1 * time.Second
	backoffMax = 30 * time.Second
	healthyPoll = 30 * time.Second
)

// ConnectionManager runs background liveness checks against the cache
// store and the embedding service, exposing non-blocking flags the cache
// consults before every operation. Neither the store nor the embedding
// service is ever touched on the request path just to discover it is down:
// every operation fails fast to a miss or no-op when the relevant flag is
// false, and retries happen only in these background loops.
type ConnectionManager struct {
	storeConnected     atomic.Bool
	embeddingAvailable atomic.Bool

	pingStore     func(ctx context.Context) error
	pingEmbedding func(ctx context.Context) error

	done chan struct{}
	log  *slog.Logger
}

// NewConnectionManager starts background probe loops for the store and, if
// pingEmbedding is non-nil, the embedding service. Both start optimistically
// disconnected and flip to connected only after their first successful
// probe, so a cold start doesn't serve against a backend that isn't there
// yet.
func NewConnectionManager(pingStore, pingEmbedding func(ctx context.Context) error, log *slog.Logger) *ConnectionManager {
	if log == nil {
		log = slog.Default()
	}
	cm := &ConnectionManager{
		pingStore:     pingStore,
		pingEmbedding: pingEmbedding,
		done:          make(chan struct{}),
		log:           log,
	}
	go cm.loop("store", cm.pingStore, &cm.storeConnected)
	if pingEmbedding != nil {
		go cm.loop("embedding", cm.pingEmbedding, &cm.embeddingAvailable)
	}
	return cm
}

func (cm *ConnectionManager) loop(name string, ping func(ctx context.Context) error, flag *atomic.Bool) {
	delay := backoffMin
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := ping(ctx)
		cancel()

		wasConnected := flag.Load()
		if err == nil {
			flag.Store(true)
			if !wasConnected {
				cm.log.Info("cache connection established", "target", name)
			}
			delay = backoffMin
			wait := healthyPoll
			select {
			case <-time.After(wait):
			case <-cm.done:
				return
			}
			continue
		}

		flag.Store(false)
		if wasConnected {
			cm.log.Warn("cache connection lost", "target", name, "error", err)
		}
		select {
		case <-time.After(delay):
		case <-cm.done:
			return
		}
		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}

func (cm *ConnectionManager) StoreConnected() bool     { return cm.storeConnected.Load() }
func (cm *ConnectionManager) EmbeddingAvailable() bool { return cm.embeddingAvailable.Load() }

func (cm *ConnectionManager) Close() { close(cm.done) }
