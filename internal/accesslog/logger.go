// Package accesslog implements a non-blocking, batched access logger for
// inference requests. Log entries are written to an internal buffered
// channel and flushed in batches by a background goroutine to a pluggable
// Sink, so logging never blocks the request hot path. If the channel fills
// up, new entries are dropped and counted.
package accesslog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Entry records one completed inference request.
type Entry struct {
	ID             uuid.UUID
	Backend        string
	ModelTag       string
	Cached         bool
	Semantic       bool
	Fallback       bool
	FallbackReason string
	InputTokens    uint32
	OutputTokens   uint32
	LatencyMs      uint32
	Status         uint16
	CreatedAt      time.Time
}

// Sink persists a batch of entries. Implementations should treat Write as
// best-effort: a failed write is counted by the Logger (see WriteErrors) but
// never blocks or crashes the caller.
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
}

type Logger struct {
	sink Sink

	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64
	writeErrors int64

	baseCtx context.Context
}

func New(ctx context.Context, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("accesslog: context must not be nil")
	}
	if sink == nil {
		sink = NewSlogSink(nil)
	}

	l := &Logger{
		sink:    sink,
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 { return atomic.LoadInt64(&l.droppedLogs) }
func (l *Logger) WriteErrors() int64 { return atomic.LoadInt64(&l.writeErrors) }

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.Write(ctx, batch); err != nil {
			atomic.AddInt64(&l.writeErrors, 1)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}
