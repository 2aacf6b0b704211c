// Package events records the append-only audit trail of a session.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/store"
)

// Event types
const (
	SessionStarted          = "session.started"
	SessionRenamed          = "session.renamed"
	SessionForked           = "session.forked"
	MessageAppended         = "message.appended"
	CheckpointCreated       = "checkpoint.created"
	CheckpointFileTracked   = "checkpoint.file_tracked"
	CheckpointFileUntracked = "checkpoint.file_untracked"
	RewindStarted           = "rewind.started"
	RewindFileRestored      = "rewind.file_restored"
	RewindCompleted         = "rewind.completed"
	ToolStarted             = "tool.started"
	ToolCompleted           = "tool.completed"
	CompactionApplied       = "compaction.applied"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 500 * time.Millisecond
	defaultBuffer        = 1024
)

// Emitter accepts audit events. Emit never blocks on persistence.
type Emitter interface {
	Emit(sessionID, eventType string, payload map[string]any)
}

// Nop discards every event. Used when memory is disabled.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(string, string, map[string]any) {}

// Options tunes the batching sink
type Options struct {
	BatchSize     int           // Events per write, 0 = 50
	FlushInterval time.Duration // Max time an event waits, 0 = 500ms
	Buffer        int           // Channel capacity, 0 = 1024
}

// Sink persists events asynchronously in batches.
type Sink struct {
	store    *store.Store
	ch       chan store.Event
	flushReq chan chan struct{}
	done     chan struct{}

	batchSize int
	interval  time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewSink starts the background writer.
func NewSink(st *store.Store, opts Options) *Sink {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}

	s := &Sink{
		store:     st,
		ch:        make(chan store.Event, opts.Buffer),
		flushReq:  make(chan chan struct{}),
		done:      make(chan struct{}),
		batchSize: opts.BatchSize,
		interval:  opts.FlushInterval,
	}
	go s.loop()
	return s
}

// Emit queues an event. If the buffer is full the event is written inline.
func (s *Sink) Emit(sessionID, eventType string, payload map[string]any) {
	ev := store.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		L_warn("events: emit after close, dropped", "type", eventType, "session", sessionID)
		return
	}

	select {
	case s.ch <- ev:
	default:
		L_warn("events: buffer full, writing inline", "type", eventType)
		s.write([]store.Event{ev})
	}
}

// Flush blocks until every event queued before the call is persisted.
func (s *Sink) Flush() {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	reply := make(chan struct{})
	s.flushReq <- reply
	s.mu.RUnlock()
	<-reply
}

// Close flushes pending events and stops the writer.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	<-s.done
	L_debug("events: sink closed")
	return nil
}

func (s *Sink) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var batch []store.Event
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.write(batch)
		batch = nil
	}

	for {
		select {
		case ev, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case reply := <-s.flushReq:
			for drained := false; !drained; {
				select {
				case ev, ok := <-s.ch:
					if !ok {
						drained = true
						break
					}
					batch = append(batch, ev)
				default:
					drained = true
				}
			}
			flush()
			close(reply)
		}
	}
}

// write persists a batch. Audit failures are logged, never surfaced.
func (s *Sink) write(batch []store.Event) {
	ctx := context.Background()
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertEvents(ctx, batch)
	})
	if err != nil {
		L_error("events: failed to persist batch", "count", len(batch), "error", err)
		return
	}
	L_trace("events: batch persisted", "count", len(batch))
}
