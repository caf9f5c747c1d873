package telemetry

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/splax/localvercel/preview/internal/domain"
)

const defaultQueueSize = 256

// Notifier forwards run status transitions to an Emitter from a single
// background goroutine. Events are dropped when the queue is full.
type Notifier struct {
	emitter *Emitter
	logger  *slog.Logger
	queue   chan Event
	done    chan struct{}

	mu       sync.Mutex
	last     map[string]domain.RunStatus
	closed   bool
	stopOnce sync.Once
}

// NewNotifier starts a delivery goroutine. queueSize <= 0 uses a default.
func NewNotifier(emitter *Emitter, logger *slog.Logger, queueSize int) *Notifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	n := &Notifier{
		emitter: emitter,
		logger:  logger.With("component", "telemetry"),
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
		last:    make(map[string]domain.RunStatus),
	}
	go n.run()
	return n
}

// RunChanged enqueues an event when the run's status differs from the last
// one delivered for it.
func (n *Notifier) RunChanged(run domain.Run) {
	n.mu.Lock()
	if n.last[run.ID] == run.Status {
		n.mu.Unlock()
		return
	}
	n.last[run.ID] = run.Status
	n.mu.Unlock()
	n.enqueue(Event{
		RunID:       run.ID,
		Type:        EventRunStatus,
		Status:      string(run.Status),
		ProjectType: string(run.ProjectType),
		PreviewURL:  run.PreviewURL,
		Error:       run.Error,
		OccurredAt:  run.UpdatedAt,
	})
}

// RunDeleted enqueues a deletion event.
func (n *Notifier) RunDeleted(id string) {
	n.mu.Lock()
	delete(n.last, id)
	n.mu.Unlock()
	n.enqueue(Event{RunID: id, Type: EventRunDeleted})
}

func (n *Notifier) enqueue(evt Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- evt:
	default:
		n.logger.Warn("telemetry queue full, dropping event", "run_id", evt.RunID, "event_type", evt.Type)
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for evt := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		if err := n.emitter.Emit(ctx, evt); err != nil {
			n.logger.Warn("telemetry delivery failed", "run_id", evt.RunID, "event_type", evt.Type, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be delivered
// or for ctx to end.
func (n *Notifier) Close(ctx context.Context) error {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.queue)
		n.mu.Unlock()
	})
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

