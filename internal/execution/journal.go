package execution

import (
	"context"
	"log/slog"
	"time"

	"crypto_arb/internal/domain"
)

// JournalWriter makes journal appends fire-and-forget. Entries are queued and
// written by Run; when the queue is full the entry is dropped and logged.
type JournalWriter struct {
	journal domain.Journal
	queue   chan func(context.Context) error
	logger  *slog.Logger
}

// NewJournalWriter wraps journal. A nil journal discards everything.
func NewJournalWriter(journal domain.Journal, size int) *JournalWriter {
	if size <= 0 {
		size = 256
	}
	return &JournalWriter{
		journal: journal,
		queue:   make(chan func(context.Context) error, size),
		logger:  slog.Default().With(slog.String("module", "journal")),
	}
}

func (w *JournalWriter) enqueue(kind string, fn func(context.Context) error) {
	if w == nil || w.journal == nil {
		return
	}
	select {
	case w.queue <- fn:
	default:
		w.logger.Warn("Journal queue full, entry dropped", slog.String("kind", kind))
	}
}

// Execution queues an execution record.
func (w *JournalWriter) Execution(rec domain.ExecutionRecord) {
	w.enqueue("execution", func(ctx context.Context) error { return w.journal.RecordExecution(ctx, rec) })
}

// Transition queues a state transition.
func (w *JournalWriter) Transition(t domain.StateTransition) {
	w.enqueue("transition", func(ctx context.Context) error { return w.journal.RecordTransition(ctx, t) })
}

// Opportunity queues a detected opportunity.
func (w *JournalWriter) Opportunity(o domain.OpportunityRecord) {
	w.enqueue("opportunity", func(ctx context.Context) error { return w.journal.RecordOpportunity(ctx, o) })
}

// Run writes queued entries until ctx is done, then drains what is left with
// a short deadline.
func (w *JournalWriter) Run(ctx context.Context) error {
	if w.journal == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case fn := <-w.queue:
			w.write(ctx, fn)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case fn := <-w.queue:
					w.write(drainCtx, fn)
				default:
					return nil
				}
			}
		}
	}
}

func (w *JournalWriter) write(ctx context.Context, fn func(context.Context) error) {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := fn(wctx); err != nil {
		w.logger.Error("Journal write failed", slog.Any("error", err))
	}
}
