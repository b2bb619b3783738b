package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/token-custody/internal/types"
	"github.com/token-custody/internal/worker"
)

// JournalEventKind classifies settlement journal entries
type JournalEventKind string

const (
	// JournalTip records an internal transfer between users
	JournalTip JournalEventKind = "tip"
	// JournalWithdrawal records an on-chain withdrawal
	JournalWithdrawal JournalEventKind = "withdrawal"
	// JournalSweep records a derived-wallet sweep to the primary wallet
	JournalSweep JournalEventKind = "sweep"
	// JournalReconciliation records a divergence credit
	JournalReconciliation JournalEventKind = "reconciliation"
)

// JournalEvent is one append-only settlement journal entry. The journal is a
// forensic record, not a ledger: it is written off the request path and its
// failures are only logged.
type JournalEvent struct {
	UserID       string
	Counterparty string
	Kind         JournalEventKind
	Status       types.SettlementStatus
	Amount       types.Amount
	TxRef        string
	Detail       string
	OccurredAt   time.Time
}

// SettlementJournal appends settlement events to ClickHouse
type SettlementJournal struct {
	db *ClickHouseDB
}

// NewSettlementJournal creates a settlement journal
func NewSettlementJournal(db *ClickHouseDB) *SettlementJournal {
	return &SettlementJournal{db: db}
}

// Record appends one event.
func (j *SettlementJournal) Record(ctx context.Context, event *JournalEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO settlement_journal (
			user_id, counterparty, kind, status, amount_raw, tx_ref, detail, occurred_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	err := j.db.Conn().Exec(ctx, query,
		event.UserID,
		event.Counterparty,
		string(event.Kind),
		string(event.Status),
		event.Amount.RawString(),
		event.TxRef,
		event.Detail,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record journal event: %w", err)
	}
	return nil
}

// Recorder appends settlement journal events
type Recorder interface {
	Record(ctx context.Context, event *JournalEvent) error
}

// AsyncJournal hands journal writes to the background runner so a settlement
// response never waits on the audit store. An event that cannot be queued is
// written inline rather than dropped.
type AsyncJournal struct {
	inner  Recorder
	runner *worker.Runner
}

// NewAsyncJournal wraps inner with background submission through runner
func NewAsyncJournal(inner Recorder, runner *worker.Runner) *AsyncJournal {
	return &AsyncJournal{inner: inner, runner: runner}
}

// Record queues the event for a background write. The event is copied and
// stamped before queuing so the caller may reuse it, and the write runs under
// the runner's own context rather than the request's.
func (j *AsyncJournal) Record(ctx context.Context, event *JournalEvent) error {
	recorded := *event
	if recorded.OccurredAt.IsZero() {
		recorded.OccurredAt = time.Now().UTC()
	}

	task := worker.Task{
		Name: "journal:" + string(recorded.Kind),
		Run: func(ctx context.Context) error {
			return j.inner.Record(ctx, &recorded)
		},
	}
	if err := j.runner.Submit(task); err != nil {
		return j.inner.Record(ctx, &recorded)
	}
	return nil
}
