package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/steward-ai/steward/pkg/llm"
)

// ErrInsufficientCredits blocks a model call before cost is incurred.
// It is never retried: the caller must top up the subject's balance.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Transaction types recorded on the ledger.
const (
	TypeDeduction  = "deduction"
	TypeAddition   = "addition"
	TypeRefund     = "refund"
	TypeAdjustment = "adjustment"
)

// Transaction is one append-only ledger entry. BalanceAfter is always
// computed from the stored balance, never supplied by a caller.
type Transaction struct {
	ID           string
	SubjectID    string
	Amount       float64
	BalanceAfter float64
	Description  string
	Type         string
	ReferenceID  string
	CreatedAt    time.Time
}

// Decision is the outcome of an admission-control check.
type Decision struct {
	Sufficient bool
	Balance    float64
	Cost       float64
}

// Store is the SQLite accounting store: balances, the transaction
// ledger, and usage metrics. All public methods are safe for concurrent
// use (SQLite serializes writes).
type Store struct {
	db      *sql.DB
	pricing Pricing
}

// NewStore opens (or creates) the accounting store at dbPath.
func NewStore(dbPath string, pricing Pricing) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open credits database: %w", err)
	}

	s := &Store{db: db, pricing: pricing}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate credits schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Pricing exposes the store's pricing table.
func (s *Store) Pricing() Pricing {
	return s.pricing
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS balances (
		subject_id TEXT PRIMARY KEY,
		balance    REAL NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id            TEXT PRIMARY KEY,
		subject_id    TEXT NOT NULL,
		amount        REAL NOT NULL,
		balance_after REAL NOT NULL,
		description   TEXT NOT NULL,
		type          TEXT NOT NULL,
		reference_id  TEXT,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_subject ON credit_transactions(subject_id, created_at);
	CREATE TABLE IF NOT EXISTS usage_metrics (
		tool_name    TEXT NOT NULL,
		subject_id   TEXT NOT NULL DEFAULT '',
		model        TEXT NOT NULL DEFAULT '',
		total_tokens INTEGER NOT NULL,
		count        INTEGER NOT NULL,
		avg_tokens   REAL NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (tool_name, subject_id, model)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Balance returns the subject's current balance. Unknown subjects have
// a zero balance rather than an error.
func (s *Store) Balance(ctx context.Context, subjectID string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE subject_id = ?`, subjectID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// CheckSufficient is the admission-control gate: it projects the cost
// of usage on model and compares it against the subject's balance.
// Nothing is written.
func (s *Store) CheckSufficient(ctx context.Context, subjectID, model string, usage llm.TokenUsage) (Decision, error) {
	balance, err := s.Balance(ctx, subjectID)
	if err != nil {
		return Decision{}, err
	}
	cost := s.pricing.Cost(model, usage.Normalize())
	return Decision{
		Sufficient: balance >= cost,
		Balance:    balance,
		Cost:       cost,
	}, nil
}

// Deduct meters one model call: it re-validates sufficiency, debits the
// balance, and appends the matching ledger row. Both writes happen in a
// single database transaction so a crash cannot leave the balance
// changed without its ledger row.
func (s *Store) Deduct(ctx context.Context, subjectID, model string, usage llm.TokenUsage, description, referenceID string) (*Transaction, error) {
	cost := s.pricing.Cost(model, usage.Normalize())
	return s.applyLedger(ctx, subjectID, -cost, description, TypeDeduction, referenceID, true)
}

// Add credits a subject's balance with an addition ledger entry.
func (s *Store) Add(ctx context.Context, subjectID string, amount float64, description string) (*Transaction, error) {
	if amount < 0 {
		return nil, fmt.Errorf("addition amount must be non-negative, got %f", amount)
	}
	return s.applyLedger(ctx, subjectID, amount, description, TypeAddition, "", false)
}

// Refund returns credits to a subject, referencing the original charge.
func (s *Store) Refund(ctx context.Context, subjectID string, amount float64, description, referenceID string) (*Transaction, error) {
	if amount < 0 {
		return nil, fmt.Errorf("refund amount must be non-negative, got %f", amount)
	}
	return s.applyLedger(ctx, subjectID, amount, description, TypeRefund, referenceID, false)
}

// Adjust applies a signed manual correction to a subject's balance.
func (s *Store) Adjust(ctx context.Context, subjectID string, amount float64, description string) (*Transaction, error) {
	return s.applyLedger(ctx, subjectID, amount, description, TypeAdjustment, "", false)
}

// applyLedger performs the read-modify-write against the balance and
// appends the ledger row. requireFunds enforces admission for debits.
func (s *Store) applyLedger(ctx context.Context, subjectID string, amount float64, description, txType, referenceID string, requireFunds bool) (*Transaction, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate transaction ID: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	var balance float64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE subject_id = ?`, subjectID,
	).Scan(&balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	if requireFunds && balance < -amount {
		return nil, fmt.Errorf("%w: balance %.6f, cost %.6f", ErrInsufficientCredits, balance, -amount)
	}

	after := balance + amount
	_, err = tx.ExecContext(ctx,
		`INSERT INTO balances (subject_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(subject_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		subjectID, after, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_transactions
			(id, subject_id, amount, balance_after, description, type, reference_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), subjectID, amount, after, description, txType, referenceID,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("append ledger row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger transaction: %w", err)
	}

	return &Transaction{
		ID:           id.String(),
		SubjectID:    subjectID,
		Amount:       amount,
		BalanceAfter: after,
		Description:  description,
		Type:         txType,
		ReferenceID:  referenceID,
		CreatedAt:    now,
	}, nil
}

// Transactions returns a subject's ledger entries, newest first.
func (s *Store) Transactions(ctx context.Context, subjectID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, amount, balance_after, description, type, COALESCE(reference_id, ''), created_at
		 FROM credit_transactions
		 WHERE subject_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		subjectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var created string
		if err := rows.Scan(&t.ID, &t.SubjectID, &t.Amount, &t.BalanceAfter,
			&t.Description, &t.Type, &t.ReferenceID, &created); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			t.CreatedAt = ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
