package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steward-ai/steward/pkg/llm"
)

// defaultToolTokens is the static per-call token estimate used when no
// historical average exists for a tool.
const defaultToolTokens = 500

// Metric is a running aggregate of token usage keyed by
// (tool, subject-or-global, model-or-any). AvgTokens is maintained as
// TotalTokens / Count on every update.
type Metric struct {
	ToolName    string
	SubjectID   string
	Model       string
	TotalTokens int64
	Count       int64
	AvgTokens   float64
	UpdatedAt   time.Time
}

// UpdateMetrics folds one call's token usage into the aggregate for
// (toolName, subjectID, model). Empty subjectID or model select the
// global/any-model row. The upsert is a single statement, so concurrent
// updates to the same key are serialized by SQLite.
func (s *Store) UpdateMetrics(ctx context.Context, toolName, subjectID, model string, usage llm.TokenUsage) error {
	tokens := usage.Normalize().TotalTokens
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_metrics (tool_name, subject_id, model, total_tokens, count, avg_tokens, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(tool_name, subject_id, model) DO UPDATE SET
			total_tokens = total_tokens + excluded.total_tokens,
			count        = count + 1,
			avg_tokens   = CAST(total_tokens + excluded.total_tokens AS REAL) / (count + 1),
			updated_at   = excluded.updated_at`,
		toolName, subjectID, model, tokens, float64(tokens), now,
	)
	if err != nil {
		return fmt.Errorf("update usage metrics: %w", err)
	}
	return nil
}

// Metric returns the aggregate row for a key, or nil when absent.
func (s *Store) Metric(ctx context.Context, toolName, subjectID, model string) (*Metric, error) {
	var m Metric
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT tool_name, subject_id, model, total_tokens, count, avg_tokens, updated_at
		 FROM usage_metrics
		 WHERE tool_name = ? AND subject_id = ? AND model = ?`,
		toolName, subjectID, model,
	).Scan(&m.ToolName, &m.SubjectID, &m.Model, &m.TotalTokens, &m.Count, &m.AvgTokens, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query usage metric: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		m.UpdatedAt = t
	}
	return &m, nil
}

// EstimateToolCost projects the credit cost of invoking a tool for a
// subject on a model. It prefers the subject's own historical average,
// then the global average across subjects, then the static per-call
// default, in that order.
func (s *Store) EstimateToolCost(ctx context.Context, subjectID, toolName, model string) (float64, error) {
	avg := float64(defaultToolTokens)

	if m, err := s.Metric(ctx, toolName, subjectID, model); err != nil {
		return 0, err
	} else if m != nil && m.Count > 0 {
		avg = m.AvgTokens
	} else if m, err := s.Metric(ctx, toolName, "", model); err != nil {
		return 0, err
	} else if m != nil && m.Count > 0 {
		avg = m.AvgTokens
	}

	// Tool output feeds back into the prompt, so the historical average
	// is charged at the prompt rate.
	rate := s.pricing.Rate(model)
	return avg / 1000.0 * rate.PromptPer1K, nil
}
