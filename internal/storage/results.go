package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// UpsertResult writes the result for its task, replacing any earlier one.
// Repeated or concurrent calls leave exactly one row per task.
func (s *Store) UpsertResult(ctx context.Context, r types.Result) error {
	return s.withTx(ctx, "upsert result", func(tx *sql.Tx) error {
		return upsertResult(ctx, tx, r, s.now())
	})
}

func upsertResult(ctx context.Context, q querier, r types.Result, now time.Time) error {
	var subtitles sql.NullString
	if len(r.Segments) > 0 {
		raw, err := json.Marshal(r.Segments)
		if err != nil {
			return err
		}
		subtitles = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO results (task_id, transcript_text, subtitle_json, summary_text, outline_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			transcript_text = excluded.transcript_text,
			subtitle_json = excluded.subtitle_json,
			summary_text = excluded.summary_text,
			outline_text = excluded.outline_text,
			updated_at = excluded.updated_at;
	`, r.TaskID, r.TranscriptText, subtitles, r.SummaryText, r.OutlineText, millis(now), millis(now))
	return err
}

// GetResult retrieves the result of a task
func (s *Store) GetResult(ctx context.Context, taskID string) (*types.Result, error) {
	var (
		r                    types.Result
		subtitles            sql.NullString
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, transcript_text, subtitle_json, summary_text, outline_text, created_at, updated_at
		FROM results WHERE task_id = ?
	`, taskID).Scan(&r.TaskID, &r.TranscriptText, &subtitles, &r.SummaryText, &r.OutlineText, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrResultNotFound
	}
	if err != nil {
		return nil, storeErr("get result", err)
	}

	if subtitles.Valid && subtitles.String != "" {
		if err := json.Unmarshal([]byte(subtitles.String), &r.Segments); err != nil {
			return nil, storeErr("get result", err)
		}
	}
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}
