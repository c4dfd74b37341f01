// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/scribeapp/scribed/internal/types"
)

// InsertSegments appends a batch of segments for a job in one transaction.
// Callers guarantee idx uniqueness; a duplicate aborts the whole batch.
func (s *Store) InsertSegments(ctx context.Context, jobID string, segs []types.Segment) error {
	if len(segs) == 0 {
		return nil
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert segments: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO transcript_segments (job_id, idx, start_time, end_time, text, edited_text)
	VALUES (?, ?, ?, ?, ?, NULL)
	`)
	if err != nil {
		return fmt.Errorf("insert segments: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, seg := range segs {
		if _, err := stmt.ExecContext(ctx, jobID, seg.Index, seg.Start, seg.End, seg.Text); err != nil {
			return fmt.Errorf("insert segment %d: %w", seg.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert segments: %w", err)
	}
	return nil
}

// GetSegments returns all segments of a job with idx greater than afterIdx,
// ordered ascending. Pass -1 for the full transcript.
func (s *Store) GetSegments(ctx context.Context, jobID string, afterIdx int) ([]types.Segment, error) {
	query := `
	SELECT idx, start_time, end_time, text, edited_text
	FROM transcript_segments
	WHERE job_id = ? AND idx > ?
	ORDER BY idx ASC
	`
	rows, err := s.reader.QueryContext(ctx, query, jobID, afterIdx)
	if err != nil {
		return nil, fmt.Errorf("get segments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var segs []types.Segment
	for rows.Next() {
		var (
			seg    types.Segment
			edited sql.NullString
		)
		if err := rows.Scan(&seg.Index, &seg.Start, &seg.End, &seg.Text, &edited); err != nil {
			return nil, fmt.Errorf("get segments: %w", err)
		}
		if edited.Valid {
			e := edited.String
			seg.EditedText = &e
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// SaveSegmentEdits persists user overrides in one transaction. An empty
// EditedText clears the override back to NULL.
func (s *Store) SaveSegmentEdits(ctx context.Context, jobID string, edits []types.SegmentEdit) error {
	if len(edits) == 0 {
		return nil
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save segment edits: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	UPDATE transcript_segments SET edited_text = ? WHERE job_id = ? AND idx = ?
	`)
	if err != nil {
		return fmt.Errorf("save segment edits: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, edit := range edits {
		var edited sql.NullString
		if edit.EditedText != "" {
			edited = sql.NullString{String: edit.EditedText, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, edited, jobID, edit.Index); err != nil {
			return fmt.Errorf("save edit for segment %d: %w", edit.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save segment edits: %w", err)
	}
	return nil
}

// CountSegments returns the number of stored segments for a job.
func (s *Store) CountSegments(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcript_segments WHERE job_id = ?`, jobID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count segments: %w", err)
	}
	return n, nil
}
