package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/storyflow/internal/status"
)

// EpicRecord is one row of the epic_processing table.
type EpicRecord struct {
	EpicID             string    `json:"epic_id"`
	FilePath           string    `json:"file_path"`
	Status             string    `json:"status"` // pending | in_progress | completed | failed
	TotalStories       int       `json:"total_stories"`
	CompletedStories   int       `json:"completed_stories"`
	FailedStories      int       `json:"failed_stories"`
	QualityPhaseStatus string    `json:"quality_phase_status"` // pending | completed | concerns
	TestPhaseStatus    string    `json:"test_phase_status"`    // pending | completed | failed
	ErrorCount         int       `json:"error_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// UpsertEpic creates or refreshes the epic row with its story total.
func (s *Store) UpsertEpic(ctx context.Context, epicID, filePath string, totalStories int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO epic_processing (epic_id, file_path, total_stories)
			VALUES (?, ?, ?)
			ON CONFLICT(epic_id) DO UPDATE SET
				file_path = excluded.file_path,
				total_stories = excluded.total_stories,
				updated_at = CURRENT_TIMESTAMP;
		`, epicID, filePath, totalStories)
		if err != nil {
			return fmt.Errorf("upsert epic: %w", err)
		}
		return nil
	})
}

// EpicPatch describes an epic mutation. Empty strings leave the column
// untouched; story counters are always recomputed from the stories
// table inside the same transaction.
type EpicPatch struct {
	EpicID             string
	Status             string
	QualityPhaseStatus string
	TestPhaseStatus    string
}

// UpdateEpic applies the patch and recomputes completed_stories and
// failed_stories from the stories table in the same transaction, so the
// counters can never drift from the story rows.
func (s *Store) UpdateEpic(ctx context.Context, patch EpicPatch) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin epic tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var filePath string
		err = tx.QueryRowContext(ctx, `
			SELECT file_path FROM epic_processing WHERE epic_id = ?;
		`, patch.EpicID).Scan(&filePath)
		if err == sql.ErrNoRows {
			return fmt.Errorf("epic %s: %w", patch.EpicID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read epic: %w", err)
		}

		var completed, failed int
		if err := tx.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
			FROM stories WHERE epic_path = ?;
		`, string(status.Done), string(status.Failed), filePath).Scan(&completed, &failed); err != nil {
			return fmt.Errorf("count stories: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE epic_processing SET
				status = COALESCE(NULLIF(?, ''), status),
				quality_phase_status = COALESCE(NULLIF(?, ''), quality_phase_status),
				test_phase_status = COALESCE(NULLIF(?, ''), test_phase_status),
				completed_stories = ?,
				failed_stories = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE epic_id = ?;
		`, patch.Status, patch.QualityPhaseStatus, patch.TestPhaseStatus,
			completed, failed, patch.EpicID); err != nil {
			return fmt.Errorf("update epic: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit epic tx: %w", err)
		}
		return nil
	})
}

// GetEpic returns the epic record, or ErrNotFound.
func (s *Store) GetEpic(ctx context.Context, epicID string) (*EpicRecord, error) {
	var rec EpicRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT epic_id, file_path, status, total_stories, completed_stories,
		       failed_stories, quality_phase_status, test_phase_status,
		       error_count, created_at, updated_at
		FROM epic_processing WHERE epic_id = ?;
	`, epicID).Scan(
		&rec.EpicID,
		&rec.FilePath,
		&rec.Status,
		&rec.TotalStories,
		&rec.CompletedStories,
		&rec.FailedStories,
		&rec.QualityPhaseStatus,
		&rec.TestPhaseStatus,
		&rec.ErrorCount,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("epic %s: %w", epicID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get epic: %w", err)
	}
	return &rec, nil
}
