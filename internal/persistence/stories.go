package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/storyflow/internal/bus"
	"github.com/basket/storyflow/internal/status"
)

// StoryRecord is one row of the stories table.
type StoryRecord struct {
	StoryPath    string        `json:"story_path"`
	EpicPath     string        `json:"epic_path"`
	Status       status.Status `json:"status"`
	PrevStatus   status.Status `json:"prev_status,omitempty"`
	Phase        string        `json:"phase,omitempty"`
	Iteration    int           `json:"iteration"`
	QAResult     string        `json:"qa_result,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// StoryPatch describes one story mutation. Zero-valued optional fields
// leave the column untouched. ExpectedVersion of zero skips the
// optimistic check.
type StoryPatch struct {
	StoryPath       string
	Status          status.Status
	Phase           string
	Iteration       *int
	QAResult        *string
	ErrorMessage    *string
	ExpectedVersion int64
}

// UpsertStory creates the record on first observation of a story path.
// Existing records are untouched.
func (s *Store) UpsertStory(ctx context.Context, storyPath, epicPath string, st status.Status) error {
	if !status.Valid(st) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, st)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO stories (story_path, epic_path, status)
			VALUES (?, ?, ?)
			ON CONFLICT(story_path) DO NOTHING;
		`, storyPath, epicPath, string(st))
		if err != nil {
			return fmt.Errorf("upsert story: %w", err)
		}
		return nil
	})
}

// UpdateStory applies one patch atomically: transition legality and the
// optimistic version are checked, version is incremented, updated_at
// refreshed. Returns the new version. Conflicts come back as
// ErrVersionConflict; illegal statuses and edges are refused.
func (s *Store) UpdateStory(ctx context.Context, patch StoryPatch) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var newVersion int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update story tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		v, evt, err := s.applyStoryPatchTx(ctx, tx, patch)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update story tx: %w", err)
		}
		newVersion = v
		s.publishStoryEvent(evt)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// UpdateStoriesBatch applies all patches in a single transaction; any
// refusal rolls back the whole batch.
func (s *Store) UpdateStoriesBatch(ctx context.Context, patches []StoryPatch) error {
	if len(patches) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var events []bus.StoryStateChangedEvent
	err := retryOnBusy(ctx, 5, func() error {
		events = events[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin batch tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, patch := range patches {
			_, evt, err := s.applyStoryPatchTx(ctx, tx, patch)
			if err != nil {
				return fmt.Errorf("batch patch %s: %w", patch.StoryPath, err)
			}
			events = append(events, evt)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit batch tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, evt := range events {
		s.publishStoryEvent(evt)
	}
	return nil
}

// applyStoryPatchTx is the single write path every story mutation goes
// through.
func (s *Store) applyStoryPatchTx(ctx context.Context, tx *sql.Tx, patch StoryPatch) (int64, bus.StoryStateChangedEvent, error) {
	var evt bus.StoryStateChangedEvent
	if !status.Valid(patch.Status) {
		return 0, evt, fmt.Errorf("%w: %q", ErrInvalidStatus, patch.Status)
	}

	var (
		epicPath   string
		curStatus  string
		curVersion int64
		curIter    int
	)
	err := tx.QueryRowContext(ctx, `
		SELECT epic_path, status, version, iteration FROM stories WHERE story_path = ?;
	`, patch.StoryPath).Scan(&epicPath, &curStatus, &curVersion, &curIter)
	if err == sql.ErrNoRows {
		return 0, evt, fmt.Errorf("story %s: %w", patch.StoryPath, ErrNotFound)
	}
	if err != nil {
		return 0, evt, fmt.Errorf("read story: %w", err)
	}
	if patch.ExpectedVersion > 0 && patch.ExpectedVersion != curVersion {
		return 0, evt, fmt.Errorf("story %s at version %d, expected %d: %w",
			patch.StoryPath, curVersion, patch.ExpectedVersion, ErrVersionConflict)
	}
	from := status.Status(curStatus)
	if !status.CanTransition(from, patch.Status) {
		return 0, evt, fmt.Errorf("%s -> %s: %w", from, patch.Status, ErrInvalidTransition)
	}

	iteration := curIter
	if patch.Iteration != nil {
		iteration = *patch.Iteration
	}
	// prev_status tracks the last distinct pre-failure status for the
	// one-shot retry_failed reset.
	prevStatus := sql.NullString{}
	if patch.Status == status.Failed && from != status.Failed {
		prevStatus = sql.NullString{String: string(from), Valid: true}
	}

	newVersion := curVersion + 1
	_, err = tx.ExecContext(ctx, `
		UPDATE stories SET
			status = ?,
			prev_status = COALESCE(?, prev_status),
			phase = COALESCE(NULLIF(?, ''), phase),
			iteration = ?,
			qa_result = COALESCE(?, qa_result),
			error_message = COALESCE(?, error_message),
			version = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE story_path = ?;
	`, string(patch.Status), prevStatus, patch.Phase, iteration,
		patch.QAResult, patch.ErrorMessage, newVersion, patch.StoryPath)
	if err != nil {
		return 0, evt, fmt.Errorf("update story: %w", err)
	}

	evt = bus.StoryStateChangedEvent{
		StoryPath: patch.StoryPath,
		EpicPath:  epicPath,
		OldStatus: string(from),
		NewStatus: string(patch.Status),
		Phase:     patch.Phase,
		Iteration: iteration,
		Version:   newVersion,
	}
	return newVersion, evt, nil
}

func (s *Store) publishStoryEvent(evt bus.StoryStateChangedEvent) {
	if s.bus == nil || evt.StoryPath == "" {
		return
	}
	s.bus.Publish(bus.TopicStoryStateChanged, evt)
	switch evt.NewStatus {
	case string(status.Done):
		s.bus.Publish(bus.TopicStoryCompleted, evt)
	case string(status.Failed):
		s.bus.Publish(bus.TopicStoryFailed, evt)
	}
}

// ResetFailedStory performs the one-shot retry_failed reset: a Failed
// story returns to its last pre-failure status with iteration zeroed.
func (s *Store) ResetFailedStory(ctx context.Context, storyPath string) (status.Status, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var resumed status.Status
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reset tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var cur string
		var prev sql.NullString
		err = tx.QueryRowContext(ctx, `
			SELECT status, prev_status FROM stories WHERE story_path = ?;
		`, storyPath).Scan(&cur, &prev)
		if err == sql.ErrNoRows {
			return fmt.Errorf("story %s: %w", storyPath, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read story: %w", err)
		}
		if status.Status(cur) != status.Failed {
			return fmt.Errorf("story %s is %q, not Failed: %w", storyPath, cur, ErrInvalidTransition)
		}
		target := status.Draft
		if prev.Valid {
			if st, ok := status.Parse(prev.String); ok && !status.Terminal(st) {
				target = st
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE stories SET
				status = ?,
				prev_status = NULL,
				iteration = 0,
				error_message = NULL,
				version = version + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE story_path = ?;
		`, string(target), storyPath); err != nil {
			return fmt.Errorf("reset story: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reset tx: %w", err)
		}
		resumed = target
		return nil
	})
	if err != nil {
		return status.Unknown, err
	}
	return resumed, nil
}

// GetStory returns the current record, or ErrNotFound.
func (s *Store) GetStory(ctx context.Context, storyPath string) (*StoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT story_path, epic_path, status, COALESCE(prev_status, ''),
		       COALESCE(phase, ''), iteration, COALESCE(qa_result, ''),
		       COALESCE(error_message, ''), version, created_at, updated_at
		FROM stories WHERE story_path = ?;
	`, storyPath)
	rec, err := scanStory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("story %s: %w", storyPath, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	return rec, nil
}

// ListStories returns all stories of an epic in insertion order,
// optionally filtered by status.
func (s *Store) ListStories(ctx context.Context, epicPath string, filter status.Status) ([]StoryRecord, error) {
	query := `
		SELECT story_path, epic_path, status, COALESCE(prev_status, ''),
		       COALESCE(phase, ''), iteration, COALESCE(qa_result, ''),
		       COALESCE(error_message, ''), version, created_at, updated_at
		FROM stories WHERE epic_path = ?`
	args := []any{epicPath}
	if filter != status.Unknown {
		query += ` AND status = ?`
		args = append(args, string(filter))
	}
	query += ` ORDER BY created_at, story_path;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	var out []StoryRecord
	for rows.Next() {
		rec, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("story rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(row rowScanner) (*StoryRecord, error) {
	var rec StoryRecord
	var st, prev string
	if err := row.Scan(
		&rec.StoryPath,
		&rec.EpicPath,
		&st,
		&prev,
		&rec.Phase,
		&rec.Iteration,
		&rec.QAResult,
		&rec.ErrorMessage,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = status.Status(st)
	rec.PrevStatus = status.Status(prev)
	return &rec, nil
}
