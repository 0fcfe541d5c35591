package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FixStatus values for quality/test phase records.
const (
	FixPending = "pending"
	FixFixed   = "fixed"
	FixWaived  = "waived"
)

// QualityRecord tracks one source file through the static-analysis
// repair loop.
type QualityRecord struct {
	RecordID       string    `json:"record_id"`
	EpicID         string    `json:"epic_id"`
	FilePath       string    `json:"file_path"`
	ErrorCount     int       `json:"error_count"`
	FixStatus      string    `json:"fix_status"`
	AnalyzerErrors string    `json:"analyzer_errors,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TestRecord tracks one test file through the test repair loop.
type TestRecord struct {
	RecordID     string    `json:"record_id"`
	EpicID       string    `json:"epic_id"`
	TestFilePath string    `json:"test_file_path"`
	FailureCount int       `json:"failure_count"`
	FixStatus    string    `json:"fix_status"`
	DebugInfo    string    `json:"debug_info,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecordQualityResult persists one quality-phase observation for a file.
func (s *Store) RecordQualityResult(ctx context.Context, epicID, filePath string, errorCount int, fixStatus, analyzerErrors string) (string, error) {
	recordID := uuid.NewString()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO code_quality_phase (record_id, epic_id, file_path, error_count, fix_status, analyzer_errors)
			VALUES (?, ?, ?, ?, ?, ?);
		`, recordID, epicID, filePath, errorCount, fixStatus, analyzerErrors)
		if err != nil {
			return fmt.Errorf("record quality result: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return recordID, nil
}

// RecordTestResult persists one test-phase observation for a test file.
func (s *Store) RecordTestResult(ctx context.Context, epicID, testFilePath string, failureCount int, fixStatus, debugInfo string) (string, error) {
	recordID := uuid.NewString()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO test_automation_phase (record_id, epic_id, test_file_path, failure_count, fix_status, debug_info)
			VALUES (?, ?, ?, ?, ?, ?);
		`, recordID, epicID, testFilePath, failureCount, fixStatus, debugInfo)
		if err != nil {
			return fmt.Errorf("record test result: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return recordID, nil
}

// ListQualityRecords returns the quality ledger for an epic, newest
// first.
func (s *Store) ListQualityRecords(ctx context.Context, epicID string) ([]QualityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, epic_id, file_path, error_count, fix_status,
		       COALESCE(analyzer_errors, ''), created_at
		FROM code_quality_phase
		WHERE epic_id = ?
		ORDER BY created_at DESC, record_id;
	`, epicID)
	if err != nil {
		return nil, fmt.Errorf("list quality records: %w", err)
	}
	defer rows.Close()

	var out []QualityRecord
	for rows.Next() {
		var rec QualityRecord
		if err := rows.Scan(&rec.RecordID, &rec.EpicID, &rec.FilePath,
			&rec.ErrorCount, &rec.FixStatus, &rec.AnalyzerErrors, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quality record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quality rows: %w", err)
	}
	return out, nil
}

// ListTestRecords returns the test ledger for an epic, newest first.
func (s *Store) ListTestRecords(ctx context.Context, epicID string) ([]TestRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, epic_id, test_file_path, failure_count, fix_status,
		       COALESCE(debug_info, ''), created_at
		FROM test_automation_phase
		WHERE epic_id = ?
		ORDER BY created_at DESC, record_id;
	`, epicID)
	if err != nil {
		return nil, fmt.Errorf("list test records: %w", err)
	}
	defer rows.Close()

	var out []TestRecord
	for rows.Next() {
		var rec TestRecord
		if err := rows.Scan(&rec.RecordID, &rec.EpicID, &rec.TestFilePath,
			&rec.FailureCount, &rec.FixStatus, &rec.DebugInfo, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan test record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("test rows: %w", err)
	}
	return out, nil
}

// MarkQualityWaived flags every still-pending quality record of an epic
// as waived after the repair-round budget is exhausted.
func (s *Store) MarkQualityWaived(ctx context.Context, epicID string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE code_quality_phase SET fix_status = ?
			WHERE epic_id = ? AND fix_status = ?;
		`, FixWaived, epicID, FixPending)
		if err != nil {
			return fmt.Errorf("mark quality waived: %w", err)
		}
		affected, err = res.RowsAffected()
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("rows affected: %w", err)
		}
		return nil
	})
	return affected, err
}
