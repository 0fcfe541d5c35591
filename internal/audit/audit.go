// Package audit keeps an append-only trail of story transition
// decisions, mirrored to a jsonl file and, when configured, an
// audit_log table. Writes are best-effort: the pipeline never fails
// because its audit trail did.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/storyflow/internal/bus"
	"github.com/basket/storyflow/internal/shared"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	StoryPath  string `json:"story_path"`
	EpicPath   string `json:"epic_path,omitempty"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Phase      string `json:"phase,omitempty"`
	Iteration  int    `json:"iteration"`
	Version    int64  `json:"version"`
}

var (
	mu              sync.Mutex
	file            *os.File
	db              *sql.DB
	transitionCount atomic.Int64
)

// Init opens (creating if needed) the audit jsonl under dataDir/logs.
func Init(dataDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors the trail into an audit_log table, created on first
// use.
func SetDB(d *sql.DB) error {
	mu.Lock()
	defer mu.Unlock()
	_, err := d.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			story_path TEXT NOT NULL,
			epic_path TEXT,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			phase TEXT,
			iteration INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return err
	}
	db = d
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	db = nil
	return err
}

// TransitionCount returns the transitions recorded since startup.
func TransitionCount() int64 {
	return transitionCount.Load()
}

// Record appends one transition decision.
func Record(evt bus.StoryStateChangedEvent) {
	transitionCount.Add(1)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
			StoryPath:  shared.Redact(evt.StoryPath),
			EpicPath:   evt.EpicPath,
			FromStatus: evt.OldStatus,
			ToStatus:   evt.NewStatus,
			Phase:      evt.Phase,
			Iteration:  evt.Iteration,
			Version:    evt.Version,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (story_path, epic_path, from_status, to_status, phase, iteration, version)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, evt.StoryPath, evt.EpicPath, evt.OldStatus, evt.NewStatus, evt.Phase, evt.Iteration, evt.Version)
	}
}

// Attach subscribes the trail to story transition events. The returned
// stop function unsubscribes and drains.
func Attach(b *bus.Bus) func() {
	sub := b.Subscribe(bus.TopicStoryStateChanged)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Ch() {
			if evt, ok := ev.Payload.(bus.StoryStateChangedEvent); ok {
				Record(evt)
			}
		}
	}()
	return func() {
		b.Unsubscribe(sub)
		<-done
	}
}
