// Package trajectory persists completed task executions: append-only JSONL
// files partitioned by period, plus an optional Postgres index for querying.
package trajectory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/weftworks/loom/pkg/config"
	"github.com/weftworks/loom/pkg/models"
)

// rawRecord is one line of raw_trajectories_<PERIOD>.jsonl: the byte-level
// transcript plus minimal identity, for training-data mining.
type rawRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	TaskID           string    `json:"task_id"`
	Description      string    `json:"description"`
	DurationMS       int64     `json:"duration_ms"`
	Success          bool      `json:"success"`
	FinalAnswer      string    `json:"final_answer,omitempty"`
	Transcript       string    `json:"transcript"`
	TranscriptLength int       `json:"transcript_length"`
}

// structuredRecord is one line of trajectories_<PERIOD>.jsonl.
type structuredRecord struct {
	Timestamp time.Time                `json:"timestamp"`
	TaskID    string                   `json:"task_id"`
	Result    *models.TrajectoryResult `json:"result"`
}

// Writer appends trajectory records under a date-partitioned directory.
// Rotation is implicit: a new period selects a new file. Appends hold a
// per-file mutex, so concurrent sessions never interleave partial lines.
type Writer struct {
	outputDir string
	grouping  config.TrajectoryGrouping
	now       func() time.Time
	log       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWriter creates a writer rooted at the configured output directory.
func NewWriter(cfg *config.TrajectoryConfig) *Writer {
	return &Writer{
		outputDir: cfg.OutputDir,
		grouping:  cfg.Grouping,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
		log:       slog.With("component", "trajectory"),
	}
}

// Write appends both artifacts for one completed task. A partially failed
// write is reported but does not prevent the other artifact.
func (w *Writer) Write(result *models.TrajectoryResult) error {
	now := w.now()
	period := periodOf(now, w.grouping)

	raw := rawRecord{
		Timestamp:        now,
		TaskID:           result.TaskID,
		Description:      result.Description,
		DurationMS:       result.DurationMS,
		Success:          result.Success,
		FinalAnswer:      result.FinalAnswer,
		Transcript:       result.RawTranscript,
		TranscriptLength: len(result.RawTranscript),
	}
	structured := structuredRecord{Timestamp: now, TaskID: result.TaskID, Result: result}

	rawErr := w.appendLine(period, fmt.Sprintf("raw_trajectories_%s.jsonl", period), raw)
	structErr := w.appendLine(period, fmt.Sprintf("trajectories_%s.jsonl", period), structured)

	if rawErr != nil {
		return fmt.Errorf("writing raw trajectory: %w", rawErr)
	}
	if structErr != nil {
		return fmt.Errorf("writing structured trajectory: %w", structErr)
	}
	w.log.Debug("trajectory written", "task_id", result.TaskID, "period", period)
	return nil
}

// appendLine marshals one record and appends it under the period directory.
func (w *Writer) appendLine(period, filename string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	dir := filepath.Join(w.outputDir, period)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating period directory: %w", err)
	}
	path := filepath.Join(dir, filename)

	lock := w.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return nil
}

func (w *Writer) fileLock(path string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[path] = lock
	}
	return lock
}

// periodOf renders the period label for a timestamp: 2026-08-25 (daily),
// 2026-W35 (ISO week), or 2026-08 (monthly).
func periodOf(t time.Time, grouping config.TrajectoryGrouping) string {
	switch grouping {
	case config.GroupWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case config.GroupMonthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}
