package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Store wraps SQLite-backed persistence for analysis runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            input_path TEXT NOT NULL,
            kernel TEXT NOT NULL,
            param_a REAL,
            param_b REAL,
            interval_frames INTEGER,
            descale_height INTEGER,
            reduction TEXT,
            source_width INTEGER,
            source_height INTEGER,
            low_width INTEGER,
            low_height INTEGER,
            frames INTEGER,
            plot_path TEXT,
            elapsed_ms INTEGER,
            summary_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_series (
            run_id TEXT PRIMARY KEY,
            encoding TEXT NOT NULL,
            length INTEGER NOT NULL,
            data BLOB NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_input_path ON runs(input_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted analysis run.
type RunRecord struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	InputPath     string         `json:"input_path"`
	Kernel        string         `json:"kernel"`
	ParamA        float64        `json:"param_a"`
	ParamB        float64        `json:"param_b"`
	Interval      int            `json:"interval"`
	DescaleHeight int            `json:"descale_height"`
	Reduction     string         `json:"reduction"`
	SourceWidth   int            `json:"source_width"`
	SourceHeight  int            `json:"source_height"`
	LowWidth      int            `json:"low_width"`
	LowHeight     int            `json:"low_height"`
	Frames        int            `json:"frames"`
	PlotPath      string         `json:"plot_path,omitempty"`
	Elapsed       time.Duration  `json:"elapsed"`
	Summary       map[string]any `json:"summary,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// RunStart describes what a run found after opening its source.
type RunStart struct {
	SourceWidth, SourceHeight int
	LowWidth, LowHeight       int
	Frames                    int
}

// RunOutcome is the final state of a run.
type RunOutcome struct {
	Status   string
	Series   []float64
	Elapsed  time.Duration
	PlotPath string
	Summary  map[string]any
	Error    string
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	status := rec.Status
	if status == "" {
		status = StatusQueued
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, status, input_path, kernel, param_a, param_b, interval_frames, descale_height, reduction) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, status, rec.InputPath, rec.Kernel, rec.ParamA, rec.ParamB, rec.Interval, rec.DescaleHeight, rec.Reduction)
	return err
}

// RecordRunStart marks a run as running and stores the resolved geometry.
func (s *Store) RecordRunStart(id string, st RunStart) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, started_at=CURRENT_TIMESTAMP, source_width=?, source_height=?, low_width=?, low_height=?, frames=? WHERE id=?;`,
		StatusRunning, st.SourceWidth, st.SourceHeight, st.LowWidth, st.LowHeight, st.Frames, id)
	return err
}

// RecordRunResult finalizes a run and stores its series compressed.
func (s *Store) RecordRunResult(id string, out RunOutcome) error {
	if s == nil {
		return nil
	}
	summaryJSON, _ := json.Marshal(out.Summary)

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`UPDATE runs SET status=?, completed_at=CURRENT_TIMESTAMP, plot_path=?, elapsed_ms=?, summary_json=?, error_message=? WHERE id=?;`,
		out.Status, out.PlotPath, out.Elapsed.Milliseconds(), string(summaryJSON), out.Error, id)
	if err != nil {
		return err
	}
	if out.Series != nil {
		blob, err := EncodeSeries(out.Series)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT OR REPLACE INTO run_series (run_id, encoding, length, data) VALUES (?, ?, ?, ?);`,
			id, seriesEncoding, len(out.Series), blob)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

const runColumns = `id, status, input_path, kernel, param_a, param_b, interval_frames, descale_height, reduction,
	source_width, source_height, low_width, low_height, frames, plot_path, elapsed_ms, summary_json,
	created_at, started_at, completed_at, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var srcW, srcH, lowW, lowH, frames, elapsed sql.NullInt64
	var plotPath, summaryJSON, errorMsg, reduction sql.NullString
	var created time.Time
	var started, completed sql.NullTime
	err := row.Scan(&rec.ID, &rec.Status, &rec.InputPath, &rec.Kernel, &rec.ParamA, &rec.ParamB, &rec.Interval, &rec.DescaleHeight, &reduction,
		&srcW, &srcH, &lowW, &lowH, &frames, &plotPath, &elapsed, &summaryJSON,
		&created, &started, &completed, &errorMsg)
	if err != nil {
		return rec, err
	}
	rec.Reduction = reduction.String
	rec.SourceWidth = int(srcW.Int64)
	rec.SourceHeight = int(srcH.Int64)
	rec.LowWidth = int(lowW.Int64)
	rec.LowHeight = int(lowH.Int64)
	rec.Frames = int(frames.Int64)
	rec.PlotPath = plotPath.String
	rec.Elapsed = time.Duration(elapsed.Int64) * time.Millisecond
	rec.Error = errorMsg.String
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if summaryJSON.Valid && summaryJSON.String != "" && summaryJSON.String != "null" {
		if err := json.Unmarshal([]byte(summaryJSON.String), &rec.Summary); err != nil {
			return rec, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	return rec, nil
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetRun fetches a single run.
func (s *Store) GetRun(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// RunSeries returns the stored error series of a run.
func (s *Store) RunSeries(id string) ([]float64, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var encoding string
	var length int
	var blob []byte
	err := s.DB.QueryRow(`SELECT encoding, length, data FROM run_series WHERE run_id=?;`, id).Scan(&encoding, &length, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if encoding != seriesEncoding {
		return nil, fmt.Errorf("unknown series encoding %q", encoding)
	}
	values, err := DecodeSeries(blob)
	if err != nil {
		return nil, err
	}
	if len(values) != length {
		return nil, fmt.Errorf("series length mismatch: stored %d, decoded %d", length, len(values))
	}
	return values, nil
}
