package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for runs, seed trials and iterations.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers; trial workers share one connection
	db.SetMaxOpenConns(1)
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
            images TEXT NOT NULL,
            results_dir TEXT NOT NULL,
            status TEXT NOT NULL,
            config_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            elapsed_minutes REAL,
            iterations INTEGER,
            final_iteration TEXT,
            rate_500 REAL,
            rate_1000 REAL,
            rate_2000 REAL,
            rate_4000 REAL,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS seed_trials (
            run_id TEXT NOT NULL,
            trial_id TEXT NOT NULL,
            seed_index INTEGER NOT NULL,
            seed_value REAL NOT NULL,
            status TEXT NOT NULL,
            registration_rate REAL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT,
            PRIMARY KEY (run_id, trial_id)
        );`,
		`CREATE TABLE IF NOT EXISTS iterations (
            run_id TEXT NOT NULL,
            number INTEGER NOT NULL,
            iteration_id TEXT NOT NULL,
            profile TEXT NOT NULL,
            registration_rate REAL NOT NULL,
            max_registration_rate REAL NOT NULL,
            focal_length REAL,
            phase TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (run_id, number)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_seed_trials_run ON seed_trials(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id);`,
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

// RunRecord captures a persisted reconstruction run.
type RunRecord struct {
	ID             string     `json:"id"`
	Images         string     `json:"images"`
	ResultsDir     string     `json:"results_dir"`
	Status         string     `json:"status"`
	ConfigJSON     string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ElapsedMinutes float64    `json:"elapsed_minutes"`
	Iterations     int        `json:"iterations"`
	FinalIteration string     `json:"final_iteration,omitempty"`
	Rates          []float64  `json:"rates,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// RunOutcome is what a finished run reports back.
type RunOutcome struct {
	ElapsedMinutes float64
	Iterations     int
	FinalIteration string
	Rates          []float64 // @500, @1000, @2000, @4000
}

// TrialRecord captures one seed trial.
type TrialRecord struct {
	RunID       string     `json:"run_id"`
	TrialID     string     `json:"trial_id"`
	SeedIndex   int        `json:"seed_index"`
	SeedValue   float64    `json:"seed_value"`
	Status      string     `json:"status"`
	Rate        float64    `json:"registration_rate"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// IterationRecord captures one main-loop iteration.
type IterationRecord struct {
	RunID       string    `json:"run_id"`
	Number      int       `json:"number"`
	IterationID string    `json:"iteration_id"`
	Profile     string    `json:"profile"`
	Rate        float64   `json:"registration_rate"`
	MaxRate     float64   `json:"max_registration_rate"`
	FocalLength float64   `json:"focal_length"`
	Phase       string    `json:"phase"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, images, results_dir, status, config_json) VALUES (?, ?, ?, 'running', ?);`,
		rec.ID, rec.Images, rec.ResultsDir, rec.ConfigJSON)
	return err
}

// RecordRunResult finalizes a run with status and outcome.
func (s *Store) RecordRunResult(id string, status string, out RunOutcome, errMsg string) error {
	if s == nil {
		return nil
	}
	rates := make([]sql.NullFloat64, 4)
	for i := range rates {
		if i < len(out.Rates) {
			rates[i] = sql.NullFloat64{Float64: out.Rates[i], Valid: true}
		}
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, completed_at=CURRENT_TIMESTAMP, elapsed_minutes=?, iterations=?, final_iteration=?,
        rate_500=?, rate_1000=?, rate_2000=?, rate_4000=?, error_message=? WHERE id=?;`,
		status, out.ElapsedMinutes, out.Iterations, out.FinalIteration,
		rates[0], rates[1], rates[2], rates[3], errMsg, id)
	return err
}

// RecordTrialQueued inserts a pending seed trial.
func (s *Store) RecordTrialQueued(rec TrialRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO seed_trials (run_id, trial_id, seed_index, seed_value, status) VALUES (?, ?, ?, ?, 'queued');`,
		rec.RunID, rec.TrialID, rec.SeedIndex, rec.SeedValue)
	return err
}

// RecordTrialStart marks a trial as running.
func (s *Store) RecordTrialStart(runID, trialID string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE seed_trials SET status='running', started_at=CURRENT_TIMESTAMP WHERE run_id=? AND trial_id=?;`, runID, trialID)
	return err
}

// RecordTrialResult finalizes a trial.
func (s *Store) RecordTrialResult(runID, trialID, status string, rate float64, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE seed_trials SET status=?, registration_rate=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE run_id=? AND trial_id=?;`,
		status, rate, errMsg, runID, trialID)
	return err
}

// RecordIteration stores the outcome of one loop iteration.
func (s *Store) RecordIteration(rec IterationRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO iterations (run_id, number, iteration_id, profile, registration_rate, max_registration_rate, focal_length, phase)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Number, rec.IterationID, rec.Profile, rec.Rate, rec.MaxRate, rec.FocalLength, rec.Phase)
	return err
}

const runColumns = `id, images, results_dir, status, config_json, created_at, completed_at, elapsed_minutes, iterations, final_iteration, rate_500, rate_1000, rate_2000, rate_4000, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var cfgJSON, finalIter, errorMsg sql.NullString
	var completed sql.NullTime
	var elapsed sql.NullFloat64
	var iterations sql.NullInt64
	var r500, r1000, r2000, r4000 sql.NullFloat64
	if err := row.Scan(&rec.ID, &rec.Images, &rec.ResultsDir, &rec.Status, &cfgJSON, &rec.CreatedAt, &completed,
		&elapsed, &iterations, &finalIter, &r500, &r1000, &r2000, &r4000, &errorMsg); err != nil {
		return RunRecord{}, err
	}
	rec.ConfigJSON = cfgJSON.String
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	rec.ElapsedMinutes = elapsed.Float64
	rec.Iterations = int(iterations.Int64)
	rec.FinalIteration = finalIter.String
	rec.Error = errorMsg.String
	if r500.Valid {
		rec.Rates = []float64{r500.Float64, r1000.Float64, r2000.Float64, r4000.Float64}
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

// Run fetches one run. sql.ErrNoRows is returned for unknown IDs.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	return scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?;`, id))
}

// RunTrials returns the seed trials of a run in seed order.
func (s *Store) RunTrials(runID string) ([]TrialRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, trial_id, seed_index, seed_value, status, registration_rate, started_at, completed_at, error_message
        FROM seed_trials WHERE run_id=? ORDER BY seed_index;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TrialRecord
	for rows.Next() {
		var rec TrialRecord
		var rate sql.NullFloat64
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.TrialID, &rec.SeedIndex, &rec.SeedValue, &rec.Status, &rate, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.Rate = rate.Float64
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunIterations returns the iterations of a run in loop order.
func (s *Store) RunIterations(runID string) ([]IterationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, number, iteration_id, profile, registration_rate, max_registration_rate, focal_length, phase, created_at
        FROM iterations WHERE run_id=? ORDER BY number;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []IterationRecord
	for rows.Next() {
		var rec IterationRecord
		var focal sql.NullFloat64
		if err := rows.Scan(&rec.RunID, &rec.Number, &rec.IterationID, &rec.Profile, &rec.Rate, &rec.MaxRate, &focal, &rec.Phase, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.FocalLength = focal.Float64
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
