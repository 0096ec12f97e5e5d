package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/matchpulse/pipeline/pkg/models"
)

// SQLiteStore implements Store using SQLite, intended for single-node
// deployments and local development. SQLite has no row-level locks; the store
// opens transactions with _txlock=immediate and serializes writers through a
// busy-timeout, which gives the same blocking (not erroring) behavior the
// settlement path relies on.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store at the given path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite handles one writer at a time
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS matches (
		id TEXT PRIMARY KEY,
		home_team TEXT NOT NULL,
		away_team TEXT NOT NULL,
		competition_id TEXT NOT NULL DEFAULT '',
		kickoff_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled',
		home_score INTEGER,
		away_score INTEGER,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_matches_status_kickoff ON matches(status, kickoff_at);

	CREATE TABLE IF NOT EXISTS predictions (
		id TEXT PRIMARY KEY,
		match_id TEXT NOT NULL REFERENCES matches(id),
		model_id TEXT NOT NULL,
		home_goals INTEGER NOT NULL,
		away_goals INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		points INTEGER,
		tendency_points INTEGER,
		created_at TIMESTAMP NOT NULL,
		scored_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_predictions_match_status ON predictions(match_id, status);

	CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		match_id TEXT NOT NULL REFERENCES matches(id),
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_analyses_match ON analyses(match_id);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		job_type TEXT NOT NULL,
		job_key TEXT NOT NULL,
		match_id TEXT,
		payload BLOB,
		failed_reason TEXT NOT NULL DEFAULT '',
		trace TEXT NOT NULL DEFAULT '',
		attempts_made INTEGER NOT NULL DEFAULT 0,
		enqueued_at TIMESTAMP NOT NULL,
		failed_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_queue_failed ON dead_letters(queue, failed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_match ON dead_letters(match_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Match operations

func (s *SQLiteStore) CreateMatch(m *models.Match) error {
	_, err := s.db.Exec(`
		INSERT INTO matches (id, home_team, away_team, competition_id, kickoff_at, status, home_score, away_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.HomeTeam, m.AwayTeam, m.CompetitionID, m.KickoffAt, m.Status, m.HomeScore, m.AwayScore, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetMatch(id string) (*models.Match, error) {
	m, err := scanMatch(s.db.QueryRow(`
		SELECT id, home_team, away_team, competition_id, kickoff_at, status, home_score, away_score, created_at, updated_at
		FROM matches WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrMatchNotFound
	}
	return m, err
}

func (s *SQLiteStore) UpdateMatch(m *models.Match) error {
	result, err := s.db.Exec(`
		UPDATE matches SET home_team = ?, away_team = ?, competition_id = ?, kickoff_at = ?,
			status = ?, home_score = ?, away_score = ?, updated_at = ?
		WHERE id = ?
	`, m.HomeTeam, m.AwayTeam, m.CompetitionID, m.KickoffAt, m.Status, m.HomeScore, m.AwayScore, time.Now(), m.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMatchNotFound
	}
	return nil
}

func (s *SQLiteStore) ListMatchesInWindow(from, to time.Time, statuses ...models.MatchStatus) ([]*models.Match, error) {
	args := []interface{}{from, to}
	query := `
		SELECT id, home_team, away_team, competition_id, kickoff_at, status, home_score, away_score, created_at, updated_at
		FROM matches WHERE kickoff_at >= ? AND kickoff_at <= ?`
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY kickoff_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMatches(rows)
}

func (s *SQLiteStore) ListFinishedWithPendingPredictions() ([]*models.Match, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT m.id, m.home_team, m.away_team, m.competition_id, m.kickoff_at, m.status,
			m.home_score, m.away_score, m.created_at, m.updated_at
		FROM matches m
		JOIN predictions p ON p.match_id = m.id
		WHERE m.status = 'finished' AND p.status = 'pending'
		ORDER BY m.kickoff_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMatches(rows)
}

func (s *SQLiteStore) ListFinishedWithoutPredictions() ([]*models.Match, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.home_team, m.away_team, m.competition_id, m.kickoff_at, m.status,
			m.home_score, m.away_score, m.created_at, m.updated_at
		FROM matches m
		WHERE m.status = 'finished'
		  AND NOT EXISTS (SELECT 1 FROM predictions p WHERE p.match_id = m.id)
		ORDER BY m.kickoff_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMatches(rows)
}

// Prediction operations

func (s *SQLiteStore) CreatePrediction(p *models.Prediction) error {
	status := p.Status
	if status == "" {
		status = models.PredictionStatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO predictions (id, match_id, model_id, home_goals, away_goals, status, points, tendency_points, created_at, scored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.MatchID, p.ModelID, p.HomeGoals, p.AwayGoals, status, p.Points, p.TendencyPoints, p.CreatedAt, p.ScoredAt)
	return err
}

func (s *SQLiteStore) ListPredictions(matchID string) ([]*models.Prediction, error) {
	rows, err := s.db.Query(`
		SELECT id, match_id, model_id, home_goals, away_goals, status, points, tendency_points, created_at, scored_at
		FROM predictions WHERE match_id = ? ORDER BY created_at ASC
	`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPredictions(rows)
}

// Analysis operations

func (s *SQLiteStore) AddAnalysis(a *models.Analysis) error {
	_, err := s.db.Exec(`INSERT INTO analyses (id, match_id, created_at) VALUES (?, ?, ?)`, a.ID, a.MatchID, a.CreatedAt)
	return err
}

func (s *SQLiteStore) HasAnalysis(matchID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM analyses WHERE match_id = ?)`, matchID).Scan(&exists)
	return exists, err
}

// Settlement transaction

func (s *SQLiteStore) BeginSettlement(ctx context.Context, matchID string) (SettlementTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin settlement transaction: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, match_id, model_id, home_goals, away_goals, status, points, tendency_points, created_at, scored_at
		FROM predictions WHERE match_id = ? AND status = 'pending'
	`, matchID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to read pending predictions: %w", err)
	}
	pending, err := scanPredictions(rows)
	rows.Close()
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	return &sqlSettlementTx{tx: tx, pending: pending, placeholder: "?"}, nil
}

// Dead-letter operations

func (s *SQLiteStore) AddDeadLetter(e *models.DeadLetterEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO dead_letters (id, queue, job_type, job_key, match_id, payload, failed_reason, trace, attempts_made, enqueued_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Queue, e.Type, e.Key, e.MatchID, e.Payload, e.FailedReason, e.Trace, e.AttemptsMade, e.EnqueuedAt, e.FailedAt)
	return err
}

func (s *SQLiteStore) ListDeadLetters(queue string, limit, offset int) ([]*models.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, queue, job_type, job_key, COALESCE(match_id, ''), payload, failed_reason, trace, attempts_made, enqueued_at, failed_at
		FROM dead_letters WHERE (? = '' OR queue = ?)
		ORDER BY failed_at DESC LIMIT ? OFFSET ?
	`, queue, queue, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DeadLetterEntry
	for rows.Next() {
		var e models.DeadLetterEntry
		if err := rows.Scan(&e.ID, &e.Queue, &e.Type, &e.Key, &e.MatchID, &e.Payload,
			&e.FailedReason, &e.Trace, &e.AttemptsMade, &e.EnqueuedAt, &e.FailedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountDeadLetters(queue string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE (? = '' OR queue = ?)`, queue, queue).Scan(&n)
	return n, err
}

func (s *SQLiteStore) DeleteDeadLetter(id string) error {
	result, err := s.db.Exec(`DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteDeadLettersByMatch(queue, matchID string) (int, error) {
	result, err := s.db.Exec(`DELETE FROM dead_letters WHERE (? = '' OR queue = ?) AND match_id = ?`, queue, queue, matchID)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (s *SQLiteStore) PurgeDeadLetters(queue string, olderThan time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM dead_letters WHERE (? = '' OR queue = ?) AND failed_at < ?`, queue, queue, olderThan)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}
