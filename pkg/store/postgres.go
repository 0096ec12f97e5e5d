package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/matchpulse/pipeline/pkg/models"
)

// PostgreSQLStore implements Store using PostgreSQL. Settlement uses
// SELECT ... FOR UPDATE so concurrent settlement attempts for the same match
// serialize on the row lock instead of erroring.
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgreSQLStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS matches (
		id TEXT PRIMARY KEY,
		home_team TEXT NOT NULL,
		away_team TEXT NOT NULL,
		competition_id TEXT NOT NULL DEFAULT '',
		kickoff_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled',
		home_score INTEGER,
		away_score INTEGER,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		scored_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_predictions_match_status ON predictions(match_id, status);

	CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		match_id TEXT NOT NULL REFERENCES matches(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_analyses_match ON analyses(match_id);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		job_type TEXT NOT NULL,
		job_key TEXT NOT NULL,
		match_id TEXT,
		payload JSONB,
		failed_reason TEXT NOT NULL DEFAULT '',
		trace TEXT NOT NULL DEFAULT '',
		attempts_made INTEGER NOT NULL DEFAULT 0,
		enqueued_at TIMESTAMPTZ NOT NULL,
		failed_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_queue_failed ON dead_letters(queue, failed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_match ON dead_letters(match_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *PostgreSQLStore) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Match operations

func (s *PostgreSQLStore) CreateMatch(m *models.Match) error {
	_, err := s.db.Exec(`
		INSERT INTO matches (id, home_team, away_team, competition_id, kickoff_at, status, home_score, away_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ID, m.HomeTeam, m.AwayTeam, m.CompetitionID, m.KickoffAt, m.Status, m.HomeScore, m.AwayScore, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *PostgreSQLStore) GetMatch(id string) (*models.Match, error) {
	m, err := scanMatch(s.db.QueryRow(`
		SELECT id, home_team, away_team, competition_id, kickoff_at, status, home_score, away_score, created_at, updated_at
		FROM matches WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrMatchNotFound
	}
	return m, err
}

func (s *PostgreSQLStore) UpdateMatch(m *models.Match) error {
	result, err := s.db.Exec(`
		UPDATE matches SET home_team = $1, away_team = $2, competition_id = $3, kickoff_at = $4,
			status = $5, home_score = $6, away_score = $7, updated_at = NOW()
		WHERE id = $8
	`, m.HomeTeam, m.AwayTeam, m.CompetitionID, m.KickoffAt, m.Status, m.HomeScore, m.AwayScore, m.ID)
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

func (s *PostgreSQLStore) ListMatchesInWindow(from, to time.Time, statuses ...models.MatchStatus) ([]*models.Match, error) {
	args := []interface{}{from, to}
	query := `
		SELECT id, home_team, away_team, competition_id, kickoff_at, status, home_score, away_score, created_at, updated_at
		FROM matches WHERE kickoff_at >= $1 AND kickoff_at <= $2`
	if len(statuses) > 0 {
		query += ` AND status = ANY($3)`
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		args = append(args, pq.Array(ss))
	}
	query += ` ORDER BY kickoff_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMatches(rows)
}

func (s *PostgreSQLStore) ListFinishedWithPendingPredictions() ([]*models.Match, error) {
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

func (s *PostgreSQLStore) ListFinishedWithoutPredictions() ([]*models.Match, error) {
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

func (s *PostgreSQLStore) CreatePrediction(p *models.Prediction) error {
	status := p.Status
	if status == "" {
		status = models.PredictionStatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO predictions (id, match_id, model_id, home_goals, away_goals, status, points, tendency_points, created_at, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.MatchID, p.ModelID, p.HomeGoals, p.AwayGoals, status, p.Points, p.TendencyPoints, p.CreatedAt, p.ScoredAt)
	return err
}

func (s *PostgreSQLStore) ListPredictions(matchID string) ([]*models.Prediction, error) {
	rows, err := s.db.Query(`
		SELECT id, match_id, model_id, home_goals, away_goals, status, points, tendency_points, created_at, scored_at
		FROM predictions WHERE match_id = $1 ORDER BY created_at ASC
	`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPredictions(rows)
}

// Analysis operations

func (s *PostgreSQLStore) AddAnalysis(a *models.Analysis) error {
	_, err := s.db.Exec(`
		INSERT INTO analyses (id, match_id, created_at) VALUES ($1, $2, $3)
	`, a.ID, a.MatchID, a.CreatedAt)
	return err
}

func (s *PostgreSQLStore) HasAnalysis(matchID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM analyses WHERE match_id = $1)`, matchID).Scan(&exists)
	return exists, err
}

// Settlement transaction

func (s *PostgreSQLStore) BeginSettlement(ctx context.Context, matchID string) (SettlementTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin settlement transaction: %w", err)
	}

	// FOR UPDATE blocks (does not error) while another settlement for the
	// same match holds the locks, then sees the post-commit state.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, match_id, model_id, home_goals, away_goals, status, points, tendency_points, created_at, scored_at
		FROM predictions WHERE match_id = $1 AND status = 'pending'
		FOR UPDATE
	`, matchID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to lock pending predictions: %w", err)
	}
	pending, err := scanPredictions(rows)
	rows.Close()
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	return &sqlSettlementTx{tx: tx, pending: pending, placeholder: "$"}, nil
}

// sqlSettlementTx is shared by the PostgreSQL and SQLite stores; only the
// parameter placeholder style differs.
type sqlSettlementTx struct {
	tx          *sql.Tx
	pending     []*models.Prediction
	placeholder string
}

func (t *sqlSettlementTx) PendingPredictions() []*models.Prediction {
	return t.pending
}

func (t *sqlSettlementTx) Score(predictionID string, points, tendencyPoints int) error {
	query := `UPDATE predictions SET status = 'scored', points = $1, tendency_points = $2, scored_at = $3 WHERE id = $4 AND status = 'pending'`
	if t.placeholder == "?" {
		query = `UPDATE predictions SET status = 'scored', points = ?, tendency_points = ?, scored_at = ? WHERE id = ? AND status = 'pending'`
	}

	result, err := t.tx.Exec(query, points, tendencyPoints, time.Now(), predictionID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyScored
	}
	return nil
}

func (t *sqlSettlementTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlSettlementTx) Rollback() error {
	return t.tx.Rollback()
}

// Dead-letter operations

func (s *PostgreSQLStore) AddDeadLetter(e *models.DeadLetterEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO dead_letters (id, queue, job_type, job_key, match_id, payload, failed_reason, trace, attempts_made, enqueued_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.Queue, e.Type, e.Key, e.MatchID, e.Payload, e.FailedReason, e.Trace, e.AttemptsMade, e.EnqueuedAt, e.FailedAt)
	return err
}

func (s *PostgreSQLStore) ListDeadLetters(queue string, limit, offset int) ([]*models.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, queue, job_type, job_key, COALESCE(match_id, ''), payload, failed_reason, trace, attempts_made, enqueued_at, failed_at
		FROM dead_letters WHERE ($1 = '' OR queue = $1)
		ORDER BY failed_at DESC LIMIT $2 OFFSET $3
	`, queue, limit, offset)
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

func (s *PostgreSQLStore) CountDeadLetters(queue string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE ($1 = '' OR queue = $1)`, queue).Scan(&n)
	return n, err
}

func (s *PostgreSQLStore) DeleteDeadLetter(id string) error {
	result, err := s.db.Exec(`DELETE FROM dead_letters WHERE id = $1`, id)
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

func (s *PostgreSQLStore) DeleteDeadLettersByMatch(queue, matchID string) (int, error) {
	result, err := s.db.Exec(`DELETE FROM dead_letters WHERE ($1 = '' OR queue = $1) AND match_id = $2`, queue, matchID)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (s *PostgreSQLStore) PurgeDeadLetters(queue string, olderThan time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM dead_letters WHERE ($1 = '' OR queue = $1) AND failed_at < $2`, queue, olderThan)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// Row scanning helpers

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMatch(r rowScanner) (*models.Match, error) {
	var m models.Match
	err := r.Scan(&m.ID, &m.HomeTeam, &m.AwayTeam, &m.CompetitionID, &m.KickoffAt,
		&m.Status, &m.HomeScore, &m.AwayScore, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMatches(rows *sql.Rows) ([]*models.Match, error) {
	var out []*models.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanPredictions(rows *sql.Rows) ([]*models.Prediction, error) {
	var out []*models.Prediction
	for rows.Next() {
		var p models.Prediction
		if err := rows.Scan(&p.ID, &p.MatchID, &p.ModelID, &p.HomeGoals, &p.AwayGoals,
			&p.Status, &p.Points, &p.TendencyPoints, &p.CreatedAt, &p.ScoredAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
