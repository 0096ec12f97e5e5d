package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matchpulse/pipeline/pkg/models"
)

var (
	ErrMatchNotFound      = errors.New("match not found")
	ErrPredictionNotFound = errors.New("prediction not found")
	ErrDeadLetterNotFound = errors.New("dead-letter entry not found")
	ErrAlreadyScored      = errors.New("prediction already scored")
)

// Store defines the interface for data persistence.
// PostgreSQL, SQLite and the in-memory store implement this interface.
type Store interface {
	// Match operations
	CreateMatch(m *models.Match) error
	GetMatch(id string) (*models.Match, error)
	UpdateMatch(m *models.Match) error
	ListMatchesInWindow(from, to time.Time, statuses ...models.MatchStatus) ([]*models.Match, error)
	ListFinishedWithPendingPredictions() ([]*models.Match, error)
	ListFinishedWithoutPredictions() ([]*models.Match, error)

	// Prediction operations
	CreatePrediction(p *models.Prediction) error
	ListPredictions(matchID string) ([]*models.Prediction, error)

	// Analysis marker (pipeline-entry heuristic)
	AddAnalysis(a *models.Analysis) error
	HasAnalysis(matchID string) (bool, error)

	// Settlement transaction: pending predictions are selected under a
	// row-level lock that blocks concurrent settlement of the same match.
	BeginSettlement(ctx context.Context, matchID string) (SettlementTx, error)

	// Dead-letter operations
	AddDeadLetter(e *models.DeadLetterEntry) error
	ListDeadLetters(queue string, limit, offset int) ([]*models.DeadLetterEntry, error)
	CountDeadLetters(queue string) (int, error)
	DeleteDeadLetter(id string) error
	DeleteDeadLettersByMatch(queue, matchID string) (int, error)
	PurgeDeadLetters(queue string, olderThan time.Time) (int, error)

	// Lifecycle
	Close() error
	HealthCheck() error
}

// SettlementTx is an open settlement transaction for one match. The pending
// predictions were selected with a blocking row lock, so at most one
// transaction per match observes a non-empty set; a concurrent attempt blocks
// in BeginSettlement and finds zero pending rows once the first commits.
type SettlementTx interface {
	PendingPredictions() []*models.Prediction
	Score(predictionID string, points, tendencyPoints int) error
	Commit() error
	Rollback() error
}

// Config holds database configuration
type Config struct {
	Driver string // "postgres", "sqlite" or "memory"
	DSN    string // Connection string (postgres)
	Path   string // File path (sqlite)

	// PostgreSQL pool tuning
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Driver {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "pipeline.db"
		}
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
}
