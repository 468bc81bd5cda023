package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/modeldeck/pkg/models"
)

const savedExperimentsSchema = `
CREATE TABLE IF NOT EXISTS saved_experiments (
	id            TEXT PRIMARY KEY,
	model_id      TEXT NOT NULL,
	model_version TEXT NOT NULL,
	temperature   DOUBLE PRECISION NOT NULL,
	tokens        INTEGER NOT NULL,
	prompt        TEXT NOT NULL,
	output        TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
)`

const savedExperimentsIndex = `CREATE INDEX IF NOT EXISTS idx_saved_experiments_model ON saved_experiments (model_id, created_at)`

// SQLSavedExperimentStore is a SavedExperimentStore on database/sql. It
// works against sqlite (modernc.org/sqlite) and postgres (lib/pq).
type SQLSavedExperimentStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLStore opens the database described by cfg, verifies the connection
// and creates the schema.
func OpenSQLStore(ctx context.Context, cfg SQLConfig) (*SQLSavedExperimentStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.Driver, err)
	}

	store := NewSQLSavedExperimentStore(db, cfg.Driver)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLSavedExperimentStore wraps an open database. driver selects the
// placeholder style.
func NewSQLSavedExperimentStore(db *sql.DB, driver string) *SQLSavedExperimentStore {
	return &SQLSavedExperimentStore{db: db, driver: driver}
}

// Migrate creates the saved_experiments table if needed.
func (s *SQLSavedExperimentStore) Migrate(ctx context.Context) error {
	for _, stmt := range []string{savedExperimentsSchema, savedExperimentsIndex} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate saved_experiments: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLSavedExperimentStore) Close() error {
	return s.db.Close()
}

func (s *SQLSavedExperimentStore) List(ctx context.Context, modelID string) ([]models.SavedExperiment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, model_id, model_version, temperature, tokens, prompt, output, created_at
		FROM saved_experiments
		WHERE model_id = ?
		ORDER BY created_at DESC`), modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list saved experiments: %w", err)
	}
	defer rows.Close()

	out := make([]models.SavedExperiment, 0)
	for rows.Next() {
		var exp models.SavedExperiment
		if err := rows.Scan(&exp.ID, &exp.ModelID, &exp.ModelVersion, &exp.Temperature,
			&exp.Tokens, &exp.Prompt, &exp.Output, &exp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan saved experiment: %w", err)
		}
		out = append(out, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate saved experiments: %w", err)
	}
	return out, nil
}

func (s *SQLSavedExperimentStore) Save(ctx context.Context, exp *models.SavedExperiment) error {
	if exp == nil || exp.ModelID == "" {
		return fmt.Errorf("saved experiment with model_id is required")
	}
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO saved_experiments (id, model_id, model_version, temperature, tokens, prompt, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		exp.ID, exp.ModelID, exp.ModelVersion, exp.Temperature, exp.Tokens, exp.Prompt, exp.Output, exp.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

func (s *SQLSavedExperimentStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM saved_experiments WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete saved experiment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// rebind rewrites "?" placeholders to "$n" for postgres.
func (s *SQLSavedExperimentStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
