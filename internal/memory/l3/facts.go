// Package l3 implements the structured fact tier (§4.5 L3): a
// Postgres-backed store keyed by (table, fact_id), where fact_id is
// the content hash of the fact's canonical value so repeated writes of
// the same fact are no-ops.
package l3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

type Config struct {
	DSN string
}

// Store is the L3 tier. Every logical fact table lives in the single
// Postgres table `facts`, distinguished by its fact_table column.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS facts (
			fact_table TEXT NOT NULL,
			fact_id TEXT NOT NULL,
			value JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ,
			PRIMARY KEY (fact_table, fact_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("l3: migrating facts schema: %w", err)
	}
	return nil
}

// FactID computes the content-addressed ID for a fact's value: the
// SHA-256 of its canonical (key-sorted) JSON encoding.
func FactID(value map[string]interface{}) (string, error) {
	canonical, err := canonicalJSON(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(value map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(value))
	for k := range value {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(value[k])
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, keyJSON...)
		ordered = append(ordered, ':')
		ordered = append(ordered, valJSON...)
	}
	ordered = append(ordered, '}')
	return ordered, nil
}

// Insert writes a fact idempotently: if FactID already exists in
// table, the call is a no-op and returns the existing fact unchanged.
func (s *Store) Insert(ctx context.Context, table string, value map[string]interface{}) (orchmodels.Fact, error) {
	id, err := FactID(value)
	if err != nil {
		return orchmodels.Fact{}, fmt.Errorf("l3: computing fact id: %w", err)
	}
	now := time.Now().UTC()

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return orchmodels.Fact{}, fmt.Errorf("l3: encoding fact value: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO facts (fact_table, fact_id, value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fact_table, fact_id) DO NOTHING
	`, table, id, valueJSON, now)
	if err != nil {
		return orchmodels.Fact{}, &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}

	return s.Get(ctx, table, id)
}

// Get fetches a fact by (table, id).
func (s *Store) Get(ctx context.Context, table, id string) (orchmodels.Fact, error) {
	var valueJSON []byte
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT value, created_at FROM facts
		WHERE fact_table = $1 AND fact_id = $2 AND deleted_at IS NULL
	`, table, id).Scan(&valueJSON, &createdAt)
	if err != nil {
		return orchmodels.Fact{}, &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	var value map[string]interface{}
	if err := json.Unmarshal(valueJSON, &value); err != nil {
		return orchmodels.Fact{}, fmt.Errorf("l3: decoding fact value: %w", err)
	}
	return orchmodels.Fact{Table: table, FactID: id, Value: value, CreatedAt: createdAt}, nil
}

// QueryFacts is a passthrough filter query: it returns every
// non-deleted fact in `table` whose value matches all of `filter` at
// the top level (JSONB containment).
func (s *Store) QueryFacts(ctx context.Context, table string, filter map[string]interface{}) ([]orchmodels.Fact, error) {
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("l3: encoding filter: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT fact_id, value, created_at FROM facts
		WHERE fact_table = $1 AND deleted_at IS NULL AND value @> $2
	`, table, filterJSON)
	if err != nil {
		return nil, &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	defer rows.Close()

	var out []orchmodels.Fact
	for rows.Next() {
		var id string
		var valueJSON []byte
		var createdAt time.Time
		if err := rows.Scan(&id, &valueJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("l3: scanning fact row: %w", err)
		}
		var value map[string]interface{}
		if err := json.Unmarshal(valueJSON, &value); err != nil {
			return nil, fmt.Errorf("l3: decoding fact value: %w", err)
		}
		out = append(out, orchmodels.Fact{Table: table, FactID: id, Value: value, CreatedAt: createdAt})
	}
	return out, rows.Err()
}

// Purge tombstones (or, if hard, physically deletes) a fact.
func (s *Store) Purge(ctx context.Context, table, id string, hard bool) error {
	var err error
	if hard {
		_, err = s.pool.Exec(ctx, `DELETE FROM facts WHERE fact_table = $1 AND fact_id = $2`, table, id)
	} else {
		_, err = s.pool.Exec(ctx, `UPDATE facts SET deleted_at = now() WHERE fact_table = $1 AND fact_id = $2`, table, id)
	}
	if err != nil {
		return &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
