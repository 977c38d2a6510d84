package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"engage_inbound/internal/interfaces"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool used by the repositories; pgxmock satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements interfaces.Storage and interfaces.LeadAllocator on Postgres.
type Store struct {
	db DB
}

var (
	_ interfaces.Storage       = (*Store)(nil)
	_ interfaces.LeadAllocator = (*Store)(nil)
)

func NewStore(db DB) *Store {
	if db == nil {
		panic("repository: db required")
	}
	return &Store{db: db}
}

const (
	codeForeignKey = "23503"
	codeUnique     = "23505"
)

// mapError translates constraint violations into the storage sentinels.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeForeignKey:
			return fmt.Errorf("%s: %w (%s)", op, interfaces.ErrForeignKey, pgErr.ConstraintName)
		case codeUnique:
			return fmt.Errorf("%s: %w (%s)", op, interfaces.ErrConflict, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// notFound reports whether err is the "no rows" result of a finder.
func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func decodeJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
