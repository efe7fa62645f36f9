package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"purchase-service/internal/port"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

type Store struct {
	db        *sqlx.DB
	isolation sql.IsolationLevel
}

// NewStore creates a new database store. Transactions opened by InTx use the
// given isolation level, which must be at least repeatable read.
func NewStore(databaseURL string, isolation sql.IsolationLevel) (*Store, error) {
	if isolation < sql.LevelRepeatableRead {
		return nil, fmt.Errorf("isolation level %s is too weak, need at least repeatable read", isolation)
	}

	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, isolation: isolation}, nil
}

// ParseIsolation maps a config value to an isolation level
func ParseIsolation(value string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "repeatable_read", "repeatable read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return 0, fmt.Errorf("unsupported isolation level %q (use repeatable_read|serializable)", value)
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the tables and constraints if they do not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Stores returns stores bound to the connection pool, for reads outside a transaction
func (s *Store) Stores() port.Stores {
	return bind(s.db)
}

// InTx runs fn inside one database transaction
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, st port.Stores) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return fmt.Errorf("%w: %w", port.ErrTxNotStarted, err)
	}
	defer tx.Rollback()

	if err := fn(ctx, bind(tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapErr(err, "failed to commit transaction")
	}
	return nil
}

func bind(q sqlx.ExtContext) port.Stores {
	return port.Stores{
		Users:    &UserRepo{q: q},
		Products: &ProductRepo{q: q},
		Orders:   &OrderRepo{q: q},
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == serializationFailure || pqErr.Code == deadlockDetected
}

// wrapErr adds context to a driver error and marks serialization failures
// with port.ErrConcurrentUpdate
func wrapErr(err error, msg string) error {
	if isSerializationFailure(err) {
		return fmt.Errorf("%s: %w: %w", msg, port.ErrConcurrentUpdate, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
