package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/telemetry-aggregator/internal/connectors"
)

// querier — подмножество *pgxpool.Pool, которым пользуются репозитории.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewPool открывает пул и проверяет соединение с таймаутом.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: database unreachable: %w", translate(err))
	}
	return pool, nil
}

// translate приводит ошибки драйвера к таксономии коннекторов.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &connectors.TimeoutError{Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &connectors.CancelledError{Cause: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01": // invalid_authorization_specification, invalid_password
			return &connectors.AuthError{Backend: "postgres", Cause: err}
		case "42601", "42703", "22007", "22P02": // синтаксис, колонка, формат даты, формат значения
			return &connectors.BackendError{StatusCode: 400, Message: pgErr.Message}
		case "57014": // query_canceled (statement_timeout)
			return &connectors.TimeoutError{Cause: err}
		}
		return &connectors.BackendError{StatusCode: 500, Message: pgErr.Message}
	}
	return &connectors.BackendError{Message: err.Error()}
}
