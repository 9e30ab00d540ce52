// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// DB is the subset of a pgx pool PostgresKV needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresKV stores plugin data in the plugin_kv table.
type PostgresKV struct {
	db    DB
	close func()
}

var _ KV = (*PostgresKV)(nil)

// NewPostgresKV wraps an existing connection pool.
func NewPostgresKV(db DB) *PostgresKV {
	return &PostgresKV{db: db}
}

// OpenPostgres connects to databaseURL. Close releases the pool.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresKV, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, oops.In("store").Code(CodeConnect).Wrapf(err, "create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.In("store").Code(CodeConnect).Wrapf(err, "ping database")
	}
	return &PostgresKV{db: pool, close: pool.Close}, nil
}

// Close releases the pool opened by OpenPostgres.
func (s *PostgresKV) Close() {
	if s.close != nil {
		s.close()
	}
}

func (s *PostgresKV) Get(ctx context.Context, pluginID, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx,
		`SELECT value FROM plugin_kv WHERE plugin_id = $1 AND key = $2`,
		pluginID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, queryError(err, "get", pluginID)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *PostgresKV) Set(ctx context.Context, pluginID, key string, value []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO plugin_kv (plugin_id, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (plugin_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		pluginID, key, value)
	if err != nil {
		return queryError(err, "set", pluginID)
	}
	return nil
}

func (s *PostgresKV) Delete(ctx context.Context, pluginID, key string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM plugin_kv WHERE plugin_id = $1 AND key = $2`,
		pluginID, key)
	if err != nil {
		return queryError(err, "delete", pluginID)
	}
	return nil
}

func (s *PostgresKV) Keys(ctx context.Context, pluginID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key FROM plugin_kv WHERE plugin_id = $1 ORDER BY key`,
		pluginID)
	if err != nil {
		return nil, queryError(err, "keys", pluginID)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, queryError(err, "keys", pluginID)
	}
	return keys, nil
}

// queryError classifies Postgres failures by SQLSTATE.
func queryError(err error, op, pluginID string) error {
	b := oops.In("store").With("operation", op).With("plugin", pluginID)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		b = b.With("sqlstate", pgErr.Code)
		switch pgErr.Code {
		case pgerrcode.UndefinedTable:
			return b.Code(CodeNotMigrated).
				Hint("run the plugin_kv migrations").
				Wrapf(err, "plugin_kv table missing")
		case pgerrcode.CheckViolation, pgerrcode.StringDataRightTruncationDataException:
			return b.Code(CodeInvalidKey).Wrapf(err, "rejected key")
		}
	}
	return b.Code(CodeQueryFailed).Wrapf(err, "%s", op)
}
