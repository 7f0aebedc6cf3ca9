// Package db stores the email queue in PostgreSQL.
package db

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"TicketMail/internal/errs"
)

var (
	ErrTransactionBegin  = errs.New("failed to begin transaction")
	ErrTransactionCommit = errs.New("failed to commit transaction")
)

type Store struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, conn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, errs.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(err, "ping postgres")
	}

	return &Store{Pool: pool, log: log}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// Migrate creates the queue tables and the insert notification trigger.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return errs.Wrap(err, "migrate schema")
	}
	return nil
}

func runInTx[T any](ctx context.Context, pool *pgxpool.Pool, log *zap.Logger, fn func(tx pgx.Tx) (T, error)) (T, error) {
	var zero T

	tx, err := pool.Begin(ctx)
	if err != nil {
		return zero, errs.Mark(err, ErrTransactionBegin)
	}

	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			if !errs.Is(rollbackErr, pgx.ErrTxClosed) {
				log.Warn("failed to rollback transaction", zap.Error(rollbackErr))
			}
		}
	}()

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err = tx.Commit(ctx); err != nil {
		return zero, errs.Mark(err, ErrTransactionCommit)
	}

	return result, nil
}

// jsonOrNil encodes v for a JSONB column, NULL when v is nil.
func jsonOrNil[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// fromJSON decodes a nullable JSONB column.
func fromJSON[T any](raw []byte) (*T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS email_jobs (
	id             TEXT PRIMARY KEY,
	association_id TEXT NOT NULL,
	type           TEXT NOT NULL DEFAULT '',
	to_email       TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	body           TEXT NOT NULL DEFAULT '',
	reply_to       TEXT NOT NULL DEFAULT '',
	context        JSONB,
	status         TEXT NOT NULL DEFAULT 'pending',
	attempts       INT NOT NULL DEFAULT 0,
	last_error     TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	locked_at      TIMESTAMPTZ,
	sent_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS email_jobs_status_created_idx ON email_jobs (status, created_at);

CREATE TABLE IF NOT EXISTS association_email_settings (
	association_id TEXT PRIMARY KEY,
	smtp_host      TEXT NOT NULL DEFAULT '',
	smtp_port      INT NOT NULL DEFAULT 0,
	smtp_user      TEXT NOT NULL DEFAULT '',
	smtp_password  TEXT NOT NULL DEFAULT '',
	secure         BOOLEAN NOT NULL DEFAULT FALSE,
	sender_name    TEXT NOT NULL DEFAULT '',
	sender_email   TEXT NOT NULL DEFAULT '',
	reply_to       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ticket_designs (
	association_id TEXT PRIMARY KEY,
	template_url   TEXT NOT NULL DEFAULT '',
	qr_area        JSONB,
	info_area      JSONB,
	order_id_area  JSONB
);

CREATE OR REPLACE FUNCTION notify_email_job_created() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + notifyChannel + `', NEW.association_id || '/' || NEW.id);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS email_jobs_created ON email_jobs;
CREATE TRIGGER email_jobs_created
	AFTER INSERT ON email_jobs
	FOR EACH ROW EXECUTE FUNCTION notify_email_job_created();
`
