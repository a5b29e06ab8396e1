//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pinrelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db       *sql.DB
	log      logx.Logger
	relayTTL time.Duration
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &sqliteStore{db: db, log: log, relayTTL: cfg.RelayTTL}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Enqueue(ctx context.Context, a Action) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO actions(id, tenant_id, kind, channel_id, target_id, due_at, retries)
		 VALUES(?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, string(a.Kind), a.ChannelID, a.TargetID, a.DueAt.UnixMilli(), a.Retries,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) DueBefore(ctx context.Context, now time.Time) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, tenant_id, kind, channel_id, target_id, due_at, retries
		 FROM actions WHERE due_at <= ? ORDER BY seq`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		var kind string
		var dueMS int64
		if err := rows.Scan(&a.Seq, &a.ID, &a.TenantID, &kind, &a.ChannelID, &a.TargetID, &dueMS, &a.Retries); err != nil {
			return nil, err
		}
		a.Kind = Kind(kind)
		a.DueAt = time.UnixMilli(dueMS).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Remove(ctx context.Context, a Action) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM actions WHERE tenant_id=? AND kind=? AND channel_id=? AND target_id=?`,
		a.TenantID, string(a.Kind), a.ChannelID, a.TargetID,
	)
	return err
}

func (s *sqliteStore) IncrementRetry(ctx context.Context, a Action) (Action, error) {
	a.Retries++
	_, err := s.db.ExecContext(ctx,
		`UPDATE actions SET retries=? WHERE tenant_id=? AND kind=? AND channel_id=? AND target_id=?`,
		a.Retries, a.TenantID, string(a.Kind), a.ChannelID, a.TargetID,
	)
	return a, err
}

func (s *sqliteStore) ClaimRelay(ctx context.Context, tenantID, sourceID string) (bool, error) {
	if strings.TrimSpace(sourceID) == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO relay_records(source_id, tenant_id, updated_at) VALUES(?,?,?)`,
		sourceID, tenantID, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) AddRelayCopies(ctx context.Context, sourceID string, copies []RelayCopy) error {
	if len(copies) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var base int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ord), -1) + 1 FROM relay_copies WHERE source_id=?`, sourceID,
	).Scan(&base); err != nil {
		return err
	}
	for i, c := range copies {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relay_copies(source_id, endpoint_id, copy_id, ord) VALUES(?,?,?,?)`,
			sourceID, c.EndpointID, c.CopyID, base+i,
		); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE relay_records SET updated_at=? WHERE source_id=?`,
		time.Now().UnixMilli(), sourceID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetRelay(ctx context.Context, sourceID string) (RelayRecord, bool, error) {
	var rec RelayRecord
	var updatedMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id, tenant_id, updated_at FROM relay_records WHERE source_id=?`, sourceID,
	).Scan(&rec.SourceID, &rec.TenantID, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return RelayRecord{}, false, nil
	}
	if err != nil {
		return RelayRecord{}, false, err
	}
	rec.UpdatedAt = time.UnixMilli(updatedMS).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint_id, copy_id FROM relay_copies WHERE source_id=? ORDER BY ord`, sourceID,
	)
	if err != nil {
		return RelayRecord{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var c RelayCopy
		if err := rows.Scan(&c.EndpointID, &c.CopyID); err != nil {
			return RelayRecord{}, false, err
		}
		rec.Copies = append(rec.Copies, c)
	}
	return rec, true, rows.Err()
}

// Flush prunes expired relay records; action writes are already durable
// (WAL commits per statement).
func (s *sqliteStore) Flush(ctx context.Context) error {
	cutoff := time.Now().Add(-s.relayTTL).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM relay_records WHERE updated_at < ?`, cutoff)
	return err
}
