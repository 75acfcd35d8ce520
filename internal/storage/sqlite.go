package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tickbot/internal/schedule"
	logx "tickbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	schedules sqliteSchedules
	wizards   sqliteWizards
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	st.schedules = sqliteSchedules{st}
	st.wizards = sqliteWizards{st}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Schedules() ScheduleStore { return s.schedules }
func (s *sqliteStore) Wizards() WizardStore     { return s.wizards }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules ----

type sqliteSchedules struct{ s *sqliteStore }

func (t sqliteSchedules) Put(ctx context.Context, rec *schedule.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = t.s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, group_id, kind, active, next_run_at, locked_until, data, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   group_id=excluded.group_id, kind=excluded.kind, active=excluded.active,
		   next_run_at=excluded.next_run_at, locked_until=excluded.locked_until,
		   data=excluded.data, updated_at=excluded.updated_at`,
		rec.ID, rec.GroupID, string(rec.Kind), boolInt(rec.Active),
		nullMillis(rec.NextRunAt), nullMillis(rec.LockedUntil),
		b, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (t sqliteSchedules) Get(ctx context.Context, id string) (*schedule.Record, error) {
	var data []byte
	err := t.s.db.QueryRowContext(ctx, `SELECT data FROM schedules WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec schedule.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode schedule %s: %w", id, err)
	}
	return &rec, nil
}

func (t sqliteSchedules) ListGroup(ctx context.Context, groupID int64, kind schedule.Kind, activeOnly bool) ([]*schedule.Record, error) {
	q := `SELECT id, data FROM schedules WHERE group_id = ? AND kind = ?`
	args := []any{groupID, string(kind)}
	if activeOnly {
		q += ` AND active = 1`
	}
	return t.scan(ctx, q, args...)
}

func (t sqliteSchedules) ListActive(ctx context.Context) ([]*schedule.Record, error) {
	return t.scan(ctx, `SELECT id, data FROM schedules WHERE active = 1`)
}

func (t sqliteSchedules) scan(ctx context.Context, q string, args ...any) ([]*schedule.Record, error) {
	rows, err := t.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schedule.Record
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var rec schedule.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			// One corrupt row must not abort the enumeration.
			t.s.log.Error("skipping corrupt schedule row", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ClaimLock performs the lease claim as a single conditional UPDATE, then
// syncs the lease into the record blob inside the same transaction. The
// rows-affected check is the atomic compare-and-swap: concurrent claimants
// on the same id serialize on the row and only one observes 1.
func (t sqliteSchedules) ClaimLock(ctx context.Context, id string, now, until time.Time) (bool, error) {
	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE schedules SET locked_until = ?
		 WHERE id = ? AND active = 1
		   AND next_run_at IS NOT NULL AND next_run_at <= ?
		   AND (locked_until IS NULL OR locked_until <= ?)`,
		until.UnixMilli(), id, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	var data []byte
	if err := tx.QueryRowContext(ctx, `SELECT data FROM schedules WHERE id = ?`, id).Scan(&data); err != nil {
		return false, err
	}
	var rec schedule.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, fmt.Errorf("decode schedule %s: %w", id, err)
	}
	u := until.UTC()
	rec.LockedUntil = &u
	b, err := json.Marshal(&rec)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE schedules SET data = ? WHERE id = ?`, b, id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ---- wizard sessions ----

type sqliteWizards struct{ s *sqliteStore }

func (t sqliteWizards) Put(ctx context.Context, sess *schedule.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = t.s.db.ExecContext(ctx,
		`INSERT INTO wizard_sessions(group_id, user_id, data, updated_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(group_id, user_id) DO UPDATE SET
		   data=excluded.data, updated_at=excluded.updated_at`,
		sess.GroupID, sess.CreatorID, b, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (t sqliteWizards) Get(ctx context.Context, groupID, userID int64) (*schedule.Session, error) {
	var data []byte
	err := t.s.db.QueryRowContext(ctx,
		`SELECT data FROM wizard_sessions WHERE group_id = ? AND user_id = ?`,
		groupID, userID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess schedule.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// A corrupt session is unrecoverable; drop it so the user can restart.
		t.s.log.Error("dropping corrupt wizard session",
			logx.Int64("group", groupID), logx.Int64("user", userID), logx.Err(err))
		_ = t.Delete(ctx, groupID, userID)
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (t sqliteWizards) Delete(ctx context.Context, groupID, userID int64) error {
	_, err := t.s.db.ExecContext(ctx,
		`DELETE FROM wizard_sessions WHERE group_id = ? AND user_id = ?`,
		groupID, userID,
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
