package storage

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

	"comparium/internal/maint"
	logx "comparium/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const dueIndex = "idx_schedules_due"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	loc *time.Location
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps ":memory:" one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := newSQLiteStore(db, log, cfg.Location)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if !cfg.SkipMigrations {
		if err := st.migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return st, nil
}

func newSQLiteStore(db *sql.DB, log logx.Logger, loc *time.Location) *sqliteStore {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log, loc: loc}
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

// classify turns a driver error into the maint taxonomy. Schema problems are
// configuration errors so a missing index never reads as "nothing due".
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such index"):
		return &maint.ConfigurationError{
			Op:   op,
			Hint: "create index " + dueIndex + " on schedules(enabled, next_due)",
			Err:  err,
		}
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such column"):
		return &maint.ConfigurationError{Op: op, Hint: "schema is not migrated", Err: err}
	}
	return maint.Transient(op, err)
}

const scheduleCols = `id, owner_id, parent_id, task_type, custom_label, interval_days, next_due, enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqliteStore) scanSchedule(r rowScanner) (maint.Schedule, error) {
	var (
		sch                       maint.Schedule
		taskType                  string
		label                     sql.NullString
		nextDue, created, updated int64
		enabled                   int
	)
	if err := r.Scan(&sch.ID, &sch.OwnerID, &sch.ParentID, &taskType, &label, &sch.IntervalDays,
		&nextDue, &enabled, &created, &updated); err != nil {
		return maint.Schedule{}, err
	}
	sch.TaskType = maint.TaskType(taskType)
	sch.CustomLabel = label.String
	sch.NextDue = s.fromMS(nextDue)
	sch.Enabled = enabled != 0
	sch.CreatedAt = s.fromMS(created)
	sch.UpdatedAt = s.fromMS(updated)
	return sch, nil
}

func (s *sqliteStore) fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).In(s.loc)
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (maint.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sch, err := s.scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return maint.Schedule{}, notFound("schedule", id)
	}
	if err != nil {
		return maint.Schedule{}, classify("get schedule", err)
	}
	return sch, nil
}

func (s *sqliteStore) PutSchedule(ctx context.Context, sch maint.Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id=excluded.owner_id, parent_id=excluded.parent_id, task_type=excluded.task_type,
		   custom_label=excluded.custom_label, interval_days=excluded.interval_days,
		   next_due=excluded.next_due, enabled=excluded.enabled, updated_at=excluded.updated_at`,
		sch.ID, sch.OwnerID, sch.ParentID, string(sch.TaskType), nullStr(sch.CustomLabel), sch.IntervalDays,
		toMS(sch.NextDue), boolInt(sch.Enabled), toMS(sch.CreatedAt), toMS(sch.UpdatedAt),
	)
	return classify("put schedule", err)
}

func (s *sqliteStore) ReplaceSchedule(ctx context.Context, prev, sch maint.Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET task_type = ?, custom_label = ?, interval_days = ?, next_due = ?, enabled = ?, updated_at = ?
		 WHERE id = ? AND next_due = ? AND updated_at = ?`,
		string(sch.TaskType), nullStr(sch.CustomLabel), sch.IntervalDays, toMS(sch.NextDue), boolInt(sch.Enabled), toMS(sch.UpdatedAt),
		sch.ID, toMS(prev.NextDue), toMS(prev.UpdatedAt))
	if err != nil {
		return classify("replace schedule", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetSchedule(ctx, sch.ID); err != nil {
		return err
	}
	return maint.Transient("replace schedule", ErrConflict)
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return classify("delete schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("schedule", id)
	}
	return nil
}

func (s *sqliteStore) QueryDue(ctx context.Context, now time.Time) ([]maint.Schedule, error) {
	return s.querySchedules(ctx, "query due schedules",
		`SELECT `+scheduleCols+` FROM schedules INDEXED BY `+dueIndex+`
		 WHERE enabled = 1 AND next_due <= ? ORDER BY next_due, id`, toMS(now))
}

func (s *sqliteStore) ListSchedulesByOwner(ctx context.Context, ownerID string) ([]maint.Schedule, error) {
	return s.querySchedules(ctx, "list schedules",
		`SELECT `+scheduleCols+` FROM schedules WHERE owner_id = ? ORDER BY next_due, id`, ownerID)
}

func (s *sqliteStore) ListSchedulesByParent(ctx context.Context, parentID string) ([]maint.Schedule, error) {
	return s.querySchedules(ctx, "list schedules",
		`SELECT `+scheduleCols+` FROM schedules WHERE parent_id = ? ORDER BY next_due, id`, parentID)
}

func (s *sqliteStore) querySchedules(ctx context.Context, op, q string, args ...any) ([]maint.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()
	var out []maint.Schedule
	for rows.Next() {
		sch, err := s.scanSchedule(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, x execer, e maint.Event) error {
	data, err := maint.MarshalEventData(e.Data)
	if err != nil {
		return err
	}
	_, err = x.ExecContext(ctx,
		`INSERT INTO events(id, owner_id, parent_id, type, occurred_at, notes, data) VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.OwnerID, e.ParentID, string(e.Type), toMS(e.OccurredAt), nullStr(e.Notes), string(data),
	)
	return err
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e maint.Event) error {
	return classify("append event", insertEvent(ctx, s.db, e))
}

func (s *sqliteStore) ListEventsByParent(ctx context.Context, parentID string, limit int) ([]maint.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, parent_id, type, occurred_at, notes, data FROM events
		 WHERE parent_id = ? ORDER BY occurred_at DESC, rowid DESC LIMIT ?`, parentID, limit)
	if err != nil {
		return nil, classify("list events", err)
	}
	defer rows.Close()
	var out []maint.Event
	for rows.Next() {
		var (
			e           maint.Event
			typ         string
			at          int64
			notes, data sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.ParentID, &typ, &at, &notes, &data); err != nil {
			return nil, classify("list events", err)
		}
		e.Type = maint.EventType(typ)
		e.OccurredAt = s.fromMS(at)
		e.Notes = notes.String
		if e.Data, err = maint.UnmarshalEventData(e.Type, []byte(data.String)); err != nil {
			s.log.Warn("event data undecodable", logx.String("event", e.ID), logx.Err(err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list events", err)
	}
	return out, nil
}

func (s *sqliteStore) CompleteSchedule(ctx context.Context, prevDue time.Time, sch maint.Schedule, e maint.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("complete schedule", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE schedules SET next_due = ?, updated_at = ? WHERE id = ? AND next_due = ?`,
		toMS(sch.NextDue), toMS(sch.UpdatedAt), sch.ID, toMS(prevDue))
	if err != nil {
		return classify("complete schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM schedules WHERE id = ?`, sch.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("schedule", sch.ID)
		}
		if err != nil {
			return classify("complete schedule", err)
		}
		return maint.Transient("complete schedule", ErrConflict)
	}
	if err := insertEvent(ctx, tx, e); err != nil {
		return classify("complete schedule", err)
	}
	return classify("complete schedule", tx.Commit())
}

func (s *sqliteStore) UpsertNotification(ctx context.Context, key maint.DispatchKey, n maint.Notification) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, owner_id, type, title, body, created_at, is_read, is_dismissed, expires_at, schedule_id, parent_id)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		key.String(), n.OwnerID, n.Type, n.Title, n.Body, toMS(n.CreatedAt), boolInt(n.Read), boolInt(n.Dismissed),
		toMS(n.ExpiresAt), n.Source.ScheduleID, n.Source.ParentID,
	)
	if err != nil {
		return false, classify("upsert notification", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("upsert notification", err)
	}
	return affected == 1, nil
}

func (s *sqliteStore) ListNotifications(ctx context.Context, ownerID string) ([]maint.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, type, title, body, created_at, is_read, is_dismissed, expires_at, schedule_id, parent_id
		 FROM notifications WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, classify("list notifications", err)
	}
	defer rows.Close()
	var out []maint.Notification
	for rows.Next() {
		var (
			n                maint.Notification
			created, expires int64
			read, dismissed  int
		)
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.Type, &n.Title, &n.Body, &created, &read, &dismissed,
			&expires, &n.Source.ScheduleID, &n.Source.ParentID); err != nil {
			return nil, classify("list notifications", err)
		}
		n.CreatedAt = s.fromMS(created)
		n.ExpiresAt = s.fromMS(expires)
		n.Read = read != 0
		n.Dismissed = dismissed != 0
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list notifications", err)
	}
	return out, nil
}

func (s *sqliteStore) MarkRead(ctx context.Context, ownerID, id string) error {
	return s.markNotification(ctx, "is_read", ownerID, id)
}

func (s *sqliteStore) MarkDismissed(ctx context.Context, ownerID, id string) error {
	return s.markNotification(ctx, "is_dismissed", ownerID, id)
}

func (s *sqliteStore) markNotification(ctx context.Context, col, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET `+col+` = 1 WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return classify("mark notification", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("notification", id)
	}
	return nil
}

func (s *sqliteStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE expires_at <= ?`, toMS(before))
	if err != nil {
		return 0, classify("purge notifications", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PutParent(ctx context.Context, p Parent) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO parents(id, owner_id, name) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name WHERE parents.owner_id = excluded.owner_id`,
		p.ID, p.OwnerID, strings.TrimSpace(p.Name))
	if err != nil {
		return classify("put parent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("parent", p.ID)
	}
	return nil
}

func (s *sqliteStore) ParentName(ctx context.Context, ownerID, parentID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM parents WHERE id = ? AND owner_id = ?`, parentID, ownerID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && name == "") {
		return "", notFound("parent", parentID)
	}
	if err != nil {
		return "", classify("parent name", err)
	}
	return name, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
