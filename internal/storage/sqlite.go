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

	_ "modernc.org/sqlite"

	logx "assistbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// Single writer: SQLite serializes writes anyway, and one connection
	// avoids SQLITE_BUSY under concurrent tick work.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// Reminders must survive a crash between write and delivery.
	_, _ = db.Exec("PRAGMA synchronous = FULL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
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

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// wrapErr maps driver errors to the package taxonomy: constraint
// violations become ErrConflict, everything else ErrUnavailable.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, chat_id, username, first_name, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   chat_id=excluded.chat_id,
		   username=excluded.username,
		   first_name=excluded.first_name`,
		u.ID, u.ChatID, u.Username, u.FirstName, ms(u.CreatedAt),
	)
	return wrapErr(err)
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, username, first_name, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.ChatID, &u.Username, &u.FirstName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, wrapErr(err)
	}
	u.CreatedAt = fromMS(created)
	return u, nil
}

func (s *sqliteStore) AddTask(ctx context.Context, userID int64, text string, now time.Time) (Task, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(user_id, text, done, created_at) VALUES(?,?,0,?)`,
		userID, text, ms(now),
	)
	if err != nil {
		return Task{}, wrapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, wrapErr(err)
	}
	return Task{ID: id, UserID: userID, Text: text, CreatedAt: fromMS(ms(now))}, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, userID int64, includeDone bool) ([]Task, error) {
	q := `SELECT id, user_id, text, done, created_at, done_at FROM tasks WHERE user_id = ?`
	if !includeDone {
		q += ` AND done = 0`
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var done int
		var created int64
		var doneAt sql.NullInt64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Text, &done, &created, &doneAt); err != nil {
			return nil, wrapErr(err)
		}
		t.Done = done != 0
		t.CreatedAt = fromMS(created)
		if doneAt.Valid {
			t.DoneAt = fromMS(doneAt.Int64)
		}
		out = append(out, t)
	}
	return out, wrapErr(rows.Err())
}

func (s *sqliteStore) CompleteTask(ctx context.Context, userID, taskID int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET done = 1, done_at = ? WHERE id = ? AND user_id = ? AND done = 0`,
		ms(now), taskID, userID,
	)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish "missing" from "already done".
		var done int
		err := s.db.QueryRowContext(ctx,
			`SELECT done FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID,
		).Scan(&done)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

func (s *sqliteStore) PutReminder(ctx context.Context, r Reminder) (Reminder, error) {
	if r.State == "" {
		r.State = ReminderPending
	}
	if r.State != ReminderPending {
		return Reminder{}, fmt.Errorf("%w: new reminder must be pending", ErrConflict)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(user_id, text, fire_at, state, created_at) VALUES(?,?,?,?,?)`,
		r.UserID, r.Text, ms(r.FireAt), string(r.State), ms(r.CreatedAt),
	)
	if err != nil {
		return Reminder{}, wrapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Reminder{}, wrapErr(err)
	}
	r.ID = id
	r.FireAt = fromMS(ms(r.FireAt))
	r.CreatedAt = fromMS(ms(r.CreatedAt))
	return r, nil
}

func scanReminder(sc interface{ Scan(...any) error }) (Reminder, error) {
	var r Reminder
	var st string
	var fireAt, created int64
	var firedAt sql.NullInt64
	if err := sc.Scan(&r.ID, &r.UserID, &r.Text, &fireAt, &st, &created, &firedAt); err != nil {
		return Reminder{}, err
	}
	r.State = ReminderState(st)
	r.FireAt = fromMS(fireAt)
	r.CreatedAt = fromMS(created)
	if firedAt.Valid {
		r.FiredAt = fromMS(firedAt.Int64)
	}
	return r, nil
}

const reminderCols = `id, user_id, text, fire_at, state, created_at, fired_at`

func (s *sqliteStore) GetReminder(ctx context.Context, id int64) (Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, wrapErr(err)
	}
	return r, nil
}

func (s *sqliteStore) listReminders(ctx context.Context, q string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, r)
	}
	return out, wrapErr(rows.Err())
}

func (s *sqliteStore) ListReminders(ctx context.Context, userID int64) ([]Reminder, error) {
	return s.listReminders(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE user_id = ? ORDER BY fire_at, id`, userID)
}

func (s *sqliteStore) ListRemindersByState(ctx context.Context, st ReminderState) ([]Reminder, error) {
	return s.listReminders(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE state = ? ORDER BY fire_at, id`, string(st))
}

func (s *sqliteStore) UpdateReminderState(ctx context.Context, id int64, from, to ReminderState, now time.Time) error {
	var firedAt any
	if to == ReminderFired {
		firedAt = ms(now)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET state = ?, fired_at = COALESCE(?, fired_at)
		 WHERE id = ? AND state = ?`,
		string(to), firedAt, id, string(from),
	)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var cur string
		err := s.db.QueryRowContext(ctx, `SELECT state FROM reminders WHERE id = ?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return wrapErr(err)
		}
		return fmt.Errorf("%w: reminder %d is %s, not %s", ErrConflict, id, cur, from)
	}
	return nil
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) PruneReminders(ctx context.Context, userID int64, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE user_id = ? AND state != 'pending' AND id NOT IN (
		   SELECT id FROM reminders WHERE user_id = ? AND state != 'pending'
		   ORDER BY fire_at DESC, id DESC LIMIT ?
		 )`,
		userID, userID, keep,
	)
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) AddSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if sub.Interval <= 0 {
		sub.Interval = 15 * time.Minute
	}
	if sub.AddedAt.IsZero() {
		sub.AddedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(user_id, url, title, interval_ms, added_at) VALUES(?,?,?,?,?)`,
		sub.UserID, sub.URL, sub.Title, sub.Interval.Milliseconds(), ms(sub.AddedAt),
	)
	if err != nil {
		return Subscription{}, wrapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Subscription{}, wrapErr(err)
	}
	sub.ID = id
	sub.AddedAt = fromMS(ms(sub.AddedAt))
	sub.LastPolledAt = time.Time{}
	sub.LastStatus = ""
	return sub, nil
}

func (s *sqliteStore) listSubscriptions(ctx context.Context, q string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var intervalMS, added, polled int64
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Title, &intervalMS, &added, &polled, &sub.LastStatus); err != nil {
			return nil, wrapErr(err)
		}
		sub.Interval = time.Duration(intervalMS) * time.Millisecond
		sub.AddedAt = fromMS(added)
		sub.LastPolledAt = fromMS(polled)
		out = append(out, sub)
	}
	return out, wrapErr(rows.Err())
}

const subscriptionCols = `id, user_id, url, title, interval_ms, added_at, last_polled_at, last_status`

func (s *sqliteStore) ListSubscriptions(ctx context.Context, userID int64) ([]Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE user_id = ? ORDER BY id`, userID)
}

func (s *sqliteStore) AllSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions ORDER BY id`)
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, userID, subID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE id = ? AND user_id = ?`, subID, userID)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	// Markers for a removed subscription are garbage; drop them now.
	_, _ = s.db.ExecContext(ctx, `DELETE FROM seen_items WHERE subscription_id = ?`, subID)
	return nil
}

func (s *sqliteStore) MarkPolled(ctx context.Context, subID int64, at time.Time, status string) error {
	// MAX keeps the watermark monotonic if ticks complete out of order.
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_polled_at = MAX(last_polled_at, ?), last_status = ? WHERE id = ?`,
		ms(at), status, subID,
	)
	return wrapErr(err)
}

func (s *sqliteStore) InsertSeen(ctx context.Context, subID int64, fingerprint string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_items(subscription_id, fingerprint, seen_at) VALUES(?,?,?)`,
		subID, fingerprint, ms(at),
	)
	if err != nil {
		return false, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) HasSeen(ctx context.Context, subID int64, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_items WHERE subscription_id = ? AND fingerprint = ?`,
		subID, fingerprint,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr(err)
	}
	return true, nil
}

func (s *sqliteStore) PruneSeen(ctx context.Context, subID int64, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_items WHERE subscription_id = ? AND fingerprint NOT IN (
		   SELECT fingerprint FROM seen_items WHERE subscription_id = ?
		   ORDER BY seen_at DESC, fingerprint DESC LIMIT ?
		 )`,
		subID, subID, keep,
	)
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
