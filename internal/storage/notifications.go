package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bursar/internal/core"
)

const notificationColumns = `id, recipient_user_id, type, priority, title, body, link_type, link_id, is_read, read_at, email_state, created_at`

func (r *Repository) CreateNotification(ctx context.Context, n core.Notification) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_user_id, type, priority, title, body, link_type, link_id, is_read, read_at, email_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
		n.ID, n.RecipientUserID, string(n.Type), string(n.Priority), n.Title, n.Body,
		n.LinkType, n.LinkID, n.EmailState, fmtTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *Repository) GetNotification(ctx context.Context, id string) (core.Notification, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Notification{}, core.ErrNotFound
	}
	return n, err
}

func (r *Repository) ListNotifications(ctx context.Context, recipientUserID string, filter core.NotificationFilter) ([]core.Notification, error) {
	q := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_user_id = ?`
	args := []any{recipientUserID}
	if filter.UnreadOnly {
		q += ` AND is_read = 0`
	}
	if filter.Type != "" {
		q += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []core.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead is idempotent; re-reading an already read notification
// keeps the original read_at.
func (r *Repository) MarkNotificationRead(ctx context.Context, recipientUserID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = 1, read_at = ?
		WHERE id = ? AND recipient_user_id = ? AND is_read = 0`,
		fmtTime(time.Now()), id, recipientUserID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := r.db.QueryRowContext(ctx,
			`SELECT 1 FROM notifications WHERE id = ? AND recipient_user_id = ?`,
			id, recipientUserID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrNotFound
		}
		return err
	}
	return nil
}

func (r *Repository) UnreadCount(ctx context.Context, recipientUserID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_user_id = ? AND is_read = 0`,
		recipientUserID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (r *Repository) SetNotificationEmailState(ctx context.Context, id, state string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET email_state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("set email state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// RecordAlert claims a dedup key. The unique index is the whole mechanism:
// INSERT OR IGNORE reports one affected row exactly once per key, so the
// first caller wins and every later caller is told the alert already fired.
func (r *Repository) RecordAlert(ctx context.Context, kind, dedupKey string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO alert_log (dedup_key, kind, fired_at) VALUES (?, ?, ?)`,
		dedupKey, kind, fmtTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("record alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) AddAttendance(ctx context.Context, rec core.AttendanceRecord) (core.AttendanceRecord, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (student_id, date, status) VALUES (?, ?, ?)
		ON CONFLICT (student_id, date) DO UPDATE SET status = excluded.status`,
		rec.StudentID, fmtDay(rec.Date), string(rec.Status))
	if err != nil {
		return core.AttendanceRecord{}, fmt.Errorf("insert attendance: %w", err)
	}
	// The upsert path leaves LastInsertId unreliable; read the row back by key.
	row := r.db.QueryRowContext(ctx,
		`SELECT id FROM attendance WHERE student_id = ? AND date = ?`,
		rec.StudentID, fmtDay(rec.Date))
	if err := row.Scan(&rec.ID); err != nil {
		return core.AttendanceRecord{}, fmt.Errorf("read back attendance: %w", err)
	}
	return rec, nil
}

// ListAttendance returns a student's records newest first, which is the order
// the absence-streak walk consumes them in.
func (r *Repository) ListAttendance(ctx context.Context, studentID string, limit int) ([]core.AttendanceRecord, error) {
	q := `SELECT id, student_id, date, status FROM attendance WHERE student_id = ? ORDER BY date DESC`
	args := []any{studentID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	defer rows.Close()

	var out []core.AttendanceRecord
	for rows.Next() {
		var rec core.AttendanceRecord
		var day, status string
		if err := rows.Scan(&rec.ID, &rec.StudentID, &day, &status); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		if rec.Date, err = parseDay(day); err != nil {
			return nil, fmt.Errorf("parse attendance date: %w", err)
		}
		rec.Status = core.AttendanceStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListStudentsWithAttendanceOn returns the ids of students who have any
// attendance record on the given day. The absence check walks these instead
// of the whole roster.
func (r *Repository) ListStudentsWithAttendanceOn(ctx context.Context, day time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT student_id FROM attendance WHERE date = ? ORDER BY student_id`, fmtDay(day))
	if err != nil {
		return nil, fmt.Errorf("list students with attendance: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan student id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanNotification(row rowScanner) (core.Notification, error) {
	var n core.Notification
	var typ, priority, createdAt string
	var readAt sql.NullString

	err := row.Scan(&n.ID, &n.RecipientUserID, &typ, &priority, &n.Title, &n.Body,
		&n.LinkType, &n.LinkID, &n.IsRead, &readAt, &n.EmailState, &createdAt)
	if err != nil {
		return core.Notification{}, err
	}

	n.Type = core.NotificationType(typ)
	n.Priority = core.Priority(priority)
	if n.ReadAt, err = parseNullTime(readAt); err != nil {
		return core.Notification{}, fmt.Errorf("parse read_at: %w", err)
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Notification{}, fmt.Errorf("parse created_at: %w", err)
	}
	return n, nil
}
