package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bursar/internal/core"
)

const fineColumns = `id, student_id, fine_type, amount_cents, status, issued_at, paid_at, waive_reason, attendance_record_id, created_at`

func (r *Repository) CreateFine(ctx context.Context, f core.Fine) (core.Fine, error) {
	now := time.Now().UTC()
	f.CreatedAt = now
	f.Status = core.FinePending

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO fines (student_id, fine_type, amount_cents, status, issued_at, attendance_record_id, created_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?)`,
		f.StudentID, f.Type, f.Amount.Cents, fmtTime(f.IssuedAt), f.AttendanceRecordID, fmtTime(now))
	if err != nil {
		return core.Fine{}, fmt.Errorf("insert fine: %w", err)
	}
	f.ID, err = res.LastInsertId()
	if err != nil {
		return core.Fine{}, fmt.Errorf("fine id: %w", err)
	}
	return f, nil
}

func (r *Repository) GetFine(ctx context.Context, id int64) (core.Fine, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+fineColumns+` FROM fines WHERE id = ?`, id)
	f, err := scanFine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Fine{}, core.ErrFineNotFound
	}
	return f, err
}

// ResolveFine moves a pending fine to paid or waived. The conditional update
// is the guard: zero rows affected on an existing fine means it was already
// resolved, concurrently or earlier.
func (r *Repository) ResolveFine(ctx context.Context, id int64, status core.FineStatus, paidAt *time.Time, waiveReason string) (core.Fine, error) {
	if status != core.FinePaid && status != core.FineWaived {
		return core.Fine{}, fmt.Errorf("resolve fine: invalid target status %q", status)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE fines SET status = ?, paid_at = ?, waive_reason = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), fmtNullTime(paidAt), waiveReason, id)
	if err != nil {
		return core.Fine{}, fmt.Errorf("resolve fine: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Fine{}, err
	}
	if n == 0 {
		if _, err := r.GetFine(ctx, id); err != nil {
			return core.Fine{}, err
		}
		return core.Fine{}, core.ErrFineResolved
	}
	return r.GetFine(ctx, id)
}

func (r *Repository) ListFinesByStudent(ctx context.Context, studentID string) ([]core.Fine, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+fineColumns+` FROM fines WHERE student_id = ? ORDER BY id DESC`, studentID)
	if err != nil {
		return nil, fmt.Errorf("list fines: %w", err)
	}
	defer rows.Close()

	var out []core.Fine
	for rows.Next() {
		f, err := scanFine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fine: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FineExistsForAttendance prevents the attendance-fine rule from issuing a
// second fine off the same attendance record.
func (r *Repository) FineExistsForAttendance(ctx context.Context, attendanceRecordID int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM fines WHERE attendance_record_id = ? LIMIT 1`, attendanceRecordID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check attendance fine: %w", err)
	}
	return true, nil
}

func scanFine(row rowScanner) (core.Fine, error) {
	var f core.Fine
	var status, issuedAt, createdAt string
	var paidAt sql.NullString
	var attendanceID sql.NullInt64

	err := row.Scan(&f.ID, &f.StudentID, &f.Type, &f.Amount.Cents, &status, &issuedAt, &paidAt, &f.WaiveReason, &attendanceID, &createdAt)
	if err != nil {
		return core.Fine{}, err
	}

	f.Status = core.FineStatus(status)
	if f.IssuedAt, err = parseTime(issuedAt); err != nil {
		return core.Fine{}, fmt.Errorf("parse issued_at: %w", err)
	}
	if f.PaidAt, err = parseNullTime(paidAt); err != nil {
		return core.Fine{}, fmt.Errorf("parse paid_at: %w", err)
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Fine{}, fmt.Errorf("parse created_at: %w", err)
	}
	if attendanceID.Valid {
		f.AttendanceRecordID = &attendanceID.Int64
	}
	return f, nil
}
