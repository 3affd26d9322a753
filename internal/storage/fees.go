package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bursar/internal/core"
)

func (r *Repository) CreateFeeStructure(ctx context.Context, fs core.FeeStructure) (core.FeeStructure, error) {
	now := time.Now().UTC()
	fs.CreatedAt = now
	fs.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO fee_structures (name, amount_cents, frequency, due_day, grace_period_days, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fs.Name, fs.Amount.Cents, string(fs.Frequency), fs.DueDay, fs.GracePeriodDays, fs.IsActive, fmtTime(now), fmtTime(now))
	if err != nil {
		return core.FeeStructure{}, fmt.Errorf("insert fee structure: %w", err)
	}
	fs.ID, err = res.LastInsertId()
	if err != nil {
		return core.FeeStructure{}, fmt.Errorf("fee structure id: %w", err)
	}
	return fs, nil
}

func (r *Repository) GetFeeStructure(ctx context.Context, id int64) (core.FeeStructure, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, amount_cents, frequency, due_day, grace_period_days, is_active, created_at, updated_at
		FROM fee_structures WHERE id = ?`, id)
	fs, err := scanFeeStructure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.FeeStructure{}, core.ErrStructureNotFound
	}
	return fs, err
}

func (r *Repository) ListFeeStructures(ctx context.Context, activeOnly bool) ([]core.FeeStructure, error) {
	q := `SELECT id, name, amount_cents, frequency, due_day, grace_period_days, is_active, created_at, updated_at
		FROM fee_structures`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list fee structures: %w", err)
	}
	defer rows.Close()

	var out []core.FeeStructure
	for rows.Next() {
		fs, err := scanFeeStructure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

// SetFeeStructureActive toggles the only mutable field of a referenced
// structure. Deletion is not offered anywhere: soft-disable only.
func (r *Repository) SetFeeStructureActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE fee_structures SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update fee structure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrStructureNotFound
	}
	return nil
}

// UpdateFeeStructure rewrites the billing fields of a structure that no
// invoice references yet. Once referenced, those fields are frozen and only
// SetFeeStructureActive may touch the row.
func (r *Repository) UpdateFeeStructure(ctx context.Context, fs core.FeeStructure) (core.FeeStructure, error) {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM invoices WHERE fee_structure_id = ? LIMIT 1`, fs.ID).Scan(&one)
		if err == nil {
			return core.ErrStructureInUse
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check structure invoices: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE fee_structures
			SET name = ?, amount_cents = ?, frequency = ?, due_day = ?, grace_period_days = ?, updated_at = ?
			WHERE id = ?`,
			fs.Name, fs.Amount.Cents, string(fs.Frequency), fs.DueDay, fs.GracePeriodDays,
			fmtTime(time.Now()), fs.ID)
		if err != nil {
			return fmt.Errorf("update fee structure: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return core.ErrStructureNotFound
		}
		return nil
	})
	if err != nil {
		return core.FeeStructure{}, err
	}
	return r.GetFeeStructure(ctx, fs.ID)
}

func (r *Repository) CreateAssignment(ctx context.Context, studentID string, feeStructureID int64) (core.FeeAssignment, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO fee_assignments (student_id, fee_structure_id, is_active, created_at)
		VALUES (?, ?, 1, ?)`,
		studentID, feeStructureID, fmtTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return core.FeeAssignment{}, core.ErrDuplicateAssign
		}
		return core.FeeAssignment{}, fmt.Errorf("insert fee assignment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.FeeAssignment{}, fmt.Errorf("fee assignment id: %w", err)
	}
	return core.FeeAssignment{ID: id, StudentID: studentID, FeeStructureID: feeStructureID, IsActive: true, CreatedAt: now}, nil
}

func (r *Repository) SetAssignmentActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE fee_assignments SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("update fee assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrAssignmentNotFound
	}
	return nil
}

// ListActiveAssignments returns assignments whose structure is also active;
// disabled structures stop billing without touching their assignments.
func (r *Repository) ListActiveAssignments(ctx context.Context) ([]core.FeeAssignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.student_id, a.fee_structure_id, a.is_active, a.created_at
		FROM fee_assignments a
		JOIN fee_structures s ON s.id = a.fee_structure_id
		WHERE a.is_active = 1 AND s.is_active = 1
		ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("list active assignments: %w", err)
	}
	defer rows.Close()

	var out []core.FeeAssignment
	for rows.Next() {
		var a core.FeeAssignment
		var createdAt string
		if err := rows.Scan(&a.ID, &a.StudentID, &a.FeeStructureID, &a.IsActive, &createdAt); err != nil {
			return nil, fmt.Errorf("scan fee assignment: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse assignment created_at: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) CreateStudent(ctx context.Context, s core.Student) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO students (id, name) VALUES (?, ?)`, s.ID, s.Name)
	if err != nil {
		return fmt.Errorf("insert student: %w", err)
	}
	return nil
}

func (r *Repository) CreateGuardian(ctx context.Context, g core.Guardian) (core.Guardian, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO guardians (student_id, user_id, name, email, phone)
		VALUES (?, ?, ?, ?, ?)`,
		g.StudentID, g.UserID, g.Name, g.Email, g.Phone)
	if err != nil {
		return core.Guardian{}, fmt.Errorf("insert guardian: %w", err)
	}
	g.ID, err = res.LastInsertId()
	if err != nil {
		return core.Guardian{}, fmt.Errorf("guardian id: %w", err)
	}
	return g, nil
}

// GuardiansForStudent resolves the fan-out targets for student-scoped alerts.
func (r *Repository) GuardiansForStudent(ctx context.Context, studentID string) ([]core.Guardian, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, user_id, name, email, phone
		FROM guardians WHERE student_id = ? ORDER BY id`, studentID)
	if err != nil {
		return nil, fmt.Errorf("list guardians: %w", err)
	}
	defer rows.Close()

	var out []core.Guardian
	for rows.Next() {
		var g core.Guardian
		if err := rows.Scan(&g.ID, &g.StudentID, &g.UserID, &g.Name, &g.Email, &g.Phone); err != nil {
			return nil, fmt.Errorf("scan guardian: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GuardianEmailByUserID is used by the email worker to resolve the delivery
// address for a notification's recipient.
func (r *Repository) GuardianEmailByUserID(ctx context.Context, userID string) (string, error) {
	var email string
	err := r.db.QueryRowContext(ctx,
		`SELECT email FROM guardians WHERE user_id = ? LIMIT 1`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("guardian email: %w", err)
	}
	return email, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeeStructure(row rowScanner) (core.FeeStructure, error) {
	var fs core.FeeStructure
	var freq, createdAt, updatedAt string
	err := row.Scan(&fs.ID, &fs.Name, &fs.Amount.Cents, &freq, &fs.DueDay, &fs.GracePeriodDays, &fs.IsActive, &createdAt, &updatedAt)
	if err != nil {
		return core.FeeStructure{}, err
	}
	fs.Frequency = core.Frequency(freq)
	if fs.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.FeeStructure{}, fmt.Errorf("parse created_at: %w", err)
	}
	if fs.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.FeeStructure{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return fs, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
