package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cfms/salary-budget/payroll"
)

// =============================================================================
// EMPLOYEE STORE
// =============================================================================

const employeeColumns = `id, name, grade, running_basic, city, govt_accommodation, house_hiring,
	frozen_relief, relief_auto_calculated, disparity, unit, expected_increase_pct, vacant`

// SaveEmployee inserts or updates an employee. Input validation (grade
// bounds) is the caller's job.
func (s *Store) SaveEmployee(ctx context.Context, emp payroll.Employee) error {
	query := `
		INSERT INTO employees (` + employeeColumns + `, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			grade = excluded.grade,
			running_basic = excluded.running_basic,
			city = excluded.city,
			govt_accommodation = excluded.govt_accommodation,
			house_hiring = excluded.house_hiring,
			frozen_relief = excluded.frozen_relief,
			relief_auto_calculated = excluded.relief_auto_calculated,
			disparity = excluded.disparity,
			unit = excluded.unit,
			expected_increase_pct = excluded.expected_increase_pct,
			vacant = excluded.vacant,
			updated_at = excluded.updated_at
	`

	var frozen sql.NullString
	if emp.FrozenRelief.Valid {
		frozen = sql.NullString{String: emp.FrozenRelief.Decimal.String(), Valid: true}
	}
	city := emp.City
	if city == "" {
		city = payroll.CityOther
	}

	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, query,
		emp.ID, emp.Name, emp.Grade, emp.RunningBasic.String(), string(city),
		emp.GovtAccommodation, emp.HouseHiring,
		frozen, emp.ReliefAutoCalculated, emp.Disparity.String(), emp.Unit,
		emp.ExpectedIncreasePct.String(), emp.Vacant,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

// GetEmployee retrieves an employee by ID.
func (s *Store) GetEmployee(ctx context.Context, id string) (payroll.Employee, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+employeeColumns+" FROM employees WHERE id = ?", id)
	emp, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.Employee{}, fmt.Errorf("%w: %s", payroll.ErrEmployeeNotFound, id)
	}
	return emp, err
}

// GetEmployees loads several employees, failing on the first unknown ID.
func (s *Store) GetEmployees(ctx context.Context, ids []string) (map[string]payroll.Employee, error) {
	out := make(map[string]payroll.Employee, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		emp, err := s.GetEmployee(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = emp
	}
	return out, nil
}

// ListEmployees returns all employees ordered by unit then name.
func (s *Store) ListEmployees(ctx context.Context) ([]payroll.Employee, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+employeeColumns+" FROM employees ORDER BY unit, name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []payroll.Employee
	for rows.Next() {
		emp, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		employees = append(employees, emp)
	}
	return employees, rows.Err()
}

// MarkReliefAutoCalculated persists the auto-calculated flag. Employees that
// already carry it are left untouched. Returns how many rows changed.
func (s *Store) MarkReliefAutoCalculated(ctx context.Context, ids []string) (int64, error) {
	var changed int64
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE employees SET relief_auto_calculated = TRUE, updated_at = ?
			 WHERE id = ? AND relief_auto_calculated = FALSE`,
			formatTime(time.Now()), id,
		)
		if err != nil {
			return changed, fmt.Errorf("failed to mark relief flag: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return changed, fmt.Errorf("failed to mark relief flag: %w", err)
		}
		changed += n
	}
	return changed, nil
}

func scanEmployee(row scanner) (payroll.Employee, error) {
	var (
		emp         payroll.Employee
		basic, city string
		disparity   string
		increasePct string
		frozen      sql.NullString
	)
	err := row.Scan(&emp.ID, &emp.Name, &emp.Grade, &basic, &city,
		&emp.GovtAccommodation, &emp.HouseHiring,
		&frozen, &emp.ReliefAutoCalculated, &disparity, &emp.Unit,
		&increasePct, &emp.Vacant,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return emp, err
		}
		return emp, fmt.Errorf("failed to scan employee: %w", err)
	}
	emp.RunningBasic = parseDecimal(basic)
	emp.City = payroll.CityCategory(city)
	emp.Disparity = parseDecimal(disparity)
	emp.ExpectedIncreasePct = parseDecimal(increasePct)
	if frozen.Valid {
		emp.FrozenRelief.Decimal = parseDecimal(frozen.String)
		emp.FrozenRelief.Valid = true
	}
	return emp, nil
}
