package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kozaktomas/member-check/internal/database"
)

// AttendanceRepository provides PostgreSQL-backed attendance storage.
type AttendanceRepository struct {
	pool *Pool
}

// NewAttendanceRepository creates a new PostgreSQL attendance repository.
func NewAttendanceRepository(pool *Pool) *AttendanceRepository {
	return &AttendanceRepository{pool: pool}
}

// Append stores a log entry. Re-sending the same (member, timestamp) is a no-op
// so a sync retried after a lost response does not double count.
func (r *AttendanceRepository) Append(ctx context.Context, log *database.AttendanceLog) (bool, error) {
	if log.Source == "" {
		log.Source = database.SourceScan
	}
	query := `
		INSERT INTO attendance_logs (organization_id, member_id, checked_in_at, similarity, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (member_id, checked_in_at) DO NOTHING
		RETURNING id
	`
	err := r.pool.QueryRow(ctx, query,
		log.OrganizationID, log.MemberID, log.CheckedInAt.UTC(), log.Similarity, log.Source,
	).Scan(&log.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert attendance: %w", translateError(err))
	}
	return true, nil
}

// List returns entries matching the filter, newest first.
func (r *AttendanceRepository) List(ctx context.Context, filter database.AttendanceFilter) ([]database.AttendanceLog, error) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.MemberID != "" {
		add("member_id = $%d", filter.MemberID)
	}
	if !filter.From.IsZero() {
		add("checked_in_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("checked_in_at < $%d", filter.To.UTC())
	}

	query := `SELECT id, organization_id, member_id, checked_in_at, similarity, source FROM attendance_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY checked_in_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var logs []database.AttendanceLog
	for rows.Next() {
		l, err := scanAttendanceRow(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendance: %w", err)
	}
	return logs, nil
}

// LastForMember returns the newest entry of a member, or nil.
func (r *AttendanceRepository) LastForMember(ctx context.Context, memberID string) (*database.AttendanceLog, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, member_id, checked_in_at, similarity, source
		FROM attendance_logs
		WHERE member_id = $1
		ORDER BY checked_in_at DESC
		LIMIT 1
	`, memberID)
	l, err := scanAttendanceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CountSince returns the number of entries of an organization since t.
func (r *AttendanceRepository) CountSince(ctx context.Context, organizationID string, t time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attendance_logs WHERE organization_id = $1 AND checked_in_at >= $2`,
		organizationID, t.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count attendance: %w", err)
	}
	return count, nil
}

func scanAttendanceRow(scanner interface{ Scan(...any) error }) (database.AttendanceLog, error) {
	var l database.AttendanceLog
	err := scanner.Scan(&l.ID, &l.OrganizationID, &l.MemberID, &l.CheckedInAt, &l.Similarity, &l.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return l, err
	}
	if err != nil {
		return l, fmt.Errorf("scan attendance: %w", err)
	}
	return l, nil
}

var _ database.AttendanceWriter = (*AttendanceRepository)(nil)
