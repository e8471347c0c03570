package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/facematch"
)

// MemberRepository provides PostgreSQL-backed member storage.
type MemberRepository struct {
	pool *Pool
}

// NewMemberRepository creates a new PostgreSQL member repository.
func NewMemberRepository(pool *Pool) *MemberRepository {
	return &MemberRepository{pool: pool}
}

const memberColumns = `id, organization_id, name, email, status, photo_url, descriptor, created_at, updated_at`

// Get retrieves a member by ID.
func (r *MemberRepository) Get(ctx context.Context, id string) (*database.Member, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	m, err := scanMemberRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// buildMemberWhere renders the WHERE clause for a filter starting at placeholder $1.
func buildMemberWhere(filter database.MemberFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Email != "" {
		add("LOWER(email) = LOWER($%d)", filter.Email)
	}
	if name := facematch.NormalizeName(filter.Name); name != "" {
		// Matches facematch.NormalizeName: lowercase, no diacritics, dashes to spaces.
		add("LOWER(REPLACE(unaccent(name), '-', ' ')) LIKE '%%' || $%d || '%%'", name)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns members matching the filter ordered by name.
func (r *MemberRepository) List(ctx context.Context, filter database.MemberFilter) ([]database.Member, error) {
	where, args := buildMemberWhere(filter)
	query := `SELECT ` + memberColumns + ` FROM members` + where + ` ORDER BY name, id`
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
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	return scanMembers(rows)
}

// Count returns the number of members matching the filter.
func (r *MemberRepository) Count(ctx context.Context, filter database.MemberFilter) (int, error) {
	where, args := buildMemberWhere(filter)
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM members`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

// FindByEmail returns the member with the given email in an organization, or nil.
func (r *MemberRepository) FindByEmail(ctx context.Context, organizationID, email string) (*database.Member, error) {
	if email == "" {
		return nil, nil
	}
	row := r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE organization_id = $1 AND LOWER(email) = LOWER($2)`,
		organizationID, email)
	m, err := scanMemberRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindNearest returns members ordered by L2 distance to the descriptor.
func (r *MemberRepository) FindNearest(
	ctx context.Context, organizationID string, descriptor []float32, limit int,
) ([]database.NearestMember, error) {
	tx, err := r.pool.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", database.HNSWEfSearch)); err != nil {
		return nil, fmt.Errorf("set ef_search: %w", err)
	}

	query := `
		SELECT ` + memberColumns + `, descriptor <-> $2::vector AS distance
		FROM members
		WHERE organization_id = $1 AND descriptor IS NOT NULL
		ORDER BY descriptor <-> $2::vector
		LIMIT $3
	`

	rows, err := tx.QueryContext(ctx, query, organizationID, pgvector.NewVector(descriptor), limit)
	if err != nil {
		return nil, fmt.Errorf("query nearest members: %w", err)
	}
	defer rows.Close()

	var out []database.NearestMember
	for rows.Next() {
		var dist float64
		m, err := scanMemberRow(rows, &dist)
		if err != nil {
			return nil, err
		}
		out = append(out, database.NearestMember{Member: m, Distance: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest members: %w", err)
	}
	return out, nil
}

// Create inserts a member, assigning a UUID when ID is empty.
func (r *MemberRepository) Create(ctx context.Context, m *database.Member) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = database.StatusAllowed
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	query := `
		INSERT INTO members (id, organization_id, name, email, status, photo_url, descriptor, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.pool.Exec(ctx, query,
		m.ID, m.OrganizationID, m.Name, nullString(m.Email), string(m.Status),
		nullString(m.PhotoURL), nullVector(m.Descriptor), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert member: %w", translateError(err))
	}
	return nil
}

// Update replaces name, email, status, photo and descriptor.
func (r *MemberRepository) Update(ctx context.Context, m *database.Member) error {
	m.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE members
		SET name = $2, email = $3, status = $4, photo_url = $5, descriptor = $6, updated_at = $7
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		m.ID, m.Name, nullString(m.Email), string(m.Status),
		nullString(m.PhotoURL), nullVector(m.Descriptor), m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update member: %w", translateError(err))
	}
	return requireOneRow(result)
}

// SetStatus changes only the status.
func (r *MemberRepository) SetStatus(ctx context.Context, id string, status database.MemberStatus) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE members SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update member status: %w", err)
	}
	return requireOneRow(result)
}

// Delete removes a member; attendance rows cascade.
func (r *MemberRepository) Delete(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return requireOneRow(result)
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return database.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullVector returns nil for an empty descriptor so the column stays NULL.
func nullVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

// scanMemberRow scans a single row into a Member, with optional extra scan destinations
// appended after the member columns (e.g., a distance column).
func scanMemberRow(scanner interface{ Scan(...any) error }, extraDest ...any) (database.Member, error) {
	var m database.Member
	var email, photoURL sql.NullString
	var status string
	var vec sql.Null[pgvector.Vector]

	dest := make([]any, 0, 9+len(extraDest))
	dest = append(dest,
		&m.ID,
		&m.OrganizationID,
		&m.Name,
		&email,
		&status,
		&photoURL,
		&vec,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	dest = append(dest, extraDest...)

	if err := scanner.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan member: %w", err)
	}

	m.Email = email.String
	m.PhotoURL = photoURL.String
	m.Status = database.MemberStatus(status)
	if vec.Valid {
		m.Descriptor = vec.V.Slice()
	}
	return m, nil
}

func scanMembers(rows *sql.Rows) ([]database.Member, error) {
	var members []database.Member
	for rows.Next() {
		m, err := scanMemberRow(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

var _ database.MemberWriter = (*MemberRepository)(nil)
