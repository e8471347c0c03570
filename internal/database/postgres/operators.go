package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/member-check/internal/database"
)

// OperatorRepository stores organizations and operator accounts.
type OperatorRepository struct {
	pool *Pool
}

// NewOperatorRepository creates a new PostgreSQL operator repository.
func NewOperatorRepository(pool *Pool) *OperatorRepository {
	return &OperatorRepository{pool: pool}
}

// CreateOrganization inserts an organization, assigning a UUID when ID is empty.
func (r *OperatorRepository) CreateOrganization(ctx context.Context, org *database.Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	org.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`,
		org.ID, org.Name, org.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert organization: %w", translateError(err))
	}
	return nil
}

// GetOrganization returns an organization by ID.
func (r *OperatorRepository) GetOrganization(ctx context.Context, id string) (*database.Organization, error) {
	var org database.Organization
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM organizations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}

// CreateOperator inserts an operator. Emails are unique case-insensitively.
func (r *OperatorRepository) CreateOperator(ctx context.Context, op *database.Operator) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO operators (id, organization_id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, op.ID, op.OrganizationID, op.Email, op.PasswordHash, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert operator: %w", translateError(err))
	}
	return nil
}

// GetOperatorByEmail returns the operator with the given email.
func (r *OperatorRepository) GetOperatorByEmail(ctx context.Context, email string) (*database.Operator, error) {
	var op database.Operator
	err := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, email, password_hash, created_at
		FROM operators
		WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&op.ID, &op.OrganizationID, &op.Email, &op.PasswordHash, &op.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operator: %w", err)
	}
	return &op, nil
}

var _ database.OperatorStore = (*OperatorRepository)(nil)
