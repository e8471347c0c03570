package database

import (
	"context"
	"time"
)

// MemberReader provides read-only access to the member table
type MemberReader interface {
	// Get retrieves a member by ID, returns ErrNotFound if missing
	Get(ctx context.Context, id string) (*Member, error)
	// List returns members matching the filter ordered by name
	List(ctx context.Context, filter MemberFilter) ([]Member, error)
	// Count returns the number of members matching the filter (limit and offset ignored)
	Count(ctx context.Context, filter MemberFilter) (int, error)
	// FindByEmail returns the member with the given email in an organization, or nil
	FindByEmail(ctx context.Context, organizationID, email string) (*Member, error)
	// FindNearest returns members ordered by Euclidean distance to the descriptor
	FindNearest(ctx context.Context, organizationID string, descriptor []float32, limit int) ([]NearestMember, error)
}

// MemberWriter provides write access to the member table
type MemberWriter interface {
	MemberReader

	// Create inserts a member; an empty ID is assigned by the store
	Create(ctx context.Context, m *Member) error
	// Update replaces name, email, status, photo and descriptor
	Update(ctx context.Context, m *Member) error
	// SetStatus changes only the status
	SetStatus(ctx context.Context, id string, status MemberStatus) error
	// Delete removes a member and its attendance
	Delete(ctx context.Context, id string) error
}

// AttendanceWriter provides access to the attendance log
type AttendanceWriter interface {
	// Append stores a log entry. Returns false when (member, timestamp) already exists.
	Append(ctx context.Context, log *AttendanceLog) (bool, error)
	// List returns entries matching the filter, newest first
	List(ctx context.Context, filter AttendanceFilter) ([]AttendanceLog, error)
	// LastForMember returns the newest entry of a member, or nil
	LastForMember(ctx context.Context, memberID string) (*AttendanceLog, error)
	// CountSince returns the number of entries of an organization since t
	CountSince(ctx context.Context, organizationID string, t time.Time) (int, error)
}

// OperatorStore manages organizations and operator accounts
type OperatorStore interface {
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	CreateOperator(ctx context.Context, op *Operator) error
	// GetOperatorByEmail returns ErrNotFound if no operator has the email
	GetOperatorByEmail(ctx context.Context, email string) (*Operator, error)
}

// SessionStore persists operator sessions
type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	// Get returns nil when the session is missing or expired
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context) (int64, error)
}
