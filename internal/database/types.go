package database

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("duplicate record")
)

// MemberStatus controls whether a recognized member is admitted.
type MemberStatus string

const (
	StatusAllowed MemberStatus = "Allowed"
	StatusBanned  MemberStatus = "Banned"
	StatusVIP     MemberStatus = "VIP"
)

// ParseMemberStatus parses a status case-insensitively. Empty input yields Allowed.
func ParseMemberStatus(s string) (MemberStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allowed":
		return StatusAllowed, nil
	case "banned":
		return StatusBanned, nil
	case "vip":
		return StatusVIP, nil
	}
	return "", errors.New("invalid member status: " + s)
}

// Member is a row of the remote member table.
type Member struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	Name           string       `json:"name"`
	Email          string       `json:"email,omitempty"`
	Status         MemberStatus `json:"status"`
	PhotoURL       string       `json:"photo_url,omitempty"`
	Descriptor     []float32    `json:"-"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// HasDescriptor reports whether the member can be matched by face.
func (m *Member) HasDescriptor() bool {
	return len(m.Descriptor) > 0
}

// MemberFilter narrows member listings. Zero values are ignored.
type MemberFilter struct {
	OrganizationID string
	Status         MemberStatus
	Email          string
	Name           string // case-insensitive substring
	Limit          int
	Offset         int
}

// NearestMember is a member returned by a descriptor search.
type NearestMember struct {
	Member   Member
	Distance float64
}

// Attendance sources.
const (
	SourceScan   = "scan"
	SourceManual = "manual"
)

// AttendanceLog is an append-only check-in record. The pair
// (MemberID, CheckedInAt) is unique.
type AttendanceLog struct {
	ID             int64     `json:"id"`
	OrganizationID string    `json:"organization_id"`
	MemberID       string    `json:"member_id"`
	CheckedInAt    time.Time `json:"checked_in_at"`
	Similarity     float64   `json:"similarity"`
	Source         string    `json:"source"`
}

// AttendanceFilter narrows attendance listings. Zero values are ignored.
type AttendanceFilter struct {
	OrganizationID string
	MemberID       string
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

// Organization owns members and operators.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Operator is a staff account that runs a kiosk or manages members.
type Operator struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Session is an authenticated operator session.
type Session struct {
	ID             string
	OperatorID     string
	OrganizationID string
	Email          string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}
