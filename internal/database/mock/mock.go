// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/descriptor"
	"github.com/kozaktomas/member-check/internal/facematch"
)

// MockMemberStore is a mock implementation of database.MemberWriter
type MockMemberStore struct {
	mu      sync.RWMutex
	members map[string]*database.Member

	// Error injection
	GetError         error
	ListError        error
	CountError       error
	FindByEmailError error
	FindNearestError error
	CreateError      error
	UpdateError      error
	SetStatusError   error
	DeleteError      error

	// ListHook runs at the start of List, outside the lock
	ListHook func()

	// Call counters
	CreateCalls int
}

// NewMockMemberStore creates a new mock member store
func NewMockMemberStore() *MockMemberStore {
	return &MockMemberStore{
		members: make(map[string]*database.Member),
	}
}

// AddMember adds a member to the mock store
func (m *MockMemberStore) AddMember(member database.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.ID] = &member
}

// Get retrieves a member by ID
func (m *MockMemberStore) Get(ctx context.Context, id string) (*database.Member, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *member
	return &cp, nil
}

func (m *MockMemberStore) filter(filter database.MemberFilter) []database.Member {
	name := facematch.NormalizeName(filter.Name)
	var out []database.Member
	for _, member := range m.members {
		if filter.OrganizationID != "" && member.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != "" && member.Status != filter.Status {
			continue
		}
		if filter.Email != "" && !strings.EqualFold(member.Email, filter.Email) {
			continue
		}
		if name != "" && !strings.Contains(facematch.NormalizeName(member.Name), name) {
			continue
		}
		out = append(out, *member)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// List returns members matching the filter
func (m *MockMemberStore) List(ctx context.Context, filter database.MemberFilter) ([]database.Member, error) {
	if m.ListHook != nil {
		m.ListHook()
	}
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filter(filter)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count returns the number of members matching the filter
func (m *MockMemberStore) Count(ctx context.Context, filter database.MemberFilter) (int, error) {
	if m.CountError != nil {
		return 0, m.CountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filter(filter)), nil
}

// FindByEmail returns the member with the given email, or nil
func (m *MockMemberStore) FindByEmail(ctx context.Context, organizationID, email string) (*database.Member, error) {
	if m.FindByEmailError != nil {
		return nil, m.FindByEmailError
	}
	if email == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, member := range m.members {
		if member.OrganizationID == organizationID && strings.EqualFold(member.Email, email) {
			cp := *member
			return &cp, nil
		}
	}
	return nil, nil
}

// FindNearest returns members ordered by Euclidean distance
func (m *MockMemberStore) FindNearest(ctx context.Context, organizationID string, desc []float32, limit int) ([]database.NearestMember, error) {
	if m.FindNearestError != nil {
		return nil, m.FindNearestError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []database.NearestMember
	for _, member := range m.members {
		if member.OrganizationID != organizationID || !member.HasDescriptor() {
			continue
		}
		out = append(out, database.NearestMember{
			Member:   *member,
			Distance: descriptor.EuclideanDistance(desc, member.Descriptor),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Create inserts a member
func (m *MockMemberStore) Create(ctx context.Context, member *database.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if m.CreateError != nil {
		return m.CreateError
	}
	if member.ID == "" {
		member.ID = uuid.NewString()
	}
	if _, exists := m.members[member.ID]; exists {
		return database.ErrDuplicate
	}
	now := time.Now()
	member.CreatedAt = now
	member.UpdatedAt = now
	cp := *member
	m.members[member.ID] = &cp
	return nil
}

// Update replaces a member
func (m *MockMemberStore) Update(ctx context.Context, member *database.Member) error {
	if m.UpdateError != nil {
		return m.UpdateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.members[member.ID]
	if !ok {
		return database.ErrNotFound
	}
	member.CreatedAt = existing.CreatedAt
	member.UpdatedAt = time.Now()
	cp := *member
	m.members[member.ID] = &cp
	return nil
}

// SetStatus changes a member's status
func (m *MockMemberStore) SetStatus(ctx context.Context, id string, status database.MemberStatus) error {
	if m.SetStatusError != nil {
		return m.SetStatusError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[id]
	if !ok {
		return database.ErrNotFound
	}
	member.Status = status
	member.UpdatedAt = time.Now()
	return nil
}

// Delete removes a member
func (m *MockMemberStore) Delete(ctx context.Context, id string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[id]; !ok {
		return database.ErrNotFound
	}
	delete(m.members, id)
	return nil
}

// MockAttendanceStore is a mock implementation of database.AttendanceWriter
type MockAttendanceStore struct {
	mu     sync.RWMutex
	logs   []database.AttendanceLog
	nextID int64

	// Error injection
	AppendError error
	ListError   error
	LastError   error
	CountError  error

	// AppendHook runs at the start of Append, outside the lock
	AppendHook func()
}

// NewMockAttendanceStore creates a new mock attendance store
func NewMockAttendanceStore() *MockAttendanceStore {
	return &MockAttendanceStore{}
}

// Append stores a log entry unless (member, timestamp) exists
func (m *MockAttendanceStore) Append(ctx context.Context, log *database.AttendanceLog) (bool, error) {
	if m.AppendHook != nil {
		m.AppendHook()
	}
	if m.AppendError != nil {
		return false, m.AppendError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.logs {
		if existing.MemberID == log.MemberID && existing.CheckedInAt.Equal(log.CheckedInAt) {
			return false, nil
		}
	}
	m.nextID++
	log.ID = m.nextID
	m.logs = append(m.logs, *log)
	return true, nil
}

// List returns entries matching the filter, newest first
func (m *MockAttendanceStore) List(ctx context.Context, filter database.AttendanceFilter) ([]database.AttendanceLog, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []database.AttendanceLog
	for _, l := range m.logs {
		if filter.OrganizationID != "" && l.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.MemberID != "" && l.MemberID != filter.MemberID {
			continue
		}
		if !filter.From.IsZero() && l.CheckedInAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !l.CheckedInAt.Before(filter.To) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckedInAt.After(out[j].CheckedInAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// LastForMember returns the newest entry of a member, or nil
func (m *MockAttendanceStore) LastForMember(ctx context.Context, memberID string) (*database.AttendanceLog, error) {
	if m.LastError != nil {
		return nil, m.LastError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *database.AttendanceLog
	for i := range m.logs {
		if m.logs[i].MemberID != memberID {
			continue
		}
		if last == nil || m.logs[i].CheckedInAt.After(last.CheckedInAt) {
			l := m.logs[i]
			last = &l
		}
	}
	return last, nil
}

// CountSince returns the number of entries since t
func (m *MockAttendanceStore) CountSince(ctx context.Context, organizationID string, t time.Time) (int, error) {
	if m.CountError != nil {
		return 0, m.CountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l := range m.logs {
		if l.OrganizationID == organizationID && !l.CheckedInAt.Before(t) {
			n++
		}
	}
	return n, nil
}

// Logs returns a copy of all stored entries
func (m *MockAttendanceStore) Logs() []database.AttendanceLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.AttendanceLog, len(m.logs))
	copy(out, m.logs)
	return out
}

// MockOperatorStore is a mock implementation of database.OperatorStore
type MockOperatorStore struct {
	mu            sync.RWMutex
	organizations map[string]*database.Organization
	operators     map[string]*database.Operator // by lowercase email

	CreateOrganizationError error
	CreateOperatorError     error
	GetOperatorError        error
}

// NewMockOperatorStore creates a new mock operator store
func NewMockOperatorStore() *MockOperatorStore {
	return &MockOperatorStore{
		organizations: make(map[string]*database.Organization),
		operators:     make(map[string]*database.Operator),
	}
}

// CreateOrganization stores an organization
func (m *MockOperatorStore) CreateOrganization(ctx context.Context, org *database.Organization) error {
	if m.CreateOrganizationError != nil {
		return m.CreateOrganizationError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	org.CreatedAt = time.Now()
	cp := *org
	m.organizations[org.ID] = &cp
	return nil
}

// GetOrganization returns an organization by ID
func (m *MockOperatorStore) GetOrganization(ctx context.Context, id string) (*database.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.organizations[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *org
	return &cp, nil
}

// CreateOperator stores an operator, rejecting duplicate emails
func (m *MockOperatorStore) CreateOperator(ctx context.Context, op *database.Operator) error {
	if m.CreateOperatorError != nil {
		return m.CreateOperatorError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(op.Email)
	if _, exists := m.operators[key]; exists {
		return fmt.Errorf("operator %s: %w", op.Email, database.ErrDuplicate)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.CreatedAt = time.Now()
	cp := *op
	m.operators[key] = &cp
	return nil
}

// GetOperatorByEmail returns an operator by email
func (m *MockOperatorStore) GetOperatorByEmail(ctx context.Context, email string) (*database.Operator, error) {
	if m.GetOperatorError != nil {
		return nil, m.GetOperatorError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operators[strings.ToLower(email)]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

// MockSessionStore is a mock implementation of database.SessionStore
type MockSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*database.Session

	SaveError error
	GetError  error
}

// NewMockSessionStore creates a new mock session store
func NewMockSessionStore() *MockSessionStore {
	return &MockSessionStore{sessions: make(map[string]*database.Session)}
}

// Save stores a session
func (m *MockSessionStore) Save(ctx context.Context, s *database.Session) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

// Get returns a session unless missing or expired
func (m *MockSessionStore) Get(ctx context.Context, id string) (*database.Session, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || time.Now().After(s.ExpiresAt) {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// Delete removes a session
func (m *MockSessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// DeleteExpired removes expired sessions
func (m *MockSessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if time.Now().After(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

var (
	_ database.MemberWriter     = (*MockMemberStore)(nil)
	_ database.AttendanceWriter = (*MockAttendanceStore)(nil)
	_ database.OperatorStore    = (*MockOperatorStore)(nil)
	_ database.SessionStore     = (*MockSessionStore)(nil)
)
