package database

import (
	"context"
	"errors"
)

var (
	postgresMemberWriter     func() MemberWriter
	postgresAttendanceWriter func() AttendanceWriter
	postgresOperatorStore    func() OperatorStore
	postgresSessionStore     func() SessionStore
	postgresInitialized      bool
)

var errNotInitialized = errors.New("PostgreSQL backend not initialized: DATABASE_URL is required")

// RegisterPostgresBackend registers PostgreSQL repository constructors.
// This is called by the postgres package to avoid import cycles.
func RegisterPostgresBackend(
	members func() MemberWriter,
	attendance func() AttendanceWriter,
	operators func() OperatorStore,
	sessions func() SessionStore,
) {
	postgresMemberWriter = members
	postgresAttendanceWriter = attendance
	postgresOperatorStore = operators
	postgresSessionStore = sessions
	postgresInitialized = true
}

// IsInitialized returns whether the PostgreSQL backend has been initialized.
func IsInitialized() bool {
	return postgresInitialized
}

// GetMemberWriter returns a MemberWriter from the PostgreSQL backend
func GetMemberWriter(ctx context.Context) (MemberWriter, error) {
	if !postgresInitialized {
		return nil, errNotInitialized
	}
	if postgresMemberWriter == nil {
		return nil, errors.New("PostgreSQL member writer not registered")
	}
	return postgresMemberWriter(), nil
}

// GetMemberReader returns a MemberReader from the PostgreSQL backend
func GetMemberReader(ctx context.Context) (MemberReader, error) {
	return GetMemberWriter(ctx)
}

// GetAttendanceWriter returns an AttendanceWriter from the PostgreSQL backend
func GetAttendanceWriter(ctx context.Context) (AttendanceWriter, error) {
	if !postgresInitialized {
		return nil, errNotInitialized
	}
	if postgresAttendanceWriter == nil {
		return nil, errors.New("PostgreSQL attendance writer not registered")
	}
	return postgresAttendanceWriter(), nil
}

// GetOperatorStore returns an OperatorStore from the PostgreSQL backend
func GetOperatorStore(ctx context.Context) (OperatorStore, error) {
	if !postgresInitialized {
		return nil, errNotInitialized
	}
	if postgresOperatorStore == nil {
		return nil, errors.New("PostgreSQL operator store not registered")
	}
	return postgresOperatorStore(), nil
}

// GetSessionStore returns a SessionStore from the PostgreSQL backend
func GetSessionStore(ctx context.Context) (SessionStore, error) {
	if !postgresInitialized {
		return nil, errNotInitialized
	}
	if postgresSessionStore == nil {
		return nil, errors.New("PostgreSQL session store not registered")
	}
	return postgresSessionStore(), nil
}
