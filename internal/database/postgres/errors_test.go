package postgres

import (
	"errors"
	"testing"

	"github.com/lib/pq"

	"github.com/kozaktomas/member-check/internal/database"
)

func TestTranslateError(t *testing.T) {
	plain := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pq.Error{Code: uniqueViolation, Constraint: "members_email_key"}, database.ErrDuplicate},
		{"foreign key violation", &pq.Error{Code: foreignKeyViolation, Constraint: "attendance_logs_member_id_fkey"}, database.ErrNotFound},
		{"other pq error", &pq.Error{Code: "57014"}, nil},
		{"non pq error", plain, plain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.err)
			if tt.want == nil {
				if errors.Is(got, database.ErrDuplicate) || errors.Is(got, database.ErrNotFound) {
					t.Errorf("expected untranslated error, got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
