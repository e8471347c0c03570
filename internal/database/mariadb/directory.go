package mariadb

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// DirectoryRecord is a row of the external membership directory.
type DirectoryRecord struct {
	ExternalID int64
	FullName   string
	Email      string
	Status     string
	PhotoURL   string
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ValidateTableName rejects names that cannot be safely interpolated into a query.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid directory table name %q", name)
	}
	return nil
}

// ListDirectory returns up to limit rows with id greater than afterID, ordered by id.
// Callers page through the table by passing the last ExternalID seen.
func (p *Pool) ListDirectory(ctx context.Context, table string, afterID int64, limit int) ([]DirectoryRecord, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, full_name, email, status, photo_url
		FROM %s
		WHERE id > ?
		ORDER BY id
		LIMIT ?
	`, "`"+table+"`")

	var records []DirectoryRecord
	err := p.readOnly(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, afterID, limit)
		if err != nil {
			return fmt.Errorf("query directory: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r DirectoryRecord
			var email, status, photoURL sql.NullString
			if err := rows.Scan(&r.ExternalID, &r.FullName, &email, &status, &photoURL); err != nil {
				return fmt.Errorf("scan directory row: %w", err)
			}
			r.Email = email.String
			r.Status = status.String
			r.PhotoURL = photoURL.String
			records = append(records, r)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate directory: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CountDirectory returns the number of rows in the directory table.
func (p *Pool) CountDirectory(ctx context.Context, table string) (int, error) {
	if err := ValidateTableName(table); err != nil {
		return 0, err
	}
	var count int
	err := p.readOnly(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM `"+table+"`").Scan(&count); err != nil {
			return fmt.Errorf("count directory: %w", err)
		}
		return nil
	})
	return count, err
}
