package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/port"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// page clamps limit and offset for list queries.
func page(limit, offset, max int) (int, int) {
	if limit <= 0 || limit > max {
		limit = max
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func validateEmbedding(e *domain.Embedding, dimension int) error {
	if dimension > 0 && len(e.Vector) != dimension {
		return fmt.Errorf("%w: vector has %d dimensions, expected %d", port.ErrDimensionMismatch, len(e.Vector), dimension)
	}
	if err := e.Validate(dimension); err != nil {
		return fmt.Errorf("%w: %v", port.ErrInvalidInput, err)
	}
	return nil
}
