// Package option provides composable gorm query modifiers.
package option

import (
	"strconv"
	"strings"
	"time"

	"github.com/gitulabs/governor/pkg/db/pagination"
	"gorm.io/gorm"
)

type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type queryOptionFunc func(*gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination applies cursor pagination: rows strictly older than the
// cursor, over-fetching one row so callers can detect a next page.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		pageSize := p.PageSize
		if pageSize <= 0 {
			pageSize = 50
		}

		if token := strings.TrimSpace(p.PageToken); token != "" {
			cursor, err := pagination.DecodeCursor(token)
			if err == nil && cursor != nil && cursor.CreatedAt != "" {
				// Bind typed values, not the raw strings, so the
				// comparison behaves the same on every dialect.
				if createdAt, parseErr := time.Parse(time.RFC3339Nano, cursor.CreatedAt); parseErr == nil {
					if id, idErr := strconv.ParseInt(cursor.ID, 10, 64); idErr == nil {
						db = db.Where(
							"(created_at < ?) OR (created_at = ? AND id < ?)",
							createdAt, createdAt, id,
						)
					} else {
						db = db.Where("created_at < ?", createdAt)
					}
				}
			}
		}

		return db.Limit(pageSize + 1)
	})
}

// QuerySortBy restricts sortable columns to an allow-list.
type QuerySortBy struct {
	Allow map[string]bool
	Field string
	Desc  bool
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		field := strings.TrimSpace(sort.Field)
		if field == "" || !sort.Allow[field] {
			field = "created_at"
		}
		direction := "ASC"
		if sort.Desc || field == "created_at" {
			direction = "DESC"
		}
		return db.Order(field + " " + direction + ", id DESC")
	})
}

// WithLimit caps the result set size.
func WithLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}
