package option

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"smallbiznis-commission/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a query before it is executed by a repository.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
	IN  Operator = "IN"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

var columnPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ApplyOperator adds WHERE conditions. Conditions with a malformed column or
// unknown operator are dropped rather than interpolated into SQL.
func ApplyOperator(conds ...Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		for _, c := range conds {
			if !columnPattern.MatchString(c.Field) {
				continue
			}
			switch c.Operator {
			case EQ, NEQ, GT, GTE, LT, LTE:
				db = db.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
			case IN:
				db = db.Where(fmt.Sprintf("%s IN ?", c.Field), c.Value)
			}
		}
		return db
	}
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := s.SortBy
		if column == "" {
			column = "created_at"
		}
		if s.Allow != nil && !s.Allow[column] {
			return db
		}
		if !columnPattern.MatchString(column) {
			return db
		}
		return db.Order(clause.OrderByColumn{
			Column: clause.Column{Name: column},
			Desc:   strings.EqualFold(s.OrderBy, "desc"),
		})
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}

// LockingUpdate is a gorm scope taking row locks (SELECT ... FOR UPDATE).
// Dialects without row locking, such as sqlite, drop the clause.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

// ApplyPagination applies a keyset page ordered by created_at DESC, id DESC.
// An undecodable cursor is ignored and the first page is returned.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		limit := pagination.PageSize(p.Limit)

		if p.Cursor != "" {
			if cursor, err := pagination.DecodeCursor(p.Cursor); err == nil && cursor.ID != "" {
				if at, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt); err == nil {
					db = db.Where("((created_at < ?) OR (created_at = ? AND id < ?))", at, at, cursor.ID)
				}
			}
		}

		// one extra row tells the caller whether another page exists
		return db.Order("created_at DESC").Order("id DESC").Limit(limit + 1)
	}
}
