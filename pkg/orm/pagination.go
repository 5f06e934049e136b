package orm

import "gorm.io/gorm"

const MaxPageSize = 200

// ApplyPagination applies 1-based page/limit to a query. Non-positive values leave the
// query unpaged; limit is capped at MaxPageSize.
func ApplyPagination(db *gorm.DB, page, limit int) *gorm.DB {
	if page > 0 && limit > 0 {
		if limit > MaxPageSize {
			limit = MaxPageSize
		}
		offset := (page - 1) * limit
		return db.Offset(offset).Limit(limit)
	}
	return db
}
