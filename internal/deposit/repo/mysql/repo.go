package mysql

import (
	"context"
	"errors"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"abepay.com/internal/deposit/domain"
)

type txKey struct{}

// Repo is the gorm-backed domain.Store.
type Repo struct {
	db *gorm.DB
}

var _ domain.Store = (*Repo)(nil)

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

// Migrate creates or updates the three tables.
func (r *Repo) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&depositRow{}, &auditRow{}, &orphanRow{})
}

func (r *Repo) Transaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	return r.getDb(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, txKey{}, tx)
		return fn(txCtx)
	})
}

func (r *Repo) getDb(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return r.db.WithContext(ctx)
}

// mysql error 1062: duplicate entry
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysqldriver.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
