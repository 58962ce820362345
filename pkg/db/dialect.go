package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/voyagecrm/affiliate/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case "mysql":
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBName,
		)), nil
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)), nil
	case "sqlite":
		return sqlite.Open(cfg.DBName), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.DBType)
	}
}

// LockSuffix returns the row-lock clause for raw claim queries. SQLite has no
// row locks, so claim queries fall back to plain reads there (single process).
func LockSuffix(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "sqlite":
		return ""
	default:
		return "FOR UPDATE SKIP LOCKED"
	}
}

// ForUpdate applies an exclusive row lock where the dialect supports one.
// SQLite serializes writers at the file level, so the clause is omitted there.
func ForUpdate(stmt *gorm.DB) *gorm.DB {
	if stmt.Dialector.Name() == "sqlite" {
		return stmt
	}
	return stmt.Clauses(clause.Locking{Strength: "UPDATE"})
}
