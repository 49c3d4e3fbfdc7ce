package db

import (
	"fmt"

	"gorm.io/gorm"
)

// Dialect identifiers supported by the database layer.
const (
	// DialectPostgres is the PostgreSQL dialect name.
	DialectPostgres = "postgres"
	// DialectSQLite is the SQLite dialect name.
	DialectSQLite = "sqlite"
)

// DialectName returns the active database dialect name.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

// IsSQLite reports whether the connection uses SQLite.
func IsSQLite(conn *gorm.DB) bool {
	return DialectName(conn) == DialectSQLite
}

// SameUTCMonthExpr returns a SQL predicate that is true when the given
// timestamp column falls in the current UTC calendar month. Used by the
// ledger so the monthly-usage reset stays a single conditional statement.
func SameUTCMonthExpr(conn *gorm.DB, column string) string {
	if IsSQLite(conn) {
		return fmt.Sprintf("strftime('%%Y-%%m', %s) = strftime('%%Y-%%m', 'now')", column)
	}
	return fmt.Sprintf("date_trunc('month', %s AT TIME ZONE 'UTC') = date_trunc('month', now() AT TIME ZONE 'UTC')", column)
}

// NowExpr returns a SQL expression for the current database time.
// Lock comparisons use the database clock so they tolerate skew between
// gateway instances.
func NowExpr(conn *gorm.DB) string {
	if IsSQLite(conn) {
		return "datetime('now')"
	}
	return "now()"
}

// NowPlusSecondsExpr returns a SQL expression for the database time plus
// the given number of seconds.
func NowPlusSecondsExpr(conn *gorm.DB, seconds int) string {
	if IsSQLite(conn) {
		return fmt.Sprintf("datetime('now', '+%d seconds')", seconds)
	}
	return fmt.Sprintf("now() + interval '%d seconds'", seconds)
}
