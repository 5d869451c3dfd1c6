package dialect

import "fmt"

// AgeMinutes returns the SQL expression for the age of a timestamp column in
// minutes, measured against a reference timestamp expression (typically a
// bound parameter carrying the caller's clock).
//
//	SQLite:   (julianday(ref) - julianday(col)) * 1440
//	Postgres: EXTRACT(EPOCH FROM (ref::timestamptz - col)) / 60
func AgeMinutes(driver, ref, col string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("EXTRACT(EPOCH FROM (%s::timestamptz - %s)) / 60", ref, col)
	}
	return fmt.Sprintf("(julianday(%s) - julianday(%s)) * 1440", ref, col)
}
