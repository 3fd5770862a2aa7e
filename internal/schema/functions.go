package schema

import (
	"database/sql/driver"
	"strings"

	"modernc.org/sqlite"
)

// UnicodeLower is the SQL name of a lower() that folds non-ASCII letters the
// way strings.ToLower does. SQLite's built-in lower() only folds ASCII.
const UnicodeLower = "unicode_lower"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(UnicodeLower, 1, unicodeLower)
}

func unicodeLower(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}
