// Package sqlsafe holds the checks applied to model-generated SQL before it
// reaches the database.
package sqlsafe

import (
	"errors"
	"strings"
)

// ErrNotAllowed is the failure reported for statements that trip the keyword
// blocklist. Its text is part of the chat API payload.
var ErrNotAllowed = errors.New("this query type is not allowed")

// DisallowedKeywords is shared by the generator and the executor so both
// layers reject the same statements.
var DisallowedKeywords = []string{"DROP", "DELETE", "INSERT", "UPDATE", "TRUNCATE", "ALTER"}

// FindDisallowed returns the first blocklisted keyword contained in sql.
// Matching is a case-insensitive substring scan, so identifiers such as
// updated_at are rejected too.
func FindDisallowed(sql string) (string, bool) {
	upper := strings.ToUpper(sql)
	for _, keyword := range DisallowedKeywords {
		if strings.Contains(upper, keyword) {
			return keyword, true
		}
	}
	return "", false
}

// CheckStatement returns ErrNotAllowed when sql contains a blocklisted keyword.
func CheckStatement(sql string) error {
	if _, found := FindDisallowed(sql); found {
		return ErrNotAllowed
	}
	return nil
}
