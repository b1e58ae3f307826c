package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var tableComponentPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// BuildPagePath is the archive key of the page fetched at offset:
// <table>/date=YYYY-MM-DD/page-<offset>.parquet, dated in UTC.
func BuildPagePath(table string, fetchedAt time.Time, offset int) (string, error) {
	if !tableComponentPattern.MatchString(table) {
		return "", fmt.Errorf("invalid table name: %q", table)
	}
	if offset < 0 {
		return "", fmt.Errorf("offset must be >= 0")
	}
	ts := fetchedAt.UTC()
	return path.Join(
		table,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("page-%d.parquet", offset),
	), nil
}
