package sqlsafe

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrUnsafeDDL = errors.New("unsafe table definition")

// IdentifierColumn must be present in every registered dataset table.
const IdentifierColumn = "objectid"

type Column struct {
	Name string
	Type string
}

type Table struct {
	Name      string
	Columns   []Column
	// Statement is the comment-free statement that passed validation. It is
	// what callers execute.
	Statement string
}

var (
	createHeader = regexp.MustCompile(`(?is)^CREATE\s+TABLE\s+IF\s+NOT\s+EXISTS\s+("?[A-Za-z_][A-Za-z0-9_]*"?)\s*\((.*)\)$`)
	identPattern = regexp.MustCompile(`^("[A-Za-z_][A-Za-z0-9_]*"|[A-Za-z_][A-Za-z0-9_]*)`)

	columnType = regexp.MustCompile(`(?i)^(` + strings.Join([]string{
		`BIGSERIAL`, `SERIAL`, `BIGINT`, `SMALLINT`, `INTEGER`, `INT`,
		`REAL`, `DOUBLE\s+PRECISION`, `FLOAT`,
		`(?:NUMERIC|DECIMAL)(?:\s*\(\s*\d+\s*(?:,\s*\d+\s*)?\))?`,
		`(?:VARCHAR|CHARACTER\s+VARYING)\s*\(\s*\d+\s*\)`, `TEXT`,
		`BOOLEAN`, `BOOL`, `DATE`,
		`TIMESTAMPTZ`, `TIMESTAMP(?:\s+WITH(?:OUT)?\s+TIME\s+ZONE)?`,
		`GEOMETRY\s*\(\s*(?:POINT|LINESTRING|POLYGON|MULTIPOINT|MULTILINESTRING|MULTIPOLYGON)\s*,\s*4326\s*\)`,
	}, "|") + `)(?:\s+|$)`)

	columnConstraint = regexp.MustCompile(`(?i)^(PRIMARY\s+KEY|NOT\s+NULL|NULL|UNIQUE|DEFAULT\s+(?:-?\d+(?:\.\d+)?|'[^']*'|TRUE|FALSE|NULL|CURRENT_TIMESTAMP|NOW\(\)))(?:\s+|$)`)
	tableConstraint  = regexp.MustCompile(`(?i)^(PRIMARY\s+KEY|UNIQUE)\s*\(([^()]*)\)$`)
)

// ValidateCreateTable accepts only a single CREATE TABLE IF NOT EXISTS
// statement built from an allow-list of column types and constraints.
func ValidateCreateTable(ddl string) (Table, error) {
	stmt, err := stripComments(ddl)
	if err != nil {
		return Table{}, err
	}
	stmt = strings.TrimSpace(stmt)
	stmt = strings.TrimSpace(strings.TrimSuffix(stmt, ";"))
	if stmt == "" {
		return Table{}, fmt.Errorf("%w: empty statement", ErrUnsafeDDL)
	}
	if strings.Contains(stmt, ";") {
		return Table{}, fmt.Errorf("%w: multiple statements", ErrUnsafeDDL)
	}

	match := createHeader.FindStringSubmatch(stmt)
	if match == nil {
		return Table{}, fmt.Errorf("%w: expected CREATE TABLE IF NOT EXISTS <name> (...)", ErrUnsafeDDL)
	}
	table := Table{Name: unquote(match[1]), Statement: stmt}

	items, err := splitTopLevel(match[2])
	if err != nil {
		return Table{}, err
	}
	seen := map[string]bool{}
	for _, item := range items {
		if item == "" {
			return Table{}, fmt.Errorf("%w: empty column definition", ErrUnsafeDDL)
		}
		if constraint := tableConstraint.FindStringSubmatch(item); constraint != nil {
			if err := validateColumnList(constraint[2]); err != nil {
				return Table{}, err
			}
			continue
		}
		column, err := parseColumn(item)
		if err != nil {
			return Table{}, err
		}
		key := strings.ToLower(column.Name)
		if seen[key] {
			return Table{}, fmt.Errorf("%w: duplicate column %q", ErrUnsafeDDL, column.Name)
		}
		seen[key] = true
		table.Columns = append(table.Columns, column)
	}
	if !seen[IdentifierColumn] {
		return Table{}, fmt.Errorf("%w: missing %s column", ErrUnsafeDDL, IdentifierColumn)
	}
	return table, nil
}

func parseColumn(item string) (Column, error) {
	name := identPattern.FindString(item)
	if name == "" {
		return Column{}, fmt.Errorf("%w: invalid column definition %q", ErrUnsafeDDL, item)
	}
	rest := strings.TrimSpace(item[len(name):])
	typeMatch := columnType.FindStringSubmatch(rest)
	if typeMatch == nil {
		return Column{}, fmt.Errorf("%w: column %s has a disallowed type", ErrUnsafeDDL, name)
	}
	rest = strings.TrimSpace(rest[len(typeMatch[0]):])
	for rest != "" {
		constraint := columnConstraint.FindString(rest)
		if constraint == "" {
			return Column{}, fmt.Errorf("%w: column %s has a disallowed clause %q", ErrUnsafeDDL, name, rest)
		}
		rest = strings.TrimSpace(rest[len(constraint):])
	}
	return Column{Name: unquote(name), Type: strings.ToUpper(strings.Join(strings.Fields(typeMatch[1]), " "))}, nil
}

func validateColumnList(list string) error {
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if identPattern.FindString(part) != part || part == "" {
			return fmt.Errorf("%w: invalid column reference %q", ErrUnsafeDDL, part)
		}
	}
	return nil
}

// stripComments removes -- and /* */ comments that appear outside string
// literals and quoted identifiers.
func stripComments(ddl string) (string, error) {
	var (
		out   strings.Builder
		quote byte
	)
	for i := 0; i < len(ddl); i++ {
		c := ddl[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '-' && i+1 < len(ddl) && ddl[i+1] == '-':
			end := strings.IndexByte(ddl[i:], '\n')
			if end < 0 {
				i = len(ddl)
			} else {
				i += end
			}
			out.WriteByte(' ')
			if i < len(ddl) {
				out.WriteByte('\n')
			}
			continue
		case c == '/' && i+1 < len(ddl) && ddl[i+1] == '*':
			end := strings.Index(ddl[i+2:], "*/")
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated comment", ErrUnsafeDDL)
			}
			i += end + 3
			out.WriteByte(' ')
			continue
		}
		out.WriteByte(c)
	}
	if quote != 0 {
		return "", fmt.Errorf("%w: unterminated quote", ErrUnsafeDDL)
	}
	return out.String(), nil
}

// splitTopLevel splits a column list on commas outside parentheses and quotes.
func splitTopLevel(body string) ([]string, error) {
	var (
		items   []string
		current strings.Builder
		depth   int
		quoted  bool
	)
	for _, r := range body {
		switch {
		case r == '\'':
			quoted = !quoted
		case quoted:
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced parentheses", ErrUnsafeDDL)
			}
		case r == ',' && depth == 0:
			items = append(items, strings.TrimSpace(current.String()))
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	if depth != 0 || quoted {
		return nil, fmt.Errorf("%w: unbalanced parentheses or quotes", ErrUnsafeDDL)
	}
	items = append(items, strings.TrimSpace(current.String()))
	return items, nil
}

func unquote(ident string) string {
	return strings.Trim(ident, `"`)
}
