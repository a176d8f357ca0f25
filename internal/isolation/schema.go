package isolation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	createTableRe = regexp.MustCompile(`(?i)\bCREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	triggerRe     = regexp.MustCompile(`(?is)\bCREATE\s+TRIGGER\s+(?:IF\s+NOT\s+EXISTS\s+)?(\w+)\s+(?:BEFORE|AFTER|INSTEAD\s+OF)\s+(.*?)\s+ON\s+(\w+)\b(.*?)\bEND\s*;`)
	viewRe        = regexp.MustCompile(`(?is)\bCREATE\s+(?:OR\s+REPLACE\s+)?VIEW\s+(?:IF\s+NOT\s+EXISTS\s+)?(\w+)(?:\s+WITH\s*\([^)]*\))?\s+AS\s+(.*?);`)
	viewFromRe    = regexp.MustCompile(`(?i)\bFROM\s+(\w+)`)
	enableRLSRe   = regexp.MustCompile(`(?i)\bALTER\s+TABLE\s+(\w+)\s+ENABLE\s+ROW\s+LEVEL\s+SECURITY`)
	forceRLSRe    = regexp.MustCompile(`(?i)\bALTER\s+TABLE\s+(\w+)\s+FORCE\s+ROW\s+LEVEL\s+SECURITY`)
	policyRe      = regexp.MustCompile(`(?is)\bCREATE\s+POLICY\s+(\w+)\s+ON\s+(\w+)\b(.*?);`)
)

// constraintWords start table-level constraints rather than column definitions.
var constraintWords = map[string]bool{
	"PRIMARY":    true,
	"UNIQUE":     true,
	"CHECK":      true,
	"FOREIGN":    true,
	"CONSTRAINT": true,
	"EXCLUDE":    true,
}

// Table is a CREATE TABLE statement.
type Table struct {
	Name    string
	Columns []string
}

// HasColumn reports whether the table declares the column.
func (t Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// View is a CREATE VIEW statement.
type View struct {
	Name string
	// Base is the first table named in a FROM clause.
	Base string
	Body string
}

// Schema is what ParseSchema extracts from one dialect's DDL.
type Schema struct {
	Tables []Table
	Views  map[string]View

	// guards[table][event] holds guard trigger bodies (SQLite).
	guards map[string]map[string][]string
	// RLS state and policy bodies per table (Postgres).
	rlsEnabled map[string]bool
	rlsForced  map[string]bool
	policies   map[string][]string
}

// ParseSchema extracts tables, views, triggers and row level security
// statements from DDL. It understands the subset of SQL the store's schemas
// are written in; it is not a general SQL parser.
func ParseSchema(ddl string) (*Schema, error) {
	ddl = stripComments(ddl)
	s := &Schema{
		Views:      make(map[string]View),
		guards:     make(map[string]map[string][]string),
		rlsEnabled: make(map[string]bool),
		rlsForced:  make(map[string]bool),
		policies:   make(map[string][]string),
	}

	seen := make(map[string]bool)
	for _, loc := range createTableRe.FindAllStringSubmatchIndex(ddl, -1) {
		name := strings.ToLower(ddl[loc[2]:loc[3]])
		open := loc[1] - 1
		body, err := balanced(ddl, open)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		if seen[name] {
			return nil, fmt.Errorf("table %s is created twice", name)
		}
		seen[name] = true
		s.Tables = append(s.Tables, Table{Name: name, Columns: columns(body)})
	}

	for _, m := range triggerRe.FindAllStringSubmatch(ddl, -1) {
		table := strings.ToLower(m[3])
		for _, event := range triggerEvents(m[2]) {
			if s.guards[table] == nil {
				s.guards[table] = make(map[string][]string)
			}
			s.guards[table][event] = append(s.guards[table][event], m[4])
		}
	}

	for _, m := range viewRe.FindAllStringSubmatch(ddl, -1) {
		v := View{Name: strings.ToLower(m[1]), Body: m[2]}
		if from := viewFromRe.FindStringSubmatch(m[2]); from != nil {
			v.Base = strings.ToLower(from[1])
		}
		s.Views[v.Name] = v
	}

	for _, m := range enableRLSRe.FindAllStringSubmatch(ddl, -1) {
		s.rlsEnabled[strings.ToLower(m[1])] = true
	}
	for _, m := range forceRLSRe.FindAllStringSubmatch(ddl, -1) {
		s.rlsForced[strings.ToLower(m[1])] = true
	}
	for _, m := range policyRe.FindAllStringSubmatch(ddl, -1) {
		table := strings.ToLower(m[2])
		s.policies[table] = append(s.policies[table], m[3])
	}
	return s, nil
}

// Table returns the named table.
func (s *Schema) Table(name string) (Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

func stripComments(ddl string) string {
	lines := strings.Split(ddl, "\n")
	for i, line := range lines {
		if idx := strings.Index(line, "--"); idx >= 0 {
			lines[i] = line[:idx]
		}
	}
	return strings.Join(lines, "\n")
}

// balanced returns the text between the parenthesis at open and its match.
func balanced(s string, open int) (string, error) {
	depth := 0
	inString := false
	for i := open; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\'':
			inString = !inString
		case inString:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return s[open+1 : i], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced parentheses")
}

// columns returns the column names of a CREATE TABLE body.
func columns(body string) []string {
	var cols []string
	for _, part := range splitTopLevel(body) {
		fields := strings.Fields(part)
		if len(fields) == 0 || constraintWords[strings.ToUpper(fields[0])] {
			continue
		}
		cols = append(cols, strings.ToLower(strings.Trim(fields[0], `"`)))
	}
	return cols
}

func splitTopLevel(body string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, body[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, body[start:])
}

// triggerEvents turns "UPDATE OF a, b OR DELETE" into [UPDATE DELETE].
func triggerEvents(clause string) []string {
	var events []string
	for _, word := range strings.Fields(strings.ToUpper(clause)) {
		switch word {
		case "INSERT", "UPDATE", "DELETE":
			events = append(events, word)
		}
	}
	return events
}
