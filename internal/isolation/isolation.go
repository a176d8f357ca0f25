// Package isolation statically checks that every table of every store
// dialect carries the tenant isolation policy.
//
// A table is isolated unless exemptions.cue excuses it. An isolated table
// must have a tenant_id column and a scoped_<table> view filtering on the
// bound tenant. On SQLite it also needs insert, update and delete guards
// that compare against session_context and raise POLICY_DENIED; on Postgres
// it needs row level security enabled and forced with a policy checking
// app.tenant_id on both read (USING) and write (WITH CHECK).
package isolation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/mkernel/internal/store"
)

// TenantColumn is the column every isolated table carries.
const TenantColumn = "tenant_id"

// ScopedPrefix prefixes the tenant-filtered view of each isolated table.
const ScopedPrefix = "scoped_"

// rules are the per-dialect markers of the policy.
type rules struct {
	// tenantSource is how SQL in this dialect refers to the bound tenant.
	tenantSource string
	triggers     bool
	rls          bool
}

var dialectRules = map[string]rules{
	store.DriverSQLite:   {tenantSource: "session_context", triggers: true},
	store.DriverPostgres: {tenantSource: "app.tenant_id", rls: true},
}

// Violation is one missing piece of policy.
type Violation struct {
	Dialect string `json:"dialect"`
	Table   string `json:"table"`
	Problem string `json:"problem"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s: %s", v.Dialect, v.Table, v.Problem)
}

// Report is the outcome of Check.
type Report struct {
	// Isolated lists "dialect.table" for every table that passed or failed the check.
	Isolated   []string    `json:"isolated"`
	Exempted   []string    `json:"exempted"`
	Violations []Violation `json:"violations"`
}

// OK reports whether no violation was found.
func (r Report) OK() bool {
	return len(r.Violations) == 0
}

// CheckStore checks the store's own schemas against the built-in exemptions.
func CheckStore() (Report, error) {
	ex, err := DefaultExemptions()
	if err != nil {
		return Report{}, err
	}
	return Check(store.Dialects(), ex)
}

// Check parses each dialect's schema and reports every table lacking policy.
func Check(dialects []store.Dialect, ex Exemptions) (Report, error) {
	report := Report{Isolated: []string{}, Exempted: []string{}, Violations: []Violation{}}
	for _, d := range dialects {
		schema, err := ParseSchema(d.Schema())
		if err != nil {
			return Report{}, fmt.Errorf("parse %s schema: %w", d.Name(), err)
		}
		CheckSchema(d.Name(), schema, ex, &report)
	}
	sort.Strings(report.Isolated)
	sort.Strings(report.Exempted)
	sort.Slice(report.Violations, func(i, j int) bool {
		return report.Violations[i].String() < report.Violations[j].String()
	})
	return report, nil
}

// CheckSchema adds the findings for one parsed schema to report.
func CheckSchema(dialect string, s *Schema, ex Exemptions, report *Report) {
	r, ok := dialectRules[dialect]
	if !ok {
		report.Violations = append(report.Violations, Violation{Dialect: dialect, Table: "*", Problem: "no isolation rules for this dialect"})
		return
	}

	for _, t := range s.Tables {
		if _, exempt := ex.Lookup(dialect, t.Name); exempt {
			report.Exempted = append(report.Exempted, dialect+"."+t.Name)
			continue
		}
		report.Isolated = append(report.Isolated, dialect+"."+t.Name)
		for _, problem := range checkTable(s, t, r) {
			report.Violations = append(report.Violations, Violation{Dialect: dialect, Table: t.Name, Problem: problem})
		}
	}

	for table := range ex[dialect] {
		if _, found := s.Table(table); !found {
			report.Violations = append(report.Violations, Violation{Dialect: dialect, Table: table, Problem: "exempted table does not exist"})
		}
	}
}

func checkTable(s *Schema, t Table, r rules) []string {
	var problems []string
	if !t.HasColumn(TenantColumn) {
		problems = append(problems, "missing "+TenantColumn+" column")
	}

	viewName := ScopedPrefix + t.Name
	v, found := s.Views[viewName]
	switch {
	case !found:
		problems = append(problems, "missing view "+viewName)
	case v.Base != t.Name:
		problems = append(problems, fmt.Sprintf("view %s reads %q instead of %s", viewName, v.Base, t.Name))
	case !strings.Contains(v.Body, TenantColumn) || !strings.Contains(v.Body, r.tenantSource):
		problems = append(problems, fmt.Sprintf("view %s does not filter %s by %s", viewName, TenantColumn, r.tenantSource))
	}

	if r.triggers {
		for _, event := range []string{"INSERT", "UPDATE", "DELETE"} {
			if !guarded(s.guards[t.Name][event], r.tenantSource) {
				problems = append(problems, "missing "+strings.ToLower(event)+" guard trigger")
			}
		}
	}

	if r.rls {
		if !s.rlsEnabled[t.Name] {
			problems = append(problems, "row level security not enabled")
		}
		if !s.rlsForced[t.Name] {
			problems = append(problems, "row level security not forced")
		}
		if !hasTenantPolicy(s.policies[t.Name], r.tenantSource) {
			problems = append(problems, "missing tenant policy with USING and WITH CHECK")
		}
	}
	return problems
}

// guarded reports whether any trigger body checks the bound tenant and
// raises POLICY_DENIED.
func guarded(bodies []string, tenantSource string) bool {
	for _, b := range bodies {
		if strings.Contains(b, tenantSource) && strings.Contains(b, "POLICY_DENIED") {
			return true
		}
	}
	return false
}

func hasTenantPolicy(bodies []string, tenantSource string) bool {
	for _, b := range bodies {
		upper := strings.ToUpper(b)
		if strings.Contains(upper, "USING") && strings.Contains(upper, "WITH CHECK") && strings.Contains(b, tenantSource) {
			return true
		}
	}
	return false
}

// IsolatedTables returns the isolated tables of the SQLite schema, which
// mirrors the Postgres one. Used by the read scan in internal/lint.
func IsolatedTables() ([]string, error) {
	ex, err := DefaultExemptions()
	if err != nil {
		return nil, err
	}
	d, err := store.DialectFor(store.DriverSQLite)
	if err != nil {
		return nil, err
	}
	s, err := ParseSchema(d.Schema())
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range s.Tables {
		if _, exempt := ex.Lookup(d.Name(), t.Name); !exempt {
			out = append(out, t.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}
