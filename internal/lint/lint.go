// Package lint holds the repository's static checks:
//
//   - errcode-literal: a string literal typed as errcode.Code outside the
//     errcode package bypasses the closed registry.
//   - scoped-read: SQL in the store package that reads an isolated table
//     directly instead of through its scoped_ view.
package lint

import (
	"context"
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/tools/go/packages"

	"github.com/roach88/mkernel/internal/isolation"
)

// Rules.
const (
	RuleCodeLiteral = "errcode-literal"
	RuleScopedRead  = "scoped-read"
)

const (
	errcodePkgSuffix = "/internal/errcode"
	storePkgSuffix   = "/internal/store"
	codeTypeName     = "Code"
)

// readRe finds FROM/JOIN targets; a preceding DELETE marks a write.
var readRe = regexp.MustCompile(`(?i)\b(DELETE\s+)?(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_]*)`)

// Finding is one rule violation.
type Finding struct {
	Rule    string         `json:"rule"`
	Pos     token.Position `json:"position"`
	Message string         `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s: %s", f.Pos, f.Rule, f.Message)
}

// Options configures Run.
type Options struct {
	// Dir is the module directory to load from. Empty means the working directory.
	Dir string
	// Patterns defaults to ./...
	Patterns []string
	// IsolatedTables defaults to isolation.IsolatedTables.
	IsolatedTables []string
}

// Run loads the packages and applies every rule. Test files are not scanned.
func Run(ctx context.Context, opts Options) ([]Finding, error) {
	if len(opts.Patterns) == 0 {
		opts.Patterns = []string{"./..."}
	}
	if opts.IsolatedTables == nil {
		tables, err := isolation.IsolatedTables()
		if err != nil {
			return nil, fmt.Errorf("isolated tables: %w", err)
		}
		opts.IsolatedTables = tables
	}
	isolated := make(map[string]bool, len(opts.IsolatedTables))
	for _, t := range opts.IsolatedTables {
		isolated[strings.ToLower(t)] = true
	}

	cfg := &packages.Config{
		Context: ctx,
		Dir:     opts.Dir,
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax |
			packages.NeedTypes | packages.NeedTypesInfo,
	}
	pkgs, err := packages.Load(cfg, opts.Patterns...)
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}

	var loadErrs []string
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for _, e := range p.Errors {
			loadErrs = append(loadErrs, e.Error())
		}
	})
	if len(loadErrs) > 0 {
		return nil, fmt.Errorf("load packages: %s", strings.Join(loadErrs, "; "))
	}

	var findings []Finding
	for _, p := range pkgs {
		findings = append(findings, checkPackage(p, isolated)...)
	}
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i].Pos, findings[j].Pos
		if a.Filename != b.Filename {
			return a.Filename < b.Filename
		}
		return a.Offset < b.Offset
	})
	return findings, nil
}

func checkPackage(p *packages.Package, isolated map[string]bool) []Finding {
	inErrcode := strings.HasSuffix(p.PkgPath, errcodePkgSuffix)
	inStore := strings.HasSuffix(p.PkgPath, storePkgSuffix)

	var findings []Finding
	for _, file := range p.Syntax {
		ast.Inspect(file, func(n ast.Node) bool {
			lit, ok := n.(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				return true
			}
			pos := p.Fset.Position(lit.Pos())
			if !inErrcode && isCodeLiteral(p.TypesInfo, lit) {
				findings = append(findings, Finding{
					Rule:    RuleCodeLiteral,
					Pos:     pos,
					Message: fmt.Sprintf("string literal %s used as errcode.Code; use a registered constant", lit.Value),
				})
			}
			if inStore {
				for _, table := range ScanSQL(lit.Value, isolated) {
					findings = append(findings, Finding{
						Rule:    RuleScopedRead,
						Pos:     pos,
						Message: fmt.Sprintf("reads isolated table %s; use %s%s", table, isolation.ScopedPrefix, table),
					})
				}
			}
			return true
		})
	}
	return findings
}

// isCodeLiteral reports whether the type checker gave lit the type errcode.Code,
// either by conversion or by assignment to a Code-typed destination. The empty
// string is the zero Code and is never reported.
func isCodeLiteral(info *types.Info, lit *ast.BasicLit) bool {
	if info == nil || lit.Value == `""` || lit.Value == "``" {
		return false
	}
	tv, ok := info.Types[lit]
	if !ok {
		return false
	}
	named, ok := tv.Type.(*types.Named)
	if !ok {
		return false
	}
	obj := named.Obj()
	return obj.Name() == codeTypeName && obj.Pkg() != nil && strings.HasSuffix(obj.Pkg().Path(), errcodePkgSuffix)
}

// ScanSQL returns the isolated tables a Go string literal reads from directly.
// DELETE FROM targets are writes and are allowed.
func ScanSQL(literal string, isolated map[string]bool) []string {
	text, err := strconv.Unquote(literal)
	if err != nil {
		text = literal
	}
	var tables []string
	for _, m := range readRe.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			continue
		}
		if table := strings.ToLower(m[2]); isolated[table] {
			tables = append(tables, table)
		}
	}
	return tables
}
