package isolation

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed exemptions.cue
var defaultExemptions string

// Exemption excuses one table from the isolation policy.
type Exemption struct {
	Table     string   `json:"table"`
	Dialects  []string `json:"dialects"`
	Rationale string   `json:"rationale"`
}

// Exemptions indexes exemptions by dialect and table.
type Exemptions map[string]map[string]Exemption

// Lookup returns the exemption of table under dialect, if any.
func (e Exemptions) Lookup(dialect, table string) (Exemption, bool) {
	ex, ok := e[dialect][table]
	return ex, ok
}

// DefaultExemptions parses the built-in exemption list.
func DefaultExemptions() (Exemptions, error) {
	return ParseExemptions("exemptions.cue", defaultExemptions)
}

// ParseExemptions compiles CUE source and validates it against the
// #Exemption schema it declares. The source must define a concrete
// exemptions list.
func ParseExemptions(filename, src string) (Exemptions, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(filename, err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(filename, err)
	}

	list := v.LookupPath(cue.ParsePath("exemptions"))
	if !list.Exists() {
		return nil, fmt.Errorf("%s: exemptions list is missing", filename)
	}
	var entries []Exemption
	if err := list.Decode(&entries); err != nil {
		return nil, formatCUEError(filename, err)
	}

	out := make(Exemptions)
	for i, ex := range entries {
		if strings.TrimSpace(ex.Rationale) == "" {
			return nil, fmt.Errorf("%s: exemptions[%d] (%s): rationale is required", filename, i, ex.Table)
		}
		if len(ex.Dialects) == 0 {
			return nil, fmt.Errorf("%s: exemptions[%d] (%s): at least one dialect is required", filename, i, ex.Table)
		}
		for _, d := range ex.Dialects {
			if _, dup := out[d][ex.Table]; dup {
				return nil, fmt.Errorf("%s: exemptions[%d]: %s is exempted twice for %s", filename, i, ex.Table, d)
			}
			if out[d] == nil {
				out[d] = make(map[string]Exemption)
			}
			out[d][ex.Table] = ex
		}
	}
	return out, nil
}

func formatCUEError(filename string, err error) error {
	return fmt.Errorf("%s: %s", filename, strings.TrimSpace(cueerrors.Details(err, nil)))
}
