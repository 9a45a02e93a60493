package qc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
)

// Predicate is a compiled record filter such as
// "line_out_depth > -5 && line_out_depth < 50".
type Predicate struct {
	source  string
	program *vm.Program
	columns []string
}

// CompilePredicate compiles a boolean filter expression. An empty expression
// matches every record.
func CompilePredicate(source string) (*Predicate, error) {
	source = strings.TrimSpace(source)
	p := &Predicate{source: source}
	if source == "" {
		return p, nil
	}

	tree, err := parser.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", ErrConfig, source, err)
	}
	v := &identCollector{seen: make(map[string]bool)}
	ast.Walk(&tree.Node, v)
	sort.Strings(v.names)
	p.columns = v.names

	prog, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", ErrConfig, source, err)
	}
	p.program = prog
	return p, nil
}

// String returns the source expression.
func (p *Predicate) String() string {
	return p.source
}

// Columns lists the record columns the expression references.
func (p *Predicate) Columns() []string {
	return p.columns
}

// Match evaluates the predicate against r. A record with a null value in any
// referenced column does not match.
func (p *Predicate) Match(r record.Row) (bool, error) {
	if p == nil || p.program == nil {
		return true, nil
	}
	env := make(map[string]any, len(p.columns))
	for _, col := range p.columns {
		v := r[col]
		if record.IsNull(v) {
			return false, nil
		}
		env[col] = v
	}
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("%w: filter %q: %v", ErrConfig, p.source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: filter %q returned %T, want bool", ErrConfig, p.source, out)
	}
	return b, nil
}

type identCollector struct {
	seen  map[string]bool
	names []string
}

func (c *identCollector) Visit(node *ast.Node) {
	if id, ok := (*node).(*ast.IdentifierNode); ok && !c.seen[id.Value] {
		c.seen[id.Value] = true
		c.names = append(c.names, id.Value)
	}
}
