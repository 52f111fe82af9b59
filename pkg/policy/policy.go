package policy

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// The condition language is a small boolean expression grammar over the
// names "document" (alias "doc") and "result":
//
//	document.priority == "high" and result.score > 0.8
//	result.category in ["spam", "abuse"] or document.flagged
//	not (document.source == "import")
//
// Operators: == != > >= < <= in, "not in", and, or, not, parentheses.
// Literals: double- or single-quoted strings, numbers, true, false,
// null, and bracketed lists.

var policyLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Float", Pattern: `-?\d+\.\d+`},
	{Name: "Int", Pattern: `-?\d+`},
	{Name: "String", Pattern: `"(\\"|[^"])*"|'(\\'|[^'])*'`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Operator", Pattern: `==|!=|>=|<=|>|<`},
	{Name: "Punct", Pattern: `[\[\](),.]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var parser = participle.MustBuild[orExpr](
	participle.Lexer(policyLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

type orExpr struct {
	Terms []*andExpr `parser:"@@ ( 'or' @@ )*"`
}

type andExpr struct {
	Terms []*notExpr `parser:"@@ ( 'and' @@ )*"`
}

type notExpr struct {
	Negated *notExpr    `parser:"  'not' @@"`
	Cmp     *comparison `parser:"| @@"`
}

type comparison struct {
	Left *operand `parser:"@@"`
	Rhs  *opRHS   `parser:"@@?"`
}

type opRHS struct {
	NotIn bool     `parser:"( @('not' 'in')"`
	In    bool     `parser:"| @'in'"`
	Op    string   `parser:"| @Operator )"`
	Right *operand `parser:"@@"`
}

type operand struct {
	Float *float64 `parser:"  @Float"`
	Int   *int64   `parser:"| @Int"`
	Str   *quoted  `parser:"| @String"`
	Bool  *boolean `parser:"| @('true' | 'false')"`
	Null  bool     `parser:"| @'null'"`
	List  *list    `parser:"| @@"`
	Path  []string `parser:"| @Ident ( '.' @Ident )*"`
	Sub   *orExpr  `parser:"| '(' @@ ')'"`
}

type list struct {
	Items []*operand `parser:"'[' ( @@ ( ',' @@ )* )? ']'"`
}

type boolean bool

func (b *boolean) Capture(values []string) error {
	*b = values[0] == "true"
	return nil
}

// quoted strips the surrounding quotes and unescapes the quote rune.
// strconv.Unquote rejects multi-character single-quoted strings, which
// the condition language allows.
type quoted string

func (q *quoted) Capture(values []string) error {
	s := values[0]
	quote := string(s[0])
	s = s[1 : len(s)-1]
	s = strings.ReplaceAll(s, `\`+quote, quote)
	s = strings.ReplaceAll(s, `\\`, `\`)
	*q = quoted(s)
	return nil
}

// rootNames are the only identifiers a condition may start a path with
var rootNames = map[string]bool{
	"document": true,
	"doc":      true,
	"result":   true,
}

// Policy is a compiled condition ready for evaluation
type Policy struct {
	src  string
	expr *orExpr
}

// Compile parses and validates a condition string. Compilation fails on
// any syntax outside the grammar and on paths rooted at unknown names,
// so a bad condition surfaces at agent load time rather than per event.
func Compile(condition string) (*Policy, error) {
	expr, err := parser.ParseString("", condition)
	if err != nil {
		return nil, fmt.Errorf("invalid policy condition: %w", err)
	}
	if err := validateRoots(expr); err != nil {
		return nil, err
	}
	return &Policy{src: condition, expr: expr}, nil
}

// String returns the original condition source
func (p *Policy) String() string {
	return p.src
}

func validateRoots(e *orExpr) error {
	for _, and := range e.Terms {
		for _, not := range and.Terms {
			if err := validateNotRoots(not); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateNotRoots(n *notExpr) error {
	if n.Negated != nil {
		return validateNotRoots(n.Negated)
	}
	if err := validateOperandRoots(n.Cmp.Left); err != nil {
		return err
	}
	if n.Cmp.Rhs != nil {
		return validateOperandRoots(n.Cmp.Rhs.Right)
	}
	return nil
}

func validateOperandRoots(o *operand) error {
	switch {
	case o == nil:
		return nil
	case len(o.Path) > 0:
		if !rootNames[o.Path[0]] {
			return fmt.Errorf("invalid policy condition: unknown name %q, conditions may reference document and result", o.Path[0])
		}
	case o.List != nil:
		for _, item := range o.List.Items {
			if err := validateOperandRoots(item); err != nil {
				return err
			}
		}
	case o.Sub != nil:
		return validateRoots(o.Sub)
	}
	return nil
}
