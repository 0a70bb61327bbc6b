// Package domains rewrites stored search-domain expressions when fields
// move or disappear. Domains are prefix-notation token lists ('&', '|', '!'
// operators followed by (path, operator, value) leaves); stored rows keep
// them as Python-literal strings handled by pyliteral.
package domains

import (
	"context"
	"errors"
	"fmt"

	"github.com/vauxoo-dev/upgrade-util/pkg/pyliteral"
)

// Domain operators.
const (
	OpAnd = "&"
	OpOr  = "|"
	OpNot = "!"
)

// TrueLeaf returns the always-true leaf (1, '=', 1).
func TrueLeaf() *pyliteral.Node {
	return pyliteral.NewTuple(pyliteral.NewInt(1), pyliteral.NewString("="), pyliteral.NewInt(1))
}

// FalseLeaf returns the always-false leaf (0, '=', 1).
func FalseLeaf() *pyliteral.Node {
	return pyliteral.NewTuple(pyliteral.NewInt(0), pyliteral.NewString("="), pyliteral.NewInt(1))
}

// ErrInvalidDomain marks expressions that do not evaluate to a well-formed
// domain. Callers skip the row and report instead of failing the upgrade.
var ErrInvalidDomain = errors.New("invalid domain")

func operatorArity(n *pyliteral.Node) (int, bool) {
	if n == nil || n.Kind != pyliteral.KindString {
		return 0, false
	}
	switch n.Str {
	case OpNot:
		return 1, true
	case OpAnd, OpOr:
		return 2, true
	}
	return 0, false
}

// Normalize makes every AND explicit so the token list is a single valid
// prefix expression. An empty domain normalizes to the true leaf.
func Normalize(tokens []*pyliteral.Node) ([]*pyliteral.Node, error) {
	if len(tokens) == 0 {
		return []*pyliteral.Node{TrueLeaf()}, nil
	}
	var result []*pyliteral.Node
	expected := 1
	for _, tok := range tokens {
		if expected == 0 {
			result = append([]*pyliteral.Node{pyliteral.NewString(OpAnd)}, result...)
			expected = 1
		}
		result = append(result, tok)
		if arity, ok := operatorArity(tok); ok {
			expected += arity - 1
		} else {
			expected--
		}
	}
	if expected != 0 {
		return nil, fmt.Errorf("%w: unbalanced expression", ErrInvalidDomain)
	}
	return result, nil
}

// tree is the parsed form of a normalized domain.
type tree struct {
	op       string // "" for leaves
	children []*tree
	leaf     *pyliteral.Node
}

func buildTree(tokens []*pyliteral.Node) (*tree, error) {
	pos := 0
	var build func() (*tree, error)
	build = func() (*tree, error) {
		if pos >= len(tokens) {
			return nil, fmt.Errorf("%w: truncated expression", ErrInvalidDomain)
		}
		tok := tokens[pos]
		pos++
		if arity, ok := operatorArity(tok); ok {
			n := &tree{op: tok.Str}
			for i := 0; i < arity; i++ {
				child, err := build()
				if err != nil {
					return nil, err
				}
				n.children = append(n.children, child)
			}
			return n, nil
		}
		return &tree{leaf: tok}, nil
	}
	root, err := build()
	if err != nil {
		return nil, err
	}
	if pos != len(tokens) {
		return nil, fmt.Errorf("%w: trailing tokens", ErrInvalidDomain)
	}
	return root, nil
}

func (t *tree) tokens(out []*pyliteral.Node) []*pyliteral.Node {
	if t.op != "" {
		out = append(out, pyliteral.NewString(t.op))
		for _, c := range t.children {
			out = c.tokens(out)
		}
		return out
	}
	return append(out, t.leaf)
}

// Resolver looks up relational metadata. RelationOf returns the comodel of
// model.field, or "" when the field is unknown or not relational.
type Resolver interface {
	RelationOf(ctx context.Context, model, field string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, model, field string) (string, error)

func (f ResolverFunc) RelationOf(ctx context.Context, model, field string) (string, error) {
	return f(ctx, model, field)
}

// Adapter decides what replaces a leaf whose path touches the adapted
// field. It receives the original leaf, whether the closest combining
// operator is an OR, and whether the leaf sits under an odd number of
// negations. The returned fragment is a domain of its own; returning the
// leaf unchanged keeps it.
type Adapter func(leaf *pyliteral.Node, inOr, negated bool) []*pyliteral.Node
