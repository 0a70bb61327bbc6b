package domains

import (
	"context"
	"fmt"
	"strings"

	"github.com/vauxoo-dev/upgrade-util/pkg/pyliteral"
)

// pathMatch walks a dotted field path starting from model and reports
// whether any segment is `field` owned by targetModel, along with the path
// rewritten to newField. Resolution stops silently on unknown segments:
// a path we cannot follow is left alone.
func pathMatch(ctx context.Context, r Resolver, targetModel, field, newField, model, path string) (bool, string, error) {
	segments := strings.Split(path, ".")
	current := model
	matched := false
	for i, seg := range segments {
		if current == targetModel && seg == field {
			matched = true
			segments[i] = newField
		}
		if i == len(segments)-1 {
			break
		}
		next, err := r.RelationOf(ctx, current, seg)
		if err != nil {
			return false, "", err
		}
		if next == "" {
			// Cannot follow the chain further; later segments stay
			// unverified and untouched.
			break
		}
		current = next
	}
	return matched, strings.Join(segments, "."), nil
}

// AdaptParsed rewrites one parsed domain evaluated against model, for the
// rename (or removal, with a custom adapter) of targetModel.field. With a
// nil adapter matching leaves get their path rewritten to newField. The
// returned slice is the normalized adapted domain; changed is false when
// nothing matched.
func AdaptParsed(
	ctx context.Context,
	r Resolver,
	targetModel, field, newField, model string,
	tokens []*pyliteral.Node,
	adapter Adapter,
) ([]*pyliteral.Node, bool, error) {
	normalized, err := Normalize(tokens)
	if err != nil {
		return nil, false, err
	}
	root, err := buildTree(normalized)
	if err != nil {
		return nil, false, err
	}

	changed := false
	var walk func(t *tree, inOr, negated bool) (*tree, error)
	walk = func(t *tree, inOr, negated bool) (*tree, error) {
		if t.op != "" {
			childOr := t.op == OpOr
			childNeg := negated
			if t.op == OpNot {
				childOr = inOr
				childNeg = !negated
			}
			for i, c := range t.children {
				nc, err := walk(c, childOr, childNeg)
				if err != nil {
					return nil, err
				}
				t.children[i] = nc
			}
			return t, nil
		}

		leaf := t.leaf
		if !leaf.IsSequence() || len(leaf.Items) != 3 || leaf.Items[0].Kind != pyliteral.KindString {
			return t, nil
		}
		matched, newPath, err := pathMatch(ctx, r, targetModel, field, newField, model, leaf.Items[0].Str)
		if err != nil {
			return nil, err
		}
		if !matched {
			return t, nil
		}
		changed = true

		if adapter == nil {
			renamed := leaf.Clone()
			renamed.Items[0] = pyliteral.NewString(newPath)
			return &tree{leaf: renamed}, nil
		}

		fragment := adapter(leaf, inOr, negated)
		normalizedFragment, err := Normalize(fragment)
		if err != nil {
			return nil, fmt.Errorf("adapter output: %w", err)
		}
		sub, err := buildTree(normalizedFragment)
		if err != nil {
			return nil, fmt.Errorf("adapter output: %w", err)
		}
		return sub, nil
	}

	root, err = walk(root, false, false)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return tokens, false, nil
	}
	return root.tokens(nil), true, nil
}

// AdaptString parses a stored domain expression, adapts it, and renders it
// back. Expressions that do not parse as a list-shaped domain return
// ErrInvalidDomain.
func AdaptString(
	ctx context.Context,
	r Resolver,
	targetModel, field, newField, model string,
	domain string,
	adapter Adapter,
) (string, bool, error) {
	parsed, err := pyliteral.Parse(domain)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	if !parsed.IsSequence() {
		return "", false, fmt.Errorf("%w: not a list", ErrInvalidDomain)
	}
	tokens, changed, err := AdaptParsed(ctx, r, targetModel, field, newField, model, parsed.Items, adapter)
	if err != nil {
		return "", false, err
	}
	if !changed {
		return domain, false, nil
	}
	out := &pyliteral.Node{Kind: pyliteral.KindList, Items: tokens}
	return out.String(), true, nil
}
