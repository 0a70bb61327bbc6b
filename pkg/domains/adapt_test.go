package domains

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vauxoo-dev/upgrade-util/pkg/pyliteral"
)

// tableResolver resolves relations from a static model.field -> comodel map.
func tableResolver(relations map[string]string) Resolver {
	return ResolverFunc(func(_ context.Context, model, field string) (string, error) {
		return relations[model+"."+field], nil
	})
}

func TestNormalizeInsertsImplicitAnd(t *testing.T) {
	parsed, err := pyliteral.Parse(`[('a', '=', 1), ('b', '=', 2), ('c', '=', 3)]`)
	require.NoError(t, err)

	normalized, err := Normalize(parsed.Items)
	require.NoError(t, err)

	var got []string
	for _, tok := range normalized {
		got = append(got, tok.String())
	}
	want := []string{"'&'", "'&'", "('a', '=', 1)", "('b', '=', 2)", "('c', '=', 3)"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("normalized mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeEmptyDomain(t *testing.T) {
	normalized, err := Normalize(nil)
	require.NoError(t, err)
	require.Len(t, normalized, 1)
	assert.Equal(t, "(1, '=', 1)", normalized[0].String())
}

func TestNormalizeUnbalanced(t *testing.T) {
	parsed, err := pyliteral.Parse(`['|', ('a', '=', 1)]`)
	require.NoError(t, err)
	_, err = Normalize(parsed.Items)
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestAdaptStringRenamesLeaf(t *testing.T) {
	r := tableResolver(nil)
	out, changed, err := AdaptString(context.Background(), r,
		"res.partner", "customer", "is_customer", "res.partner",
		`[('customer', '=', True)]`, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, `[('is_customer', '=', True)]`, out)
}

func TestAdaptStringFollowsRelationPath(t *testing.T) {
	r := tableResolver(map[string]string{
		"sale.order.partner_id": "res.partner",
	})
	out, changed, err := AdaptString(context.Background(), r,
		"res.partner", "customer", "is_customer", "sale.order",
		`[('partner_id.customer', '=', True), ('state', '=', 'sale')]`, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, `['&', ('partner_id.is_customer', '=', True), ('state', '=', 'sale')]`, out)
}

func TestAdaptStringIgnoresOtherModels(t *testing.T) {
	r := tableResolver(map[string]string{
		"sale.order.user_id": "res.users",
	})
	// user_id chains to res.users, not res.partner: same field name there
	// must not be touched.
	out, changed, err := AdaptString(context.Background(), r,
		"res.partner", "customer", "is_customer", "sale.order",
		`[('user_id.customer', '=', True)]`, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, `[('user_id.customer', '=', True)]`, out)
}

func TestAdaptStringRenamesMidPathSegment(t *testing.T) {
	r := tableResolver(map[string]string{
		"account.move.partner": "res.partner",
	})
	out, changed, err := AdaptString(context.Background(), r,
		"account.move", "partner", "partner_id", "account.move",
		`[('partner.name', 'ilike', 'acme')]`, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, `[('partner_id.name', 'ilike', 'acme')]`, out)
}

// removalAdapter mirrors what field removal does to domains: neutralize the
// leaf with the identity of its combining operator.
func removalAdapter(leaf *pyliteral.Node, inOr, negated bool) []*pyliteral.Node {
	if inOr != negated {
		return []*pyliteral.Node{FalseLeaf()}
	}
	return []*pyliteral.Node{TrueLeaf()}
}

func TestRemovalAdapterNeutralizesLeaves(t *testing.T) {
	r := tableResolver(nil)
	tests := []struct {
		name   string
		domain string
		want   string
	}{
		{
			"and context",
			`[('gone', '=', 1), ('kept', '=', 2)]`,
			`['&', (1, '=', 1), ('kept', '=', 2)]`,
		},
		{
			"or context",
			`['|', ('gone', '=', 1), ('kept', '=', 2)]`,
			`['|', (0, '=', 1), ('kept', '=', 2)]`,
		},
		{
			"negated",
			`['!', ('gone', '=', 1)]`,
			`['!', (0, '=', 1)]`,
		},
		{
			"negated or",
			`['!', '|', ('gone', '=', 1), ('kept', '=', 2)]`,
			`['!', '|', (1, '=', 1), ('kept', '=', 2)]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, changed, err := AdaptString(context.Background(), r,
				"crm.lead", "gone", "gone", "crm.lead", tt.domain, removalAdapter)
			require.NoError(t, err)
			assert.True(t, changed)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestAdapterCanExpandLeaf(t *testing.T) {
	r := tableResolver(nil)
	split := func(leaf *pyliteral.Node, inOr, negated bool) []*pyliteral.Node {
		op := leaf.Items[1]
		right := leaf.Items[2]
		return []*pyliteral.Node{
			pyliteral.NewString(OpOr),
			pyliteral.NewTuple(pyliteral.NewString("first"), op, right),
			pyliteral.NewTuple(pyliteral.NewString("second"), op, right),
		}
	}
	out, changed, err := AdaptString(context.Background(), r,
		"res.partner", "both", "both", "res.partner",
		`[('both', '=', 'x'), ('other', '=', 1)]`, split)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, `['&', '|', ('first', '=', 'x'), ('second', '=', 'x'), ('other', '=', 1)]`, out)
}

func TestSelectionRemapAdapter(t *testing.T) {
	r := tableResolver(nil)
	mapping := map[string]string{"open": "in_progress"}
	remap := func(leaf *pyliteral.Node, _, _ bool) []*pyliteral.Node {
		out := leaf.Clone()
		right := out.Items[2]
		switch {
		case right.IsSequence():
			for i, item := range right.Items {
				if item.Kind == pyliteral.KindString {
					if to, ok := mapping[item.Str]; ok {
						right.Items[i] = pyliteral.NewString(to)
					}
				}
			}
		case right.Kind == pyliteral.KindString:
			if to, ok := mapping[right.Str]; ok {
				out.Items[2] = pyliteral.NewString(to)
			}
		}
		return []*pyliteral.Node{out}
	}

	out, changed, err := AdaptString(context.Background(), r,
		"project.task", "state", "state", "project.task",
		`[('state', 'in', ['open', 'done'])]`, remap)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, `[('state', 'in', ['in_progress', 'done'])]`, out)
}

func TestAdaptStringRejectsNonDomains(t *testing.T) {
	r := tableResolver(nil)
	_, _, err := AdaptString(context.Background(), r,
		"res.partner", "a", "b", "res.partner", `{'not': 'a domain'}`, nil)
	assert.ErrorIs(t, err, ErrInvalidDomain)

	_, _, err = AdaptString(context.Background(), r,
		"res.partner", "a", "b", "res.partner", `[('a', '=']`, nil)
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestAdaptParsedKeepsUnmatchedTokens(t *testing.T) {
	parsed, err := pyliteral.Parse(`[('untouched', '=', 1)]`)
	require.NoError(t, err)
	tokens, changed, err := AdaptParsed(context.Background(), tableResolver(nil),
		"res.partner", "x", "y", "res.partner", parsed.Items, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, parsed.Items, tokens)
}
