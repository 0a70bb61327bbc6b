package upgrade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersionShapes(t *testing.T) {
	cases := []struct {
		in   string
		saas bool
	}{
		{"11.0", false},
		{"saas~11.3", true},
		{"10.saas~18", true},
		{"12.0.1.3", false}, // module version, keeps the series part
	}
	for _, c := range cases {
		v, err := ParseVersion(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.saas, v.Saas(), c.in)
		assert.False(t, v.IsZero(), c.in)
	}

	_, err := ParseVersion("not-a-version")
	assert.Error(t, err)
}

func TestVersionOrdering(t *testing.T) {
	ordered := []string{"9.0", "10.0", "10.saas~14", "10.saas~18", "11.0", "saas~11.2", "saas~11.3", "12.0"}
	for i := 1; i < len(ordered); i++ {
		prev := MustVersion(ordered[i-1])
		cur := MustVersion(ordered[i])
		assert.True(t, prev.LT(cur), "%s < %s", ordered[i-1], ordered[i])
		assert.True(t, cur.GTE(prev), "%s >= %s", ordered[i], ordered[i-1])
		assert.False(t, cur.LT(prev))
	}
	assert.True(t, MustVersion("11.0").GTE(MustVersion("11.0")))
}

func TestVersionCheck(t *testing.T) {
	v := MustVersion("saas~12.3")
	ok, err := v.Check(">= 12.0, < 13.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Check("< 12.0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = v.Check(">>nope")
	assert.Error(t, err)

	_, err = Version{}.Check(">= 12.0")
	assert.Error(t, err)
}

func TestVersionString(t *testing.T) {
	assert.Equal(t, "saas~11.3", MustVersion("saas~11.3").String())
	assert.Equal(t, "12.0.1.3", MustVersion("12.0.1.3").String())
	assert.Equal(t, "unknown", Version{}.String())
}
