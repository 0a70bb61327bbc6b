package upgrade

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version identifies a server series. Release names come in three shapes:
// plain releases ("11.0", "12.0"), the old intermediate naming
// ("10.saas~18") and the current one ("saas~11.3"). Intermediate releases
// order after their base release and before the next one, which plain
// major.minor comparison already gives us.
type Version struct {
	sv   *semver.Version
	saas bool
	raw  string
}

var versionRe = regexp.MustCompile(`^(?:(saas~)(\d+)\.(\d+)|(\d+)\.(?:(saas~)(\d+)|(\d+)))`)

// ParseVersion reads a series string. Longer module versions such as
// "12.0.1.3" keep only the leading series part.
func ParseVersion(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, fmt.Errorf("unparseable version %q", s)
	}
	var major, minor, saasPrefix string
	switch {
	case m[1] != "": // saas~M.N
		saasPrefix, major, minor = m[1], m[2], m[3]
	case m[5] != "": // M.saas~N
		major, saasPrefix, minor = m[4], m[5], m[6]
	default: // M.N
		major, minor = m[4], m[7]
	}
	sv, err := semver.NewVersion(fmt.Sprintf("%s.%s.0", major, minor))
	if err != nil {
		return Version{}, fmt.Errorf("unparseable version %q: %w", s, err)
	}
	return Version{sv: sv, saas: saasPrefix != "", raw: s}, nil
}

// MustVersion is ParseVersion for literals.
func MustVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsZero reports whether v carries no version.
func (v Version) IsZero() bool { return v.sv == nil }

// GTE reports v >= other.
func (v Version) GTE(other Version) bool {
	if v.sv == nil || other.sv == nil {
		return false
	}
	return !v.sv.LessThan(other.sv)
}

// LT reports v < other.
func (v Version) LT(other Version) bool {
	if v.sv == nil || other.sv == nil {
		return false
	}
	return v.sv.LessThan(other.sv)
}

// Check evaluates a semver constraint ("< 12.0", ">= 10.0, < 13.0")
// against the series.
func (v Version) Check(constraint string) (bool, error) {
	if v.sv == nil {
		return false, fmt.Errorf("no version to check %q against", constraint)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	return c.Check(v.sv), nil
}

// Saas reports whether this is an intermediate release.
func (v Version) Saas() bool { return v.saas }

func (v Version) String() string {
	if v.raw != "" {
		return v.raw
	}
	if v.sv == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d", v.sv.Major(), v.sv.Minor())
}
