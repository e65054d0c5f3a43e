package acl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIPRangeForms(t *testing.T) {
	r, err := ParseIPRange("10.0.0.0-10.0.0.255")
	require.NoError(t, err)
	assert.True(t, r.Contains(ipFrom(t, "10.0.0.5")))
	assert.False(t, r.Contains(ipFrom(t, "10.0.1.5")))

	cidr, err := ParseIPRange("192.168.0.0/24")
	require.NoError(t, err)
	assert.True(t, cidr.Contains(ipFrom(t, "192.168.0.200")))
	assert.False(t, cidr.Contains(ipFrom(t, "192.168.1.1")))

	inverted, err := ParseIPRange("~10.0.0.0-10.0.0.255")
	require.NoError(t, err)
	assert.False(t, inverted.Contains(ipFrom(t, "10.0.0.5")))
	assert.True(t, inverted.Contains(ipFrom(t, "10.0.1.5")))
}

func ipFrom(t *testing.T, s string) uint32 {
	t.Helper()
	r, err := ParseIPRange(s)
	require.NoError(t, err)
	return r.Start
}

func TestFilterMatchesMethodAndIP(t *testing.T) {
	f := NewFilter("test")
	assert.True(t, f.Matches("GET", 0), "an inactive filter matches unconditionally")

	f.AllowMethod("GET")
	assert.True(t, f.MatchesMethod("GET"))
	assert.False(t, f.MatchesMethod("POST"))

	rng, err := ParseIPRange("10.0.0.0-10.0.0.255")
	require.NoError(t, err)
	f.AddRange(rng)
	assert.True(t, f.MatchesIP(ipFrom(t, "10.0.0.5")))
	assert.False(t, f.MatchesIP(ipFrom(t, "10.0.1.5")))
}

// TestEvaluateStickyDeny verifies spec.md §4.4 and testable property 7:
// a deny-matching filter makes client_enabled false and is not lifted by a
// later non-matching allow filter.
func TestEvaluateStickyDeny(t *testing.T) {
	deny := NewFilter("deny-admin")
	deny.AllowMethod("POST")
	deny.Allow = false

	nonMatching := NewFilter("allow-get")
	nonMatching.AllowMethod("GET")
	nonMatching.Allow = true

	chain := FilterChain{deny, nonMatching}

	enabled := Evaluate(chain, Request{Method: "POST", ClientIP: 0})
	assert.False(t, enabled, "deny filter matched POST and should deny")
}

func TestEvaluateAllowOverridesWhenItMatches(t *testing.T) {
	deny := NewFilter("deny-all")
	deny.Allow = false

	allow := NewFilter("allow-get")
	allow.AllowMethod("GET")
	allow.Allow = true

	chain := FilterChain{deny, allow}
	enabled := Evaluate(chain, Request{Method: "GET"})
	assert.True(t, enabled, "a later matching allow-rule should override the sticky deny")
}

func TestEvaluateEmptyChainIsNeutral(t *testing.T) {
	assert.True(t, Evaluate(nil, Request{Method: "GET"}))
}

func TestLibraryUseUnuse(t *testing.T) {
	lib := NewLibrary()
	f := lib.Define("corp")
	f.AllowMethod("GET")

	assert.Empty(t, lib.ActiveFilters())

	require.NoError(t, lib.Use("corp"))
	assert.Len(t, lib.ActiveFilters(), 1)

	lib.Unuse("corp")
	assert.Empty(t, lib.ActiveFilters())
}

func TestLibraryUseUnknownFilter(t *testing.T) {
	lib := NewLibrary()
	assert.Error(t, lib.Use("missing"))
}

func TestParseAction(t *testing.T) {
	allow, err := ParseAction("allow")
	require.NoError(t, err)
	assert.True(t, allow)

	deny, err := ParseAction("off")
	require.NoError(t, err)
	assert.False(t, deny)

	_, err = ParseAction("bogus")
	assert.Error(t, err)
}
