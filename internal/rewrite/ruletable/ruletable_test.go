package ruletable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remapcore/engine/internal/rewrite/urlview"
)

func mustParse(t *testing.T, raw string, mode urlview.ParseMode) *urlview.URL {
	t.Helper()
	u, err := urlview.Parse(raw, mode)
	require.NoError(t, err)
	return u
}

func newRule(t *testing.T, from, to string, rank int) *Rule {
	t.Helper()
	return &Rule{
		Class: ClassForward,
		From:  mustParse(t, from, urlview.ParseModeRawTail),
		To:    mustParse(t, to, urlview.ParseModeBreakdown),
		Rank:  rank,
	}
}

// TestLongestPathPrefixWithRankTieBreak covers testable property 4: among
// rules sharing a host key, the longest path prefix wins; ties broken by
// lower rank.
func TestLongestPathPrefixWithRankTieBreak(t *testing.T) {
	idx := NewPathIndex()
	short := newRule(t, "http://a.test/api/", "http://short.test/", 5)
	long := newRule(t, "http://a.test/api/v2/", "http://long.test/", 10)

	idx.Insert(1, short)
	idx.Insert(2, long)
	idx.Finalize()

	id, ok := idx.Lookup("/api/v2/users", 0)
	require.True(t, ok)
	assert.Equal(t, RuleID(2), id, "the longer path prefix should win regardless of rank")
}

// TestUniqueFlagRequiresEmptyPath covers testable property 5.
func TestUniqueFlagRequiresEmptyPath(t *testing.T) {
	idx := NewPathIndex()
	r := newRule(t, "http://a.test//", "http://b.test/", 1)
	r.Unique = true
	idx.Insert(1, r)
	idx.Finalize()

	_, ok := idx.Lookup("/nonempty", 0)
	assert.False(t, ok)

	id, ok := idx.Lookup("", 0)
	require.True(t, ok)
	assert.Equal(t, RuleID(1), id)
}

func TestPathIndexPortMatching(t *testing.T) {
	idx := NewPathIndex()
	r := newRule(t, "http://a.test:8080/", "http://b.test/", 1)
	idx.Insert(1, r)
	idx.Finalize()

	_, ok := idx.Lookup("/x", 9090)
	assert.False(t, ok)

	id, ok := idx.Lookup("/x", 8080)
	require.True(t, ok)
	assert.Equal(t, RuleID(1), id)

	id, ok = idx.Lookup("/x", 0)
	require.True(t, ok, "port 0 on the request matches any rule port")
	assert.Equal(t, RuleID(1), id)
}

// TestHashIndexHostCaseInsensitivity covers testable property 1.
func TestHashIndexHostCaseInsensitivity(t *testing.T) {
	h := NewHashIndex()
	r := newRule(t, "http://a.test/", "http://b.test/", 1)
	h.Insert(1, r)
	h.Finalize()

	_, lower := h.Lookup("a.test", "/", 0)
	_, upper := h.Lookup("A.TEST", "/", 0)
	assert.Equal(t, lower, upper)
	assert.True(t, lower)
}

func TestHashIndexReleaseEmpty(t *testing.T) {
	h := NewHashIndex()
	assert.True(t, h.Empty())
	h.Release()
	h.Finalize()
	_, ok := h.Lookup("a.test", "/", 0)
	assert.False(t, ok)
}

func TestTableInstallSyntheticRules(t *testing.T) {
	table := New()
	require.NoError(t, table.InstallSyntheticRules("internal.test", 8080))
	table.Finalize()

	id, ok := table.Hash[ClassForward].Lookup("", "/ink/rh", 0)
	require.True(t, ok)
	rule := table.Arena.Get(id)
	assert.Equal(t, "internal.test", rule.To.Host)

	id, ok = table.Hash[ClassForward].Lookup("", "/anything", 0)
	require.True(t, ok)
	rule = table.Arena.Get(id)
	assert.Equal(t, 8080, rule.To.Port)
}

func TestArenaStableIndices(t *testing.T) {
	var a Arena
	id1 := a.Add(newRule(t, "http://a.test/", "http://b.test/", 1))
	id2 := a.Add(newRule(t, "http://c.test/", "http://d.test/", 2))
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, "a.test", a.Get(id1).From.Host)
	assert.Equal(t, "c.test", a.Get(id2).From.Host)
	assert.Equal(t, 2, a.Len())
}
