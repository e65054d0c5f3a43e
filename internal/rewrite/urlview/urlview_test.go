package urlview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBreakdown(t *testing.T) {
	u, err := Parse("http://Example.com:8080/a/b?x=1", ParseModeBreakdown)
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "Example.com", u.Host)
	assert.Equal(t, 8080, u.Port)
	assert.Equal(t, "/a/b", u.Path)
	assert.Equal(t, "x=1", u.Query)
}

func TestParseRawTailPreservesTrailingBytes(t *testing.T) {
	u, err := Parse("http://a.test/ink/rh?weird=1/2", ParseModeRawTail)
	require.NoError(t, err)
	assert.True(t, u.HasPathBreakdown() == false)
	assert.Equal(t, "/ink/rh?weird=1/2", u.RawTail())
}

func TestParseRejectsMissingScheme(t *testing.T) {
	_, err := Parse("a.test/path", ParseModeBreakdown)
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	u, err := Parse("http://a.test/x", ParseModeBreakdown)
	require.NoError(t, err)
	c := u.Clone()
	c.Host = "b.test"
	assert.Equal(t, "a.test", u.Host)
	assert.Equal(t, "b.test", c.Host)
}

func TestLowercaseHost(t *testing.T) {
	u, err := Parse("http://MiXed.Case/", ParseModeBreakdown)
	require.NoError(t, err)
	assert.Equal(t, "mixed.case", u.LowercaseHost())
}

func TestEndsWithDoubleSlash(t *testing.T) {
	u, err := Parse("http://a.test//", ParseModeRawTail)
	require.NoError(t, err)
	assert.True(t, u.EndsWithDoubleSlash())

	u2, err := Parse("http://a.test/x", ParseModeRawTail)
	require.NoError(t, err)
	assert.False(t, u2.EndsWithDoubleSlash())
}

func TestStringRoundTrip(t *testing.T) {
	u, err := Parse("http://a.test:81/x?y=2", ParseModeBreakdown)
	require.NoError(t, err)
	assert.Equal(t, "http://a.test:81/x?y=2", u.String())
}
