package gateway

import (
	"strings"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remapcore/engine/internal/rewrite/pluginregistry"
	"github.com/remapcore/engine/internal/rewrite/ruleconf"
	"github.com/remapcore/engine/internal/rewrite/ruletable"
	"github.com/remapcore/engine/internal/rewrite/rewriter"
	"github.com/remapcore/engine/internal/rewrite/urlview"
)

func headerReq(kv map[string]string) *extprocv3.ProcessingRequest {
	var headers []*corev3.HeaderValue
	for k, v := range kv {
		headers = append(headers, &corev3.HeaderValue{Key: k, Value: v})
	}
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestHeaders{
			RequestHeaders: &extprocv3.HttpHeaders{
				Headers: &corev3.HeaderMap{Headers: headers},
			},
		},
	}
}

type staticSource struct{ rw *rewriter.Rewriter }

func (s staticSource) Current() *rewriter.Rewriter { return s.rw }

func buildRewriter(t *testing.T, src string) *rewriter.Rewriter {
	t.Helper()
	res, err := ruleconf.Compile(strings.NewReader(src), ruleconf.Options{})
	require.NoError(t, err)
	return rewriter.New(res.Table, res.Regex)
}

func TestProcessRequestHeadersForwardsMatchedRule(t *testing.T) {
	rw := buildRewriter(t, "map http://a.test/ http://b.test/\n")
	p := NewProcessor(staticSource{rw}, nil, nil)

	resp, err := p.processRequest(headerReq(map[string]string{
		":authority": "a.test",
		":path":      "/x",
		":method":    "GET",
		":scheme":    "http",
	}))
	require.NoError(t, err)
	rh := resp.GetRequestHeaders()
	require.NotNil(t, rh)
	mutation := rh.Response.HeaderMutation
	require.NotNil(t, mutation)

	var gotAuthority string
	for _, h := range mutation.SetHeaders {
		if h.Header.Key == ":authority" {
			gotAuthority = string(h.Header.RawValue)
		}
	}
	assert.Equal(t, "b.test", gotAuthority)
}

func TestProcessRequestHeadersNoMatchPassesThrough(t *testing.T) {
	rw := buildRewriter(t, "map http://a.test/ http://b.test/\n")
	p := NewProcessor(staticSource{rw}, nil, nil)

	resp, err := p.processRequest(headerReq(map[string]string{
		":authority": "nowhere.test",
		":path":      "/",
		":method":    "GET",
	}))
	require.NoError(t, err)
	rh := resp.GetRequestHeaders()
	require.NotNil(t, rh)
	assert.Nil(t, rh.Response)
}

func TestProcessRequestHeadersRedirectClassTakesPriorityOverForward(t *testing.T) {
	rw := buildRewriter(t, strings.Join([]string{
		"map http://a.test/ http://forward.test/",
		"redirect http://a.test/ http://redirected.test/",
	}, "\n"))
	p := NewProcessor(staticSource{rw}, nil, nil)

	resp, err := p.processRequest(headerReq(map[string]string{
		":authority": "a.test",
		":path":      "/",
		":method":    "GET",
	}))
	require.NoError(t, err)
	ir := resp.GetImmediateResponse()
	require.NotNil(t, ir, "a matching redirect class must short-circuit the forward class")
	assert.Equal(t, typev3.StatusCode_MovedPermanently, ir.Status.Code)

	var location string
	for _, h := range ir.Headers.SetHeaders {
		if h.Header.Key == "location" {
			location = string(h.Header.RawValue)
		}
	}
	assert.Equal(t, "http://redirected.test/", location)
}

func TestExtractVarsPrefersXForwardedProtoWhenSchemeAbsent(t *testing.T) {
	vars := extractVars(headerReq(map[string]string{
		":authority":        "a.test",
		"x-forwarded-proto": "https",
	}).GetRequestHeaders())
	assert.Equal(t, "https", vars.scheme)
}

func TestExtractVarsDefaultsSchemeToHTTP(t *testing.T) {
	vars := extractVars(headerReq(map[string]string{":authority": "a.test"}).GetRequestHeaders())
	assert.Equal(t, "http", vars.scheme)
}

func TestFirstIPTakesLeadingAddressFromXFF(t *testing.T) {
	assert.Equal(t, "10.0.0.1", firstIP("10.0.0.1, 10.0.0.2"))
}

func TestIPToUint32RejectsNonIPv4(t *testing.T) {
	assert.Equal(t, uint32(0), ipToUint32("not-an-ip"))
	assert.Equal(t, uint32(0), ipToUint32("::1"))
	assert.NotZero(t, ipToUint32("10.0.0.1"))
}

func TestProcessRequestHeadersDrivesMatchedRulePluginChain(t *testing.T) {
	rw := buildRewriter(t, "map http://a.test/ http://b.test/\n")
	rule := rw.Table.Arena.Get(0)
	rule.Plugins = []ruletable.PluginAttachment{{
		Path: "rewrite.so",
		Info: &pluginregistry.Info{Cap: pluginregistry.Capability{
			DoRemap: func(_ pluginregistry.Instance, _ any, rri *pluginregistry.RequestInfo) pluginregistry.RemapResult {
				rri.RequestURL = &urlview.URL{Scheme: "http", Host: "plugin.test", Path: "/plugged"}
				return pluginregistry.DidRemapStop
			},
		}},
	}}

	p := NewProcessor(staticSource{rw}, nil, nil)
	resp, err := p.processRequest(headerReq(map[string]string{
		":authority": "a.test",
		":path":      "/x",
		":method":    "GET",
		":scheme":    "http",
	}))
	require.NoError(t, err)
	mutation := resp.GetRequestHeaders().Response.HeaderMutation
	require.NotNil(t, mutation)

	var gotAuthority, gotPath string
	for _, h := range mutation.SetHeaders {
		switch h.Header.Key {
		case ":authority":
			gotAuthority = string(h.Header.RawValue)
		case ":path":
			gotPath = string(h.Header.RawValue)
		}
	}
	assert.Equal(t, "plugin.test", gotAuthority, "a plugin that claims the rewrite must override the rule's own to-URL")
	assert.Equal(t, "/plugged", gotPath)
}

func TestProcessRequestHeadersSkipsUnloadedPluginAttachment(t *testing.T) {
	rw := buildRewriter(t, "map http://a.test/ http://b.test/\n")
	rule := rw.Table.Arena.Get(0)
	rule.Plugins = []ruletable.PluginAttachment{{Path: "unloaded.so"}}

	p := NewProcessor(staticSource{rw}, nil, nil)
	resp, err := p.processRequest(headerReq(map[string]string{
		":authority": "a.test",
		":path":      "/x",
		":method":    "GET",
		":scheme":    "http",
	}))
	require.NoError(t, err)
	mutation := resp.GetRequestHeaders().Response.HeaderMutation
	require.NotNil(t, mutation)

	var gotAuthority string
	for _, h := range mutation.SetHeaders {
		if h.Header.Key == ":authority" {
			gotAuthority = string(h.Header.RawValue)
		}
	}
	assert.Equal(t, "b.test", gotAuthority, "an attachment with no resolved Info must fall back to the rule's own to-URL")
}

func TestTableHashAfterMatchExposesFiltersForACL(t *testing.T) {
	rw := buildRewriter(t, "map http://a.test/ http://b.test/ @method=GET @action=deny\n")
	p := NewProcessor(staticSource{rw}, nil, nil)

	resp, err := p.processRequest(headerReq(map[string]string{
		":authority": "a.test",
		":path":      "/",
		":method":    "GET",
	}))
	require.NoError(t, err)
	mutation := resp.GetRequestHeaders().Response.HeaderMutation
	var aclHeader string
	for _, h := range mutation.SetHeaders {
		if h.Header.Key == "x-acl-enabled" {
			aclHeader = string(h.Header.RawValue)
		}
	}
	assert.Equal(t, "false", aclHeader, "the rule's @action=deny filter must disable the request")
}
