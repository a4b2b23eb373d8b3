package routing

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := New([]Route{
		{Path: "/api/analysis/*", Methods: []string{"POST"}, Tier: "analysis"},
		{Path: "/api/vote", Methods: []string{"post"}, Tier: "vote"},
		{Path: "/api/bills/*/status", Methods: []string{http.MethodGet}, Tier: "polling"},
		{Path: "/api/*", Tier: "api"},
	}, "default")
	require.NoError(t, err)
	return tbl
}

func TestTable_Tier(t *testing.T) {
	tbl := newTestTable(t)
	tests := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{"exact with method", http.MethodPost, "/api/vote", "vote"},
		{"method mismatch falls to next route", http.MethodGet, "/api/vote", "api"},
		{"glob", http.MethodPost, "/api/analysis/123", "analysis"},
		{"glob spans segments", http.MethodPost, "/api/analysis/bill/42", "analysis"},
		{"inner wildcard", http.MethodGet, "/api/bills/hr-1/status", "polling"},
		{"HEAD follows GET", http.MethodHead, "/api/bills/hr-1/status", "polling"},
		{"HEAD does not follow POST", http.MethodHead, "/api/vote", "api"},
		{"lowercase method", "post", "/api/vote", "vote"},
		{"any method route", http.MethodDelete, "/api/things", "api"},
		{"no match uses fallback", http.MethodGet, "/", "default"},
		{"no match uses fallback deep", http.MethodGet, "/static/app.js", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tbl.Tier(tt.method, tt.path))
		})
	}
}

func TestTable_Tier_CleansPath(t *testing.T) {
	tbl := newTestTable(t)

	assert.Equal(t, "vote", tbl.Tier(http.MethodPost, "/static/../api/vote"))
	assert.Equal(t, "vote", tbl.Tier(http.MethodPost, "//api//vote"))
	assert.Equal(t, "vote", tbl.Tier(http.MethodPost, "/api/./vote"))
	assert.Equal(t, "analysis", tbl.Tier(http.MethodPost, "/api/x/../analysis/1"))
}

func TestTable_Tier_TrailingSlash(t *testing.T) {
	tbl := newTestTable(t)

	assert.Equal(t, "vote", tbl.Tier(http.MethodPost, "/api/vote/"))
	assert.Equal(t, "vote", tbl.Tier(http.MethodPost, "/api//vote//"))
	assert.Equal(t, "vote", tbl.Tier(http.MethodPost, "/api/x/../vote/"))
	assert.Equal(t, "polling", tbl.Tier(http.MethodGet, "/api/bills/hr-1/status/"))
	assert.Equal(t, "default", tbl.Tier(http.MethodGet, "/"))
}

func TestTable_FirstMatchWins(t *testing.T) {
	tbl, err := New([]Route{
		{Path: "/api/*", Tier: "broad"},
		{Path: "/api/vote", Tier: "narrow"},
	}, "default")
	require.NoError(t, err)

	assert.Equal(t, "broad", tbl.Tier(http.MethodPost, "/api/vote"))
}

func TestTable_NoRoutes(t *testing.T) {
	tbl, err := New(nil, "default")
	require.NoError(t, err)

	assert.Equal(t, "default", tbl.Tier(http.MethodGet, "/anything"))
	assert.Equal(t, []string{"default"}, tbl.Tiers())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil, "")
	require.Error(t, err)

	_, err = New([]Route{
		{Path: "api/vote", Tier: "vote"},
		{Path: "/ok", Tier: ""},
	}, "default")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `path "api/vote" must start with /`)
	assert.Contains(t, err.Error(), "tier must not be empty")
}

func TestTable_Tiers(t *testing.T) {
	tbl := newTestTable(t)
	assert.Equal(t, []string{"default", "analysis", "vote", "polling", "api"}, tbl.Tiers())
}

func TestTable_Routes_IsCopy(t *testing.T) {
	tbl := newTestTable(t)
	routes := tbl.Routes()
	require.Len(t, routes, 4)
	routes[0].Tier = "mutated"

	assert.Equal(t, "analysis", tbl.Tier(http.MethodPost, "/api/analysis/1"))
}

func TestTable_Validate(t *testing.T) {
	tbl := newTestTable(t)
	known := map[string]bool{"default": true, "analysis": true, "vote": true, "polling": true, "api": true}

	require.NoError(t, tbl.Validate(func(s string) bool { return known[s] }))

	delete(known, "polling")
	delete(known, "api")
	err := tbl.Validate(func(s string) bool { return known[s] })
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tier "polling"`)
	assert.Contains(t, err.Error(), `tier "api"`)
}
