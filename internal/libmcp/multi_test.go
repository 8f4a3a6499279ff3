package libmcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMulti(t *testing.T) *MultiClient {
	t.Helper()
	m := NewMultiClient(5*time.Second, nil, nil)
	t.Cleanup(m.Close)
	return m
}

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		want    string
		wantErr bool
	}{
		{"plain origin", "http://localhost:8000", "http://localhost:8000", false},
		{"trailing slash", "http://localhost:8000/", "http://localhost:8000", false},
		{"path is dropped", "https://tools.example.com/mcp/v1", "https://tools.example.com", false},
		{"query is dropped", "http://localhost:8000?x=1", "http://localhost:8000", false},
		{"missing scheme", "localhost:8000", "", true},
		{"bad scheme", "ftp://localhost:8000", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeOrigin(tt.rawURL)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMultiClientAddServer(t *testing.T) {
	ctx := context.Background()

	t.Run("discovers tools on add", func(t *testing.T) {
		ts := newToolServer(t, []Tool{{Name: "search", Description: "web search"}})
		m := newMulti(t)

		require.NoError(t, m.AddServer(ctx, ts.URL))

		stats := m.Stats()
		assert.Equal(t, 1, stats.ServersAdded)
		assert.Equal(t, 1, stats.ToolsDiscovered)
		assert.Equal(t, 1, stats.TotalServers)
		assert.Equal(t, 1, stats.TotalTools)
	})

	t.Run("duplicate origin is rejected", func(t *testing.T) {
		ts := newToolServer(t, nil)
		m := newMulti(t)

		require.NoError(t, m.AddServer(ctx, ts.URL))
		err := m.AddServer(ctx, ts.URL+"/some/path")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
		assert.Equal(t, 1, m.Stats().ServersAdded)
	})

	t.Run("unhealthy server is rejected", func(t *testing.T) {
		ts := newToolServer(t, nil)
		ts.healthCode = 500
		m := newMulti(t)

		err := m.AddServer(ctx, ts.URL)
		require.Error(t, err)
		assert.Equal(t, 0, m.Stats().TotalServers)
	})

	t.Run("invalid url", func(t *testing.T) {
		m := newMulti(t)
		assert.Error(t, m.AddServer(ctx, "not-a-url"))
	})
}

func TestMultiClientRouting(t *testing.T) {
	ctx := context.Background()

	searchSrv := newToolServer(t, []Tool{{Name: "search", Description: "web search"}})
	searchSrv.callResults["search"] = map[string]interface{}{"hits": 3.0}
	mathSrv := newToolServer(t, []Tool{{Name: "add", Description: "adds numbers"}})
	mathSrv.callResults["add"] = map[string]interface{}{"sum": 7.0}

	m := newMulti(t)
	require.NoError(t, m.AddServer(ctx, searchSrv.URL))
	require.NoError(t, m.AddServer(ctx, mathSrv.URL))

	t.Run("unified namespace", func(t *testing.T) {
		tools := m.ListTools()
		require.Len(t, tools, 2)
		// sorted by name
		assert.Equal(t, "add", tools[0].Name)
		assert.Equal(t, "search", tools[1].Name)
	})

	t.Run("find tool carries its origin", func(t *testing.T) {
		tool, ok := m.FindTool("add")
		require.True(t, ok)
		assert.Equal(t, mathSrv.URL, tool.ServerURL)

		_, ok = m.FindTool("nope")
		assert.False(t, ok)
	})

	t.Run("call routes to the owning server", func(t *testing.T) {
		resp, err := m.CallTool(ctx, "add", map[string]interface{}{"a": 3, "b": 4})
		require.NoError(t, err)
		assert.JSONEq(t, `{"sum":7}`, string(resp.Result))

		require.Len(t, mathSrv.calls, 2) // tools/list + tools/call
		assert.Equal(t, "tools/call", mathSrv.calls[1].Method)
		// The search server only ever saw discovery.
		require.Len(t, searchSrv.calls, 1)
		assert.Equal(t, "tools/list", searchSrv.calls[0].Method)
	})

	t.Run("unknown tool is an error", func(t *testing.T) {
		_, err := m.CallTool(ctx, "nope", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("stats", func(t *testing.T) {
		stats := m.Stats()
		assert.Equal(t, 2, stats.ServersAdded)
		assert.Equal(t, 2, stats.ToolsDiscovered)
		assert.Equal(t, 1, stats.RequestsRouted)
		assert.Equal(t, 0, stats.RoutingErrors)
	})
}

func TestMultiClientSearchTools(t *testing.T) {
	ctx := context.Background()
	ts := newToolServer(t, []Tool{
		{Name: "web_search", Description: "Searches the web"},
		{Name: "calculator", Description: "Does arithmetic"},
	})
	m := newMulti(t)
	require.NoError(t, m.AddServer(ctx, ts.URL))

	t.Run("matches name", func(t *testing.T) {
		matches := m.SearchTools("SEARCH")
		require.Len(t, matches, 1)
		assert.Equal(t, "web_search", matches[0].Name)
	})

	t.Run("matches description", func(t *testing.T) {
		matches := m.SearchTools("arithmetic")
		require.Len(t, matches, 1)
		assert.Equal(t, "calculator", matches[0].Name)
	})

	t.Run("no matches", func(t *testing.T) {
		assert.Empty(t, m.SearchTools("deploy"))
	})
}

func TestMultiClientRemoveServer(t *testing.T) {
	ctx := context.Background()
	keep := newToolServer(t, []Tool{{Name: "keep_me", Description: ""}})
	drop := newToolServer(t, []Tool{{Name: "drop_me", Description: ""}})

	m := newMulti(t)
	require.NoError(t, m.AddServer(ctx, keep.URL))
	require.NoError(t, m.AddServer(ctx, drop.URL))
	require.Len(t, m.ListTools(), 2)

	require.NoError(t, m.RemoveServer(drop.URL))

	// The removed server's tools are evicted from the namespace.
	_, ok := m.FindTool("drop_me")
	assert.False(t, ok)
	_, ok = m.FindTool("keep_me")
	assert.True(t, ok)
	assert.Equal(t, 1, m.Stats().TotalServers)

	t.Run("removing twice fails", func(t *testing.T) {
		assert.Error(t, m.RemoveServer(drop.URL))
	})
}

func TestMultiClientRefreshTools(t *testing.T) {
	ctx := context.Background()
	ts := newToolServer(t, []Tool{{Name: "old_tool", Description: ""}})
	m := newMulti(t)
	require.NoError(t, m.AddServer(ctx, ts.URL))

	// The server's advertised tools change; a refresh replaces the list
	// wholesale.
	ts.tools = []Tool{{Name: "new_tool", Description: ""}}
	require.NoError(t, m.RefreshTools(ctx, ts.URL))

	_, ok := m.FindTool("old_tool")
	assert.False(t, ok)
	_, ok = m.FindTool("new_tool")
	assert.True(t, ok)
	assert.Equal(t, 1, m.Stats().TotalTools)

	t.Run("unknown server", func(t *testing.T) {
		assert.Error(t, m.RefreshTools(ctx, "http://localhost:59999"))
	})
}

func TestMultiClientServerInfo(t *testing.T) {
	ctx := context.Background()
	ts := newToolServer(t, []Tool{{Name: "search", Description: ""}})
	m := newMulti(t)
	require.NoError(t, m.AddServer(ctx, ts.URL))

	info := m.ServerInfo()
	require.Len(t, info, 1)
	entry, ok := info[ts.URL]
	require.True(t, ok)
	assert.True(t, entry.Connected)
	assert.Equal(t, 1, entry.ToolCount)
	assert.Equal(t, []string{"search"}, entry.Tools)
}

func TestMultiClientClose(t *testing.T) {
	ctx := context.Background()
	ts := newToolServer(t, []Tool{{Name: "search", Description: ""}})
	m := NewMultiClient(5*time.Second, nil, nil)
	require.NoError(t, m.AddServer(ctx, ts.URL))

	m.Close()
	assert.Equal(t, 0, m.Stats().TotalServers)
	assert.Equal(t, 0, m.Stats().TotalTools)
}
