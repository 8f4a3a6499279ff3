package libmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// toolServer is an httptest-backed MCP server speaking the JSON-RPC-over-HTTP
// wire: GET /health plus POST of Request envelopes to the root.
type toolServer struct {
	*httptest.Server
	tools       []Tool
	callResults map[string]interface{}
	calls       []Request
	healthCode  int
}

func newToolServer(t *testing.T, tools []Tool) *toolServer {
	t.Helper()
	ts := &toolServer{
		tools:       tools,
		callResults: map[string]interface{}{},
		healthCode:  http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(ts.healthCode)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		ts.calls = append(ts.calls, req)

		resp := Response{JSONRPC: JSONRPCVersion, ID: req.ID}
		switch req.Method {
		case "tools/list":
			result, _ := json.Marshal(ToolsListResult{Tools: ts.tools})
			resp.Result = result
		case "tools/call":
			name, _ := req.Params["name"].(string)
			if result, ok := ts.callResults[name]; ok {
				raw, _ := json.Marshal(result)
				resp.Result = raw
			} else {
				resp.Error = &RPCError{Code: -32601, Message: fmt.Sprintf("unknown tool %q", name)}
			}
		default:
			resp.Error = &RPCError{Code: -32601, Message: "method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	})

	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// recordingScreener is a Screener stub that records what it saw and blocks
// by method or tool name.
type recordingScreener struct {
	blockedMethods map[string]bool
	blockedTools   map[string]bool
	interactions   []string
}

func (s *recordingScreener) ScreenInteraction(_ context.Context, method string, _ map[string]interface{}, result json.RawMessage) error {
	phase := "request"
	if result != nil {
		phase = "response"
	}
	s.interactions = append(s.interactions, method+":"+phase)
	if s.blockedMethods[method] {
		return fmt.Errorf("interaction %q flagged", method)
	}
	return nil
}

func (s *recordingScreener) ScreenTools(_ context.Context, tools []Tool) []Tool {
	var safe []Tool
	for _, tool := range tools {
		if !s.blockedTools[tool.Name] {
			safe = append(safe, tool)
		}
	}
	return safe
}

func TestClientConnect(t *testing.T) {
	t.Run("healthy server", func(t *testing.T) {
		ts := newToolServer(t, nil)
		client := NewClient(ts.URL, 5*time.Second, nil, nil)
		defer client.Close()

		assert.NoError(t, client.Connect(context.Background()))
	})

	t.Run("unhealthy server", func(t *testing.T) {
		ts := newToolServer(t, nil)
		ts.healthCode = http.StatusServiceUnavailable
		client := NewClient(ts.URL, 5*time.Second, nil, nil)
		defer client.Close()

		err := client.Connect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("unreachable server", func(t *testing.T) {
		client := NewClient("http://127.0.0.1:1", 1*time.Second, nil, nil)
		defer client.Close()

		assert.Error(t, client.Connect(context.Background()))
	})
}

func TestClientServerURL(t *testing.T) {
	client := NewClient("http://localhost:8000/", 0, nil, nil)
	assert.Equal(t, "http://localhost:8000", client.ServerURL())
}

func TestClientSend(t *testing.T) {
	t.Run("result response", func(t *testing.T) {
		ts := newToolServer(t, []Tool{{Name: "echo", Description: "echoes"}})
		client := NewClient(ts.URL, 5*time.Second, nil, nil)
		defer client.Close()

		resp, err := client.Send(context.Background(), "tools/list", nil)
		require.NoError(t, err)
		require.Nil(t, resp.Error)
		assert.Equal(t, JSONRPCVersion, resp.JSONRPC)

		var result ToolsListResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		assert.Len(t, result.Tools, 1)
	})

	t.Run("error response", func(t *testing.T) {
		ts := newToolServer(t, nil)
		client := NewClient(ts.URL, 5*time.Second, nil, nil)
		defer client.Close()

		resp, err := client.Send(context.Background(), "no/such/method", nil)
		require.NoError(t, err)
		require.NotNil(t, resp.Error)
		assert.Equal(t, -32601, resp.Error.Code)
	})

	t.Run("request ids increase", func(t *testing.T) {
		ts := newToolServer(t, nil)
		client := NewClient(ts.URL, 5*time.Second, nil, nil)
		defer client.Close()

		_, err := client.Send(context.Background(), "tools/list", nil)
		require.NoError(t, err)
		_, err = client.Send(context.Background(), "tools/list", nil)
		require.NoError(t, err)

		require.Len(t, ts.calls, 2)
		assert.Greater(t, ts.calls[1].ID, ts.calls[0].ID)
	})

	t.Run("client error is not retried", func(t *testing.T) {
		var hits int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, 5*time.Second, nil, nil)
		defer client.Close()

		_, err := client.Send(context.Background(), "tools/list", nil)
		require.Error(t, err)
		assert.Equal(t, 1, hits)

		var httpErr *HTTPStatusError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	})

	t.Run("server error is retried", func(t *testing.T) {
		var hits int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			if hits == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(Response{ //nolint:errcheck
				JSONRPC: JSONRPCVersion,
				Result:  json.RawMessage(`{"ok":true}`),
			})
		}))
		defer srv.Close()

		client := NewClient(srv.URL, 10*time.Second, nil, nil)
		defer client.Close()

		resp, err := client.Send(context.Background(), "tools/list", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, hits)
		assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
	})
}

func TestClientSendScreening(t *testing.T) {
	t.Run("request and response are screened", func(t *testing.T) {
		ts := newToolServer(t, nil)
		ts.callResults["echo"] = map[string]interface{}{"content": "hi"}
		screener := &recordingScreener{}
		client := NewClient(ts.URL, 5*time.Second, screener, nil)
		defer client.Close()

		_, err := client.CallTool(context.Background(), "echo", map[string]interface{}{"text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, []string{"tools/call:request", "tools/call:response"}, screener.interactions)
	})

	t.Run("violation aborts the call", func(t *testing.T) {
		ts := newToolServer(t, nil)
		screener := &recordingScreener{blockedMethods: map[string]bool{"tools/call": true}}
		client := NewClient(ts.URL, 5*time.Second, screener, nil)
		defer client.Close()

		_, err := client.CallTool(context.Background(), "echo", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "flagged")
		// Nothing reached the server.
		assert.Empty(t, ts.calls)
	})
}

func TestClientListTools(t *testing.T) {
	tools := []Tool{
		{Name: "search", Description: "Searches the web", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "shell", Description: "Runs arbitrary commands"},
	}

	t.Run("without screener", func(t *testing.T) {
		ts := newToolServer(t, tools)
		client := NewClient(ts.URL, 5*time.Second, nil, nil)
		defer client.Close()

		got, err := client.ListTools(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tools, got)
	})

	t.Run("screener filters flagged tools", func(t *testing.T) {
		ts := newToolServer(t, tools)
		screener := &recordingScreener{blockedTools: map[string]bool{"shell": true}}
		client := NewClient(ts.URL, 5*time.Second, screener, nil)
		defer client.Close()

		got, err := client.ListTools(context.Background())
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "search", got[0].Name)
	})
}

func TestClientCallTool(t *testing.T) {
	ts := newToolServer(t, nil)
	ts.callResults["search"] = map[string]interface{}{"answer": 42.0}
	client := NewClient(ts.URL, 5*time.Second, nil, nil)
	defer client.Close()

	resp, err := client.CallTool(context.Background(), "search", map[string]interface{}{"query": "meaning of life"})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"answer":42}`, string(resp.Result))

	require.Len(t, ts.calls, 1)
	call := ts.calls[0]
	assert.Equal(t, "tools/call", call.Method)
	assert.Equal(t, "search", call.Params["name"])
	args, ok := call.Params["arguments"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "meaning of life", args["query"])
}

func TestCallToolUnknown(t *testing.T) {
	ts := newToolServer(t, nil)
	client := NewClient(ts.URL, 5*time.Second, nil, nil)
	defer client.Close()

	resp, err := client.CallTool(context.Background(), "missing", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.True(t, strings.Contains(resp.Error.Message, "missing"))
}
