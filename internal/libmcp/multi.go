package libmcp

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RoutedTool is a tool in the unified namespace, tagged with the origin of
// the server that advertised it.
type RoutedTool struct {
	Tool
	ServerURL string
}

// Server is a registered MCP server: its normalized origin, the client
// bound to it, and the tools discovered from it. The tool list is replaced
// wholesale on every refresh.
type Server struct {
	URL       string
	Client    *Client
	Tools     []RoutedTool
	Connected bool
}

// ServerInfo summarizes one registered server.
type ServerInfo struct {
	Connected bool     `json:"connected"`
	ToolCount int      `json:"tool_count"`
	Tools     []string `json:"tools"`
}

// MultiStats holds routing counters and live totals.
type MultiStats struct {
	ServersAdded    int `json:"servers_added"`
	ToolsDiscovered int `json:"tools_discovered"`
	RequestsRouted  int `json:"requests_routed"`
	RoutingErrors   int `json:"routing_errors"`
	TotalServers    int `json:"total_servers"`
	TotalTools      int `json:"total_tools"`
}

// MultiClient manages a set of MCP servers keyed by normalized origin and
// routes tool calls by name to the server that owns the tool. When two
// servers advertise the same tool name, the later registration wins.
type MultiClient struct {
	servers  map[string]*Server
	tools    map[string]RoutedTool
	screener Screener
	timeout  time.Duration
	log      *zap.Logger
	stats    MultiStats
}

// NewMultiClient creates an empty multi-server client. The screener and
// timeout are handed to every per-server client it builds.
func NewMultiClient(timeout time.Duration, screener Screener, logger *zap.Logger) *MultiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiClient{
		servers:  make(map[string]*Server),
		tools:    make(map[string]RoutedTool),
		screener: screener,
		timeout:  timeout,
		log:      logger,
	}
}

// NormalizeOrigin reduces a server URL to its scheme://host origin, which
// is the key servers are registered under.
func NormalizeOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid server URL %q: scheme must be http or https", rawURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// AddServer registers the server at rawURL: it normalizes the origin,
// health-checks it, and discovers its tools. Discovery failures are logged
// but do not fail the registration; the server is kept with an empty tool
// list until the next refresh.
func (m *MultiClient) AddServer(ctx context.Context, rawURL string) error {
	origin, err := NormalizeOrigin(rawURL)
	if err != nil {
		return err
	}
	if _, ok := m.servers[origin]; ok {
		return fmt.Errorf("server %s already exists", origin)
	}

	client := NewClient(origin, m.timeout, m.screener, m.log)
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to server %s: %w", origin, err)
	}

	server := &Server{
		URL:       origin,
		Client:    client,
		Connected: true,
	}
	m.servers[origin] = server
	m.stats.ServersAdded++

	m.discoverTools(ctx, server)

	m.log.Info("added server",
		zap.String("server", origin),
		zap.Int("tools", len(server.Tools)),
	)
	return nil
}

// RemoveServer deregisters a server and evicts its tools from the unified
// namespace.
func (m *MultiClient) RemoveServer(rawURL string) error {
	origin, err := NormalizeOrigin(rawURL)
	if err != nil {
		return err
	}
	server, ok := m.servers[origin]
	if !ok {
		return fmt.Errorf("server %s not found", origin)
	}

	m.evictTools(origin)
	server.Client.Close()
	delete(m.servers, origin)

	m.log.Info("removed server", zap.String("server", origin))
	return nil
}

// evictTools drops every tool owned by origin from the namespace.
func (m *MultiClient) evictTools(origin string) {
	for name, tool := range m.tools {
		if tool.ServerURL == origin {
			delete(m.tools, name)
		}
	}
}

// discoverTools replaces a server's tool list with a fresh tools/list
// snapshot and registers the snapshot into the unified namespace.
func (m *MultiClient) discoverTools(ctx context.Context, server *Server) {
	tools, err := server.Client.ListTools(ctx)
	if err != nil {
		m.log.Error("error discovering tools",
			zap.String("server", server.URL),
			zap.Error(err),
		)
		return
	}

	m.evictTools(server.URL)
	server.Tools = server.Tools[:0]

	for _, tool := range tools {
		routed := RoutedTool{Tool: tool, ServerURL: server.URL}
		server.Tools = append(server.Tools, routed)
		m.tools[tool.Name] = routed
		m.stats.ToolsDiscovered++
	}
}

// RefreshTools re-discovers the tools of one server.
func (m *MultiClient) RefreshTools(ctx context.Context, rawURL string) error {
	origin, err := NormalizeOrigin(rawURL)
	if err != nil {
		return err
	}
	server, ok := m.servers[origin]
	if !ok {
		return fmt.Errorf("server %s not found", origin)
	}
	m.discoverTools(ctx, server)
	return nil
}

// RefreshAll re-discovers the tools of every registered server.
func (m *MultiClient) RefreshAll(ctx context.Context) {
	for _, server := range m.servers {
		m.discoverTools(ctx, server)
	}
}

// ListTools returns every tool in the unified namespace, sorted by name.
func (m *MultiClient) ListTools() []RoutedTool {
	tools := make([]RoutedTool, 0, len(m.tools))
	for _, tool := range m.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// FindTool looks a tool up by name.
func (m *MultiClient) FindTool(name string) (RoutedTool, bool) {
	tool, ok := m.tools[name]
	return tool, ok
}

// SearchTools returns the tools whose name or description contains the
// query, case-insensitively.
func (m *MultiClient) SearchTools(query string) []RoutedTool {
	q := strings.ToLower(query)
	var matches []RoutedTool
	for _, tool := range m.ListTools() {
		if strings.Contains(strings.ToLower(tool.Name), q) ||
			strings.Contains(strings.ToLower(tool.Description), q) {
			matches = append(matches, tool)
		}
	}
	return matches
}

// CallTool routes a tool call by name to the server that owns the tool.
func (m *MultiClient) CallTool(ctx context.Context, name string, arguments map[string]interface{}) (*Response, error) {
	tool, ok := m.FindTool(name)
	if !ok {
		return nil, fmt.Errorf("tool %q not found", name)
	}
	server, ok := m.servers[tool.ServerURL]
	if !ok {
		return nil, fmt.Errorf("server for tool %q not available", name)
	}

	m.stats.RequestsRouted++
	resp, err := server.Client.CallTool(ctx, name, arguments)
	if err != nil {
		m.stats.RoutingErrors++
		m.log.Error("error calling tool",
			zap.String("tool", name),
			zap.String("server", tool.ServerURL),
			zap.Error(err),
		)
		return nil, err
	}
	return resp, nil
}

// ServerInfo reports the registered servers and their tool names.
func (m *MultiClient) ServerInfo() map[string]ServerInfo {
	info := make(map[string]ServerInfo, len(m.servers))
	for origin, server := range m.servers {
		names := make([]string, 0, len(server.Tools))
		for _, tool := range server.Tools {
			names = append(names, tool.Name)
		}
		info[origin] = ServerInfo{
			Connected: server.Connected,
			ToolCount: len(server.Tools),
			Tools:     names,
		}
	}
	return info
}

// Stats returns the routing counters with live server and tool totals.
func (m *MultiClient) Stats() MultiStats {
	stats := m.stats
	stats.TotalServers = len(m.servers)
	stats.TotalTools = len(m.tools)
	return stats
}

// Close closes every server client and empties the registry.
func (m *MultiClient) Close() {
	for _, server := range m.servers {
		server.Client.Close()
	}
	m.servers = make(map[string]*Server)
	m.tools = make(map[string]RoutedTool)
}
