package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eurogig/simple-mcp-client/internal/libmcp"
)

// ViolationError is returned when screening flags a payload and the manager
// runs fail-closed. It carries the per-category verdicts and scores of the
// flagged screen.
type ViolationError struct {
	Message    string
	Categories map[string]bool
	Scores     map[string]float64
}

func (e *ViolationError) Error() string {
	return e.Message
}

// Stats holds the four monotonic screening counters. Reset on demand, never
// persisted.
type Stats struct {
	ToolsScreened        int `json:"tools_screened"`
	InteractionsScreened int `json:"interactions_screened"`
	ViolationsDetected   int `json:"violations_detected"`
	ScreeningErrors      int `json:"screening_errors"`
}

// ManagerOptions toggles the manager's behavior. The zero value screens
// both tools and interactions and fails closed.
type ManagerOptions struct {
	// DisableToolScreening skips screening of tool descriptions.
	DisableToolScreening bool
	// DisableInteractionScreening skips screening of method calls and
	// responses.
	DisableInteractionScreening bool
	// LogOnly logs violations instead of returning them as errors.
	LogOnly bool
}

// Manager screens tool descriptions at discovery time and method calls and
// responses at call time, keeping aggregate counters. A screening API
// failure fails open: the payload passes and the error counter is bumped.
// It implements libmcp.Screener.
type Manager struct {
	client *Client
	opts   ManagerOptions
	log    *zap.Logger

	mu    sync.Mutex
	stats Stats
}

var _ libmcp.Screener = (*Manager)(nil)

// NewManager wraps a screening API client into a security manager.
func NewManager(client *Client, opts ManagerOptions, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client: client,
		opts:   opts,
		log:    logger,
	}
}

// ScreenToolRegistration screens one tool at discovery time. It reports
// whether the tool is safe; in fail-closed mode a flagged tool also returns
// a *ViolationError.
func (m *Manager) ScreenToolRegistration(ctx context.Context, tool libmcp.Tool) (bool, error) {
	if m.opts.DisableToolScreening {
		return true, nil
	}

	requestID := uuid.NewString()
	content := fmt.Sprintf("Tool: %s\nDescription: %s", tool.Name, tool.Description)
	if len(tool.InputSchema) > 0 {
		content += "\nParameters: " + string(tool.InputSchema)
	}

	result, err := m.client.ScreenToolDescription(ctx, content)
	if err != nil {
		m.bump(func(s *Stats) { s.ScreeningErrors++ })
		m.log.Error("error screening tool",
			zap.String("request_id", requestID),
			zap.String("tool", tool.Name),
			zap.Error(err),
		)
		// Fail open: an unreachable screening service must not take the
		// tool catalog down with it.
		return true, nil
	}

	m.bump(func(s *Stats) { s.ToolsScreened++ })

	if !result.Flagged {
		return true, nil
	}

	m.bump(func(s *Stats) { s.ViolationsDetected++ })
	msg := fmt.Sprintf("tool %q flagged by security screening", tool.Name)
	if m.opts.LogOnly {
		m.log.Warn(msg,
			zap.String("request_id", requestID),
			zap.Any("categories", result.Categories),
		)
		return false, nil
	}
	return false, &ViolationError{
		Message:    msg,
		Categories: result.Categories,
		Scores:     result.CategoryScores,
	}
}

// ScreenInteraction screens a method call and, when result is non-nil, the
// server's answer to it. Flagged traffic returns a *ViolationError unless
// the manager is log-only.
func (m *Manager) ScreenInteraction(ctx context.Context, method string, params map[string]interface{}, result json.RawMessage) error {
	if m.opts.DisableInteractionScreening {
		return nil
	}

	requestID := uuid.NewString()

	requestVerdict, err := m.client.ScreenInteraction(ctx, method, params)
	if err != nil {
		m.bump(func(s *Stats) { s.ScreeningErrors++ })
		m.log.Error("error screening server interaction",
			zap.String("request_id", requestID),
			zap.String("method", method),
			zap.Error(err),
		)
		return nil
	}

	var responseVerdict *GuardResult
	if len(result) > 0 {
		responseVerdict, err = m.client.Screen(ctx, fmt.Sprintf("Response for %s: %s", method, result))
		if err != nil {
			m.bump(func(s *Stats) { s.ScreeningErrors++ })
			m.log.Error("error screening server response",
				zap.String("request_id", requestID),
				zap.String("method", method),
				zap.Error(err),
			)
			return nil
		}
	}

	m.bump(func(s *Stats) { s.InteractionsScreened++ })

	requestFlagged := requestVerdict.Flagged
	responseFlagged := responseVerdict != nil && responseVerdict.Flagged
	if !requestFlagged && !responseFlagged {
		return nil
	}

	m.bump(func(s *Stats) { s.ViolationsDetected++ })

	msg := "server interaction flagged by security screening"
	if requestFlagged {
		msg += fmt.Sprintf(" (request: %v)", requestVerdict.Categories)
	}
	if responseFlagged {
		msg += fmt.Sprintf(" (response: %v)", responseVerdict.Categories)
	}

	if m.opts.LogOnly {
		m.log.Warn(msg,
			zap.String("request_id", requestID),
			zap.String("method", method),
		)
		return nil
	}

	// The violation detail comes from whichever side was flagged, request
	// first.
	flagged := requestVerdict
	if !requestFlagged {
		flagged = responseVerdict
	}
	return &ViolationError{
		Message:    msg,
		Categories: flagged.Categories,
		Scores:     flagged.CategoryScores,
	}
}

// ScreenTools filters a tool list down to the safe subset. Flagged tools
// are dropped and logged; the rest of the list is still processed.
func (m *Manager) ScreenTools(ctx context.Context, tools []libmcp.Tool) []libmcp.Tool {
	if m.opts.DisableToolScreening {
		return tools
	}

	safe := make([]libmcp.Tool, 0, len(tools))
	for _, tool := range tools {
		ok, err := m.ScreenToolRegistration(ctx, tool)
		if err != nil || !ok {
			m.log.Info("tool filtered out by security screening",
				zap.String("tool", tool.Name),
			)
			continue
		}
		safe = append(safe, tool)
	}
	return safe
}

// Stats returns a snapshot of the screening counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ResetStats zeroes the screening counters.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{}
}

// Close closes the underlying screening API client.
func (m *Manager) Close() {
	m.client.Close()
}

func (m *Manager) bump(f func(*Stats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(&m.stats)
}
