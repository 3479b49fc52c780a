package mcp

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/pcanales/ensemble/pkg/core"
	"github.com/pcanales/ensemble/pkg/errors"
)

// Manager owns all named tool server connections for one application.
// Shutdown disconnects every live connection; wire it into the process-wide
// teardown path.
type Manager struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	logger *slog.Logger
}

// NewManager creates an empty connection manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conns:  make(map[string]*Conn),
		logger: logger,
	}
}

// Connect dials the configured server and registers it under cfg.Name. A
// name already holding a live connection is rejected; disconnect it first.
// A catalog fetch failure is surfaced but leaves the connection registered
// and ready.
func (m *Manager) Connect(cfg ServerConfig) error {
	m.mu.Lock()
	if existing, ok := m.conns[cfg.Name]; ok && existing.State() == StateReady {
		m.mu.Unlock()
		return errors.Newf(errors.CodeDuplicateName, "connection %q already established", cfg.Name)
	}
	m.mu.Unlock()

	conn, err := Dial(cfg, m.logger)
	if conn == nil {
		return err
	}
	m.mu.Lock()
	m.conns[cfg.Name] = conn
	m.mu.Unlock()
	m.logger.Info("tool server connected",
		"server", cfg.Name,
		"tools", len(conn.Tools()),
	)
	return err
}

// Conn returns the connection registered under name.
func (m *Manager) Conn(name string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[name]
	return c, ok
}

// Tools returns the cached tool catalog for the named connection.
func (m *Manager) Tools(name string) ([]Tool, error) {
	conn, ok := m.Conn(name)
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "no connection named %q", name)
	}
	return conn.Tools(), nil
}

// Names returns all registered connection names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool invokes a tool on the named connection and folds the outcome
// into the universal Result shape. Protocol failures are values here, never
// panics, so workflows and skills can treat tool-backed intents uniformly.
func (m *Manager) CallTool(ctx context.Context, connName, tool string, args map[string]any) core.Result {
	conn, ok := m.Conn(connName)
	if !ok || conn.State() != StateReady {
		return core.Fail(errors.Newf(errors.CodeNotFound,
			"no ready connection named %q", connName).Error())
	}
	output, isError, err := conn.CallTool(ctx, tool, args)
	if err != nil {
		res := core.Fail(err.Error())
		if ee := errors.As(err); ee.RPCCode != 0 {
			res.ErrorCode = ee.RPCCode
		}
		return res
	}
	if isError {
		return core.Result{Success: false, Output: output, Error: output}
	}
	return core.Ok(output)
}

// Disconnect tears down the named connection. Unknown names are a no-op;
// disconnect always succeeds from the caller's point of view.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	conn, ok := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()
	if ok {
		conn.Disconnect()
		m.logger.Info("tool server disconnected", "server", name)
	}
}

// Shutdown disconnects every live connection.
func (m *Manager) Shutdown() {
	for _, name := range m.Names() {
		m.Disconnect(name)
	}
}
