package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/pcanales/ensemble/pkg/errors"
)

const (
	// DefaultTimeout bounds the wait for a single response line.
	DefaultTimeout = 30 * time.Second

	clientName    = "ensemble"
	clientVersion = "0.1.0"

	// lineBufferMax caps a single response line. Tool output larger than
	// this is a protocol violation for the stdio transport.
	lineBufferMax = 8 << 20
)

// State tracks the connection lifecycle. Disconnected is terminal.
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateInitializing
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ServerConfig describes how to spawn and talk to one tool server.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// Conn is one live connection to a tool server child process. The request
// counter is connection-scoped and monotonically increasing so responses can
// be correlated; one request may be outstanding at a time.
type Conn struct {
	name        string
	timeout     time.Duration
	logger      *slog.Logger
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	lines       chan string
	tools       []Tool
	connectedAt time.Time

	mu     sync.Mutex
	state  State
	nextID int64
}

// Dial spawns the configured server process and performs the protocol
// handshake. On handshake failure the child is torn down and a nil Conn is
// returned. A tool catalog fetch failure is non-fatal: the returned Conn is
// Ready with an empty catalog and the error is surfaced alongside it.
func Dial(cfg ServerConfig, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Command == "" {
		return nil, errors.Newf(errors.CodeValidation, "server %q has no command", cfg.Name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Conn{
		name:    cfg.Name,
		timeout: timeout,
		logger:  logger.With("server", cfg.Name),
		state:   StateConnecting,
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.New(errors.CodeSpawnFailed, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.New(errors.CodeSpawnFailed, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.New(errors.CodeSpawnFailed, "stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.New(errors.CodeSpawnFailed, "start "+cfg.Command, err)
	}
	c.cmd = cmd
	c.stdin = stdin
	c.lines = make(chan string, 16)
	go c.readLines(stdout)
	go c.drainStderr(stderr)

	c.setState(StateInitializing)
	if err := c.handshake(); err != nil {
		c.teardown()
		return nil, errors.New(errors.CodeHandshakeFailed, "initialize "+cfg.Name, err)
	}
	c.setState(StateReady)
	c.connectedAt = time.Now()

	if err := c.refreshTools(); err != nil {
		c.logger.Warn("tool catalog fetch failed", "error", err)
		return c, err
	}
	return c, nil
}

// readLines feeds stdout lines into the connection channel. The channel is
// closed on EOF so pending calls observe the server going away.
func (c *Conn) readLines(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), lineBufferMax)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}
	close(c.lines)
}

func (c *Conn) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("server stderr", "line", scanner.Text())
	}
}

func (c *Conn) handshake() error {
	params := initializeParams{
		ProtocolVersion: mcpgo.LATEST_PROTOCOL_VERSION,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	}
	if _, err := c.call(context.Background(), "initialize", params); err != nil {
		return err
	}
	return c.notify("notifications/initialized", nil)
}

func (c *Conn) refreshTools() error {
	raw, err := c.call(context.Background(), "tools/list", struct{}{})
	if err != nil {
		return err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return errors.New(errors.CodeProtocol, "malformed tools/list result", err)
	}
	c.tools = result.Tools
	return nil
}

// Name returns the server name of this connection.
func (c *Conn) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ConnectedAt returns when the handshake completed.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Tools returns the cached tool catalog.
func (c *Conn) Tools() []Tool {
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool invokes one tool and returns the concatenated text content along
// with the server's isError flag.
func (c *Conn) CallTool(ctx context.Context, tool string, args map[string]any) (string, bool, error) {
	if c.State() != StateReady {
		return "", false, errors.Newf(errors.CodeNotFound, "connection %q is %s, not ready", c.name, c.State())
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.call(ctx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return "", false, err
	}
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, errors.New(errors.CodeProtocol, "malformed tools/call result", err)
	}
	var sb strings.Builder
	for _, item := range result.Content {
		if item.Type != "text" {
			continue
		}
		sb.WriteString(item.Text)
	}
	return sb.String(), result.IsError, nil
}

// call sends one request and blocks for its response up to the timeout.
// Responses are matched by correlation id: lines left over from an earlier
// timed-out call are drained before sending and ignored while waiting, so a
// late reply is never misattributed to the current request.
func (c *Conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.drainStaleLocked()

	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "encode request", err)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return nil, errors.New(errors.CodeProtocol, "write request", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return nil, errors.Newf(errors.CodeProtocol, "server closed connection during %s", method)
			}
			if strings.TrimSpace(line) == "" {
				return nil, errors.Newf(errors.CodeEmptyResponse, "empty response line for %s", method)
			}
			var resp response
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				return nil, errors.New(errors.CodeProtocol, "malformed response line", err)
			}
			if resp.ID != id {
				// Stale reply from a timed-out request, or a server
				// notification. Either way it is not ours.
				c.logger.Debug("ignoring uncorrelated line", "got_id", resp.ID, "want_id", id)
				continue
			}
			if resp.Error != nil {
				return nil, errors.Newf(errors.CodeProtocol, "%s", resp.Error.Message).
					WithRPCCode(resp.Error.Code).
					WithContext("method", method)
			}
			return resp.Result, nil
		case <-timer.C:
			return nil, errors.Newf(errors.CodeTimeout, "no response to %s within %s", method, c.timeout)
		case <-ctx.Done():
			return nil, errors.New(errors.CodeTimeout, "call canceled", ctx.Err())
		}
	}
}

// drainStaleLocked discards buffered lines left over from previous request
// cycles. The caller holds c.mu.
func (c *Conn) drainStaleLocked() {
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return
			}
			c.logger.Debug("discarding stale line", "len", len(line))
		default:
			return
		}
	}
}

func (c *Conn) notify(method string, params any) error {
	n := notification{JSONRPC: "2.0", Method: method, Params: params}
	data, err := json.Marshal(n)
	if err != nil {
		return errors.New(errors.CodeInternal, "encode notification", err)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return errors.New(errors.CodeProtocol, "write notification", err)
	}
	return nil
}

// Disconnect closes the connection and terminates the child process. It is
// best-effort and idempotent: from the caller's point of view it always
// succeeds, even when the process already exited.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()
	c.teardown()
}

func (c *Conn) teardown() {
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
}
