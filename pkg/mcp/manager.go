// Package mcp connects to Model-Context-Protocol servers over stdio, SSE, or
// streamable HTTP and exposes their tools through the gateway tool contract.
// Sessions are scoped per-task and torn down when the task ends.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	"github.com/fluxgate-ai/fluxgate/pkg/version"
	tooltypes "github.com/fluxgate-ai/fluxgate/pkg/types/tools"
)

// ServerType selects the MCP transport.
type ServerType string

const (
	ServerTypeStdio          ServerType = "stdio"
	ServerTypeSSE            ServerType = "sse"
	ServerTypeStreamableHTTP ServerType = "streamable-http"
)

// ServerConfig describes one MCP server.
type ServerConfig struct {
	ServerType ServerType        `json:"server_type"`
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Envs       map[string]string `json:"envs"`
	BaseURL    string            `json:"base_url"`
	Headers    map[string]string `json:"headers"`
}

// ServersConfig is the decoded CHAT_MCP_SERVERS document.
type ServersConfig struct {
	Servers map[string]ServerConfig `json:"servers"`
}

// ParseServersConfig decodes the raw CHAT_MCP_SERVERS JSON and applies
// ${{path}} substitution against task data before any connection is opened.
func ParseServersConfig(raw string, taskData map[string]any) (ServersConfig, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return ServersConfig{}, errors.Wrap(err, "failed to parse MCP servers config")
	}
	doc = SubstituteVariables(doc, taskData)

	substituted, err := json.Marshal(doc)
	if err != nil {
		return ServersConfig{}, errors.Wrap(err, "failed to re-encode MCP servers config")
	}
	var cfg ServersConfig
	if err := json.Unmarshal(substituted, &cfg); err != nil {
		return ServersConfig{}, errors.Wrap(err, "failed to decode MCP servers config")
	}
	return cfg, nil
}

func newClient(cfg ServerConfig) (*mcpclient.Client, error) {
	serverType := cfg.ServerType
	if serverType == "" {
		switch {
		case cfg.BaseURL != "":
			serverType = ServerTypeSSE
		case cfg.Command != "":
			serverType = ServerTypeStdio
		default:
			return nil, errors.New("server_type is required")
		}
	}

	switch serverType {
	case ServerTypeStdio:
		if cfg.Command == "" {
			return nil, errors.New("command is required for stdio server")
		}
		envArgs := make([]string, 0, len(cfg.Envs))
		for k, v := range cfg.Envs {
			envArgs = append(envArgs, fmt.Sprintf("%s=%s", k, v))
		}
		tp := transport.NewStdio(cfg.Command, envArgs, cfg.Args...)
		return mcpclient.NewClient(tp), nil
	case ServerTypeSSE:
		if cfg.BaseURL == "" {
			return nil, errors.New("base_url is required for sse server")
		}
		tp, err := transport.NewSSE(cfg.BaseURL, transport.WithHeaders(cfg.Headers))
		if err != nil {
			return nil, err
		}
		return mcpclient.NewClient(tp), nil
	case ServerTypeStreamableHTTP:
		if cfg.BaseURL == "" {
			return nil, errors.New("base_url is required for streamable-http server")
		}
		tp, err := transport.NewStreamableHTTP(cfg.BaseURL, transport.WithHTTPHeaders(cfg.Headers))
		if err != nil {
			return nil, err
		}
		return mcpclient.NewClient(tp), nil
	default:
		return nil, errors.Errorf("invalid server type %q", serverType)
	}
}

// Manager owns the MCP sessions of one task.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*mcpclient.Client
	// acquireOrder remembers connection order; teardown runs in reverse to
	// honor transport-library invariants.
	acquireOrder []string
}

// NewManager builds clients for every configured server without connecting.
func NewManager(cfg ServersConfig) (*Manager, error) {
	m := &Manager{clients: make(map[string]*mcpclient.Client)}
	for name, serverCfg := range cfg.Servers {
		c, err := newClient(serverCfg)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build MCP client %q", name)
		}
		m.clients[name] = c
	}
	return m, nil
}

// Connect starts and initializes every client. Failure of one server does
// not affect the others; failed servers are removed from the session. The
// spawned goroutines never touch m.clients: failures are collected and
// deleted only after all of them have finished.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wg sync.WaitGroup
	var stateMu sync.Mutex
	var failed []string
	for name, c := range m.clients {
		wg.Add(1)
		go func(name string, c *mcpclient.Client) {
			defer wg.Done()
			log := logger.G(ctx).WithField("server", name)
			if err := c.Start(ctx); err != nil {
				log.WithError(err).Warn("failed to start MCP client")
				stateMu.Lock()
				failed = append(failed, name)
				stateMu.Unlock()
				return
			}

			initReq := mcptypes.InitializeRequest{}
			initReq.Params.ClientInfo = mcptypes.Implementation{
				Name:    "fluxgate",
				Version: version.Version,
			}
			initReq.Params.ProtocolVersion = mcptypes.LATEST_PROTOCOL_VERSION
			if _, err := c.Initialize(ctx, initReq); err != nil {
				log.WithError(err).Warn("failed to initialize MCP client")
				_ = c.Close()
				stateMu.Lock()
				failed = append(failed, name)
				stateMu.Unlock()
				return
			}

			stateMu.Lock()
			m.acquireOrder = append(m.acquireOrder, name)
			stateMu.Unlock()
			log.Info("connected to MCP server")
		}(name, c)
	}
	wg.Wait()

	for _, name := range failed {
		delete(m.clients, name)
	}
}

// Tools discovers tools from all connected servers in parallel. One server's
// discovery failure does not affect the others. Tool names are namespaced as
// {server}__{tool}.
func (m *Manager) Tools(ctx context.Context) []tooltypes.Tool {
	m.mu.Lock()
	clients := make(map[string]*mcpclient.Client, len(m.clients))
	for name, c := range m.clients {
		clients[name] = c
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	var toolsMu sync.Mutex
	var out []tooltypes.Tool
	for name, c := range clients {
		wg.Add(1)
		go func(name string, c *mcpclient.Client) {
			defer wg.Done()
			log := logger.G(ctx).WithField("server", name)
			result, err := c.ListTools(ctx, mcptypes.ListToolsRequest{})
			if err != nil {
				log.WithError(err).Warn("MCP tool discovery failed")
				return
			}
			toolsMu.Lock()
			for _, tool := range result.Tools {
				out = append(out, newRemoteTool(name, c, tool))
			}
			toolsMu.Unlock()
			log.WithField("tools", len(result.Tools)).Debug("discovered MCP tools")
		}(name, c)
	}
	wg.Wait()
	return out
}

// Close tears down all sessions in reverse acquisition order.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for i := len(m.acquireOrder) - 1; i >= 0; i-- {
		name := m.acquireOrder[i]
		c, ok := m.clients[name]
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			logger.G(ctx).WithField("server", name).WithError(err).Warn("failed to close MCP client")
			result = multierror.Append(result, errors.Wrapf(err, "server %q", name))
		}
		delete(m.clients, name)
	}
	m.acquireOrder = nil
	return result.ErrorOrNil()
}
