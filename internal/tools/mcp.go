package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepwise/pkg/schema"
)

// ProviderConfig describes an external MCP server whose tools become step tools.
type ProviderConfig struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args,omitempty"`
	Env     []string      `json:"env,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	// TextArgument is the argument that receives text-variant input. Default: "prompt".
	TextArgument string `json:"text_argument,omitempty"`
}

// mcpClient is the subset of *client.Client the provider uses.
type mcpClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// MCPProvider exposes the tools of one MCP server subprocess.
type MCPProvider struct {
	config ProviderConfig
	logger *slog.Logger
	dial   func(ctx context.Context, cfg ProviderConfig) (mcpClient, error)

	mu     sync.RWMutex
	client mcpClient
	tools  []Tool
}

// NewMCPProvider creates a provider that launches the configured server on Start.
func NewMCPProvider(cfg ProviderConfig, logger *slog.Logger) *MCPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.TextArgument == "" {
		cfg.TextArgument = "prompt"
	}
	return &MCPProvider{config: cfg, logger: logger, dial: dialStdio}
}

func dialStdio(ctx context.Context, cfg ProviderConfig) (mcpClient, error) {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("create MCP client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start MCP client: %w", err)
	}
	return c, nil
}

// Name returns the provider prefix.
func (p *MCPProvider) Name() string { return p.config.Name }

// Start launches the server, performs the initialize handshake and discovers its tools.
func (p *MCPProvider) Start(ctx context.Context) error {
	if p.config.Name == "" || p.config.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider name and command are required")
	}

	c, err := p.dial(ctx, p.config)
	if err != nil {
		return fmt.Errorf("provider %q: %w", p.config.Name, err)
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "stepwise", Version: "1.0.0"},
		},
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("provider %q: initialize: %w", p.config.Name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("provider %q: list tools: %w", p.config.Name, err)
	}

	discovered := make([]Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		discovered = append(discovered, &mcpTool{provider: p, def: t})
	}

	p.mu.Lock()
	p.client = c
	p.tools = discovered
	p.mu.Unlock()

	p.logger.Info("tool provider started",
		slog.String("provider", p.config.Name),
		slog.Int("tools", len(discovered)),
	)
	return nil
}

// Tools returns the discovered tools, unprefixed.
func (p *MCPProvider) Tools() []Tool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Tool(nil), p.tools...)
}

// HealthCheck pings the server.
func (p *MCPProvider) HealthCheck(ctx context.Context) error {
	c := p.current()
	if c == nil {
		return fmt.Errorf("provider %q not started", p.config.Name)
	}
	return c.Ping(ctx)
}

// Stop closes the connection and terminates the server process.
func (p *MCPProvider) Stop() error {
	p.mu.Lock()
	c := p.client
	p.client = nil
	p.tools = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (p *MCPProvider) current() mcpClient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// mcpTool is one remote tool.
type mcpTool struct {
	provider *MCPProvider
	def      mcp.Tool
}

func (t *mcpTool) Name() string        { return t.def.Name }
func (t *mcpTool) Description() string { return t.def.Description }

// Validate checks that structured input carries the tool's required arguments.
func (t *mcpTool) Validate(input schema.StepInput) error {
	if input.Kind() != schema.InputStructured {
		return nil
	}
	var missing []string
	for _, req := range t.def.InputSchema.Required {
		if _, ok := input.Fields()[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"tool %q missing required arguments: %s", t.def.Name, strings.Join(missing, ", "))
	}
	return nil
}

func (t *mcpTool) Invoke(ctx context.Context, req Request) (*Result, error) {
	c := t.provider.current()
	if c == nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "provider %q not running", t.provider.config.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, t.provider.config.Timeout)
	defer cancel()

	res, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      t.def.Name,
			Arguments: t.arguments(req),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", t.def.Name, err)
	}

	var parts []string
	for _, content := range res.Content {
		if text := mcp.GetTextFromContent(content); text != "" {
			parts = append(parts, text)
		}
	}
	text := strings.Join(parts, "\n")

	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "tool %s reported an error: %s", t.def.Name, text)
	}
	return &Result{Text: text, ModelUsed: req.Options.Model}, nil
}

// arguments maps the step input onto tool arguments. Invocation options are
// forwarded only when the tool's schema declares them.
func (t *mcpTool) arguments(req Request) map[string]any {
	args := make(map[string]any)
	switch req.Input.Kind() {
	case schema.InputStructured:
		for k, v := range req.Input.Fields() {
			args[k] = v
		}
	case schema.InputText:
		args[t.provider.config.TextArgument] = req.Input.Text()
	}

	props := t.def.InputSchema.Properties
	setIfDeclared := func(key string, val any) {
		if _, declared := props[key]; !declared {
			return
		}
		if _, set := args[key]; !set {
			args[key] = val
		}
	}
	if req.Options.Model != "" {
		setIfDeclared("model", req.Options.Model)
	}
	if req.Options.MaxTokens > 0 {
		setIfDeclared("max_tokens", req.Options.MaxTokens)
	}
	setIfDeclared("temperature", req.Options.Temperature)
	return args
}

// Providers owns the lifecycle of every configured MCP provider.
type Providers struct {
	registry *Registry
	logger   *slog.Logger

	mu        sync.Mutex
	providers map[string]*MCPProvider
}

// NewProviders creates a provider set that registers discovered tools into registry.
func NewProviders(registry *Registry, logger *slog.Logger) *Providers {
	return &Providers{registry: registry, logger: logger, providers: make(map[string]*MCPProvider)}
}

// Load starts a provider and registers its tools as "<name>.<tool>".
func (ps *Providers) Load(ctx context.Context, cfg ProviderConfig) error {
	return ps.load(ctx, NewMCPProvider(cfg, ps.logger))
}

func (ps *Providers) load(ctx context.Context, p *MCPProvider) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.providers[p.Name()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "provider %q already loaded", p.Name())
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	if _, err := ps.registry.RegisterProvider(p.Name(), p.Tools()); err != nil {
		ps.registry.Unregister(p.Name())
		_ = p.Stop()
		return err
	}
	ps.providers[p.Name()] = p
	return nil
}

// Close stops every provider and unregisters its tools.
func (ps *Providers) Close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for name, p := range ps.providers {
		ps.registry.Unregister(name)
		if err := p.Stop(); err != nil {
			ps.logger.Warn("stop tool provider",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
		}
		delete(ps.providers, name)
	}
}
