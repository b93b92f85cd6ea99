package output

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// PersistRequest describes one completed step's output.
type PersistRequest struct {
	StepName        string
	StepNumber      int
	Content         string
	SessionID       string
	WorkflowName    string
	ModelName       string
	Duration        time.Duration
	ShouldPersist   bool
	OutputDirectory string
}

// Persister is the engine's view of output persistence.
type Persister interface {
	Persist(ctx context.Context, req PersistRequest) (*Reference, error)
}

// Config configures the file manager.
type Config struct {
	// SummaryChars bounds the in-memory summary of every output.
	SummaryChars int
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{SummaryChars: 500}
}

// Manager writes step outputs to per-session directories.
type Manager struct {
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates an output file manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.SummaryChars <= 0 {
		cfg.SummaryChars = DefaultConfig().SummaryChars
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{config: cfg, logger: logger, now: time.Now}
}

// Persist stores the full text of a step output and returns a bounded reference.
// When persistence is off (or no directory is configured) the text stays in memory.
func (m *Manager) Persist(ctx context.Context, req PersistRequest) (*Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !req.ShouldPersist || req.OutputDirectory == "" {
		ref := NewInlineReference(req.StepName, req.StepNumber, req.Content, m.config.SummaryChars)
		ref.ModelUsed = req.ModelName
		ref.Duration = req.Duration
		return ref, nil
	}

	dir := filepath.Join(req.OutputDirectory, SessionDirName(req.WorkflowName, req.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%02d-%s.md", req.StepNumber, slug(req.StepName)))
	header := m.header(req)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(header+req.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("commit output: %w", err)
	}

	m.logger.DebugContext(ctx, "step output persisted",
		slog.String("path", path),
		slog.Int("bytes", len(req.Content)),
	)

	return &Reference{
		StepName:   req.StepName,
		StepNumber: req.StepNumber,
		ModelUsed:  req.ModelName,
		Duration:   req.Duration,
		Path:       path,
		Size:       len(req.Content),
		summary:    Summarize(req.Content, m.config.SummaryChars),
		offset:     int64(len(header)),
	}, nil
}

func (m *Manager) header(req PersistRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", req.StepName)
	fmt.Fprintf(&b, "- workflow: %s\n", req.WorkflowName)
	fmt.Fprintf(&b, "- session: %s\n", req.SessionID)
	fmt.Fprintf(&b, "- step: %d\n", req.StepNumber)
	if req.ModelName != "" {
		fmt.Fprintf(&b, "- model: %s\n", req.ModelName)
	}
	fmt.Fprintf(&b, "- duration: %s\n", req.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "- written: %s\n\n---\n\n", m.now().UTC().Format(time.RFC3339))
	return b.String()
}

// SessionDirName is the per-session directory under the output root.
func SessionDirName(workflow, sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return slug(workflow) + "-" + short
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	s = unsafeChars.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "output"
	}
	return s
}

var _ Persister = (*Manager)(nil)
