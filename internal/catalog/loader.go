package catalog

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/pkg/schema"
)

//go:embed workflows/*.yaml
var builtinFS embed.FS

// Loader parses, validates and registers workflow files.
type Loader struct {
	catalog   *Catalog
	validator *Validator
	logger    *slog.Logger
}

// NewLoader creates a Loader. logger may be nil.
func NewLoader(c *Catalog, v *Validator, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{catalog: c, validator: v, logger: logger}
}

// LoadBuiltins registers the embedded workflows.
func (l *Loader) LoadBuiltins() (int, error) {
	return l.loadFS(builtinFS, "workflows", false)
}

// LoadDir discovers *.yaml, *.yml and *.json files directly under dir.
// Discovered definitions replace entries with the same name, built-ins
// included. A missing directory is not an error.
func (l *Loader) LoadDir(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}
	return l.loadFS(os.DirFS(dir), ".", true)
}

// loadFS loads every workflow file in root. Invalid files are skipped and
// reported together in the returned error; valid ones are still registered.
func (l *Loader) loadFS(fsys fs.FS, root string, replace bool) (int, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return 0, fmt.Errorf("read workflow dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var (
		loaded int
		issues []string
	)
	for _, e := range entries {
		if e.IsDir() || !isWorkflowFile(e.Name()) {
			continue
		}
		path := filepath.ToSlash(filepath.Join(root, e.Name()))
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}
		def, err := l.Parse(e.Name(), data)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", e.Name(), err))
			l.logger.Warn("workflow skipped", "file", e.Name(), "error", err)
			continue
		}
		if replace {
			err = l.catalog.Replace(def)
		} else {
			err = l.catalog.Register(def)
		}
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}
		loaded++
		l.logger.Debug("workflow loaded", "workflow", def.Name, "file", e.Name(), "steps", len(def.Steps))
	}

	if len(issues) > 0 {
		return loaded, schema.NewErrorf(schema.ErrCodeValidation, "%d workflow file(s) rejected: %s",
			len(issues), strings.Join(issues, "; "))
	}
	return loaded, nil
}

// Parse decodes a workflow file by extension and validates it.
func (l *Loader) Parse(filename string, data []byte) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode json: %v", err).WithCause(err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode yaml: %v", err).WithCause(err)
		}
	}

	if l.validator != nil {
		result := l.validator.Validate(&def)
		for _, w := range result.Warnings {
			l.logger.Warn("workflow warning", "workflow", def.Name, "issue", w.String())
		}
		if err := result.ToError(); err != nil {
			return nil, err
		}
	}
	return &def, nil
}

func isWorkflowFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
