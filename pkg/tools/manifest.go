package tools

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the toolset manifest looked up in every tools subdirectory.
const ManifestFile = "tool.yaml"

// Manifest is the parsed content of a toolset's tool.yaml.
//
//	description: Weather lookups
//	tools:
//	  - name: current
//	    description: Current conditions for a city
//	    entry: current.js
//	    timeout: 30s
type Manifest struct {
	Description string          `yaml:"description"`
	Tools       []ManifestEntry `yaml:"tools"`
}

// ManifestEntry declares one tool of a toolset.
type ManifestEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Entry is the script file relative to the toolset directory: a .js file
	// run in the sandbox, or any executable.
	Entry     string `yaml:"entry"`
	Timeout   string `yaml:"timeout"`
	InProcess bool   `yaml:"inProcess"`
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// LoadDir discovers every toolset under dir. A missing dir yields no tools.
// Broken toolsets are logged and skipped so one bad manifest cannot hide the rest.
func LoadDir(dir string, logger *slog.Logger) ([]*Descriptor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading tools dir: %w", err)
	}

	var descs []*Descriptor
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		set := e.Name()
		setDescs, err := LoadToolset(filepath.Join(dir, set))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			logger.Warn("skipping toolset", "toolset", set, "error", err)
			continue
		}
		for _, d := range setDescs {
			logger.Debug("discovered tool", "tool_id", d.ID, "worker_run", d.IsWorkerRun())
		}
		descs = append(descs, setDescs...)
	}
	return descs, nil
}

// LoadToolset loads the tools declared in setDir/tool.yaml.
func LoadToolset(setDir string) ([]*Descriptor, error) {
	set := filepath.Base(setDir)
	if !namePattern.MatchString(set) {
		return nil, fmt.Errorf("invalid toolset name %q", set)
	}

	raw, err := os.ReadFile(filepath.Join(setDir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ManifestFile, err)
	}
	if len(m.Tools) == 0 {
		return nil, fmt.Errorf("%s declares no tools", ManifestFile)
	}

	seen := make(map[string]bool, len(m.Tools))
	descs := make([]*Descriptor, 0, len(m.Tools))
	for _, t := range m.Tools {
		if !namePattern.MatchString(t.Name) {
			return nil, fmt.Errorf("invalid tool name %q", t.Name)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate tool name %q", t.Name)
		}
		seen[t.Name] = true

		d, err := entryDescriptor(setDir, set, t, m.Description)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func entryDescriptor(setDir, set string, t ManifestEntry, setDescription string) (*Descriptor, error) {
	if t.Entry == "" {
		return nil, errors.New("entry is required")
	}
	path := filepath.Join(setDir, filepath.FromSlash(t.Entry))
	if rel, err := filepath.Rel(setDir, path); err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("entry %q escapes the toolset directory", t.Entry)
	}

	d := &Descriptor{
		ID:          set + "/" + t.Name,
		Name:        t.Name,
		Description: t.Description,
		Dir:         set,
		InProcess:   t.InProcess,
	}
	if d.Description == "" {
		d.Description = setDescription
	}
	if t.Timeout != "" {
		timeout, err := time.ParseDuration(t.Timeout)
		if err != nil || timeout <= 0 {
			return nil, fmt.Errorf("invalid timeout %q", t.Timeout)
		}
		d.Timeout = timeout
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("entry: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("entry %q is a directory", t.Entry)
	}

	if strings.EqualFold(filepath.Ext(path), ".js") {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading entry: %w", err)
		}
		prog, err := compileScript(d.ID, string(src))
		if err != nil {
			return nil, err
		}
		d.Cb = scriptCallback(d.ID, prog)
		return d, nil
	}

	if !isExecutable(info) {
		return nil, fmt.Errorf("entry %q is neither a .js script nor executable", t.Entry)
	}
	d.Cb = shellCallback(set, path)
	return d, nil
}
