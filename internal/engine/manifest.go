// Package engine describes the external coding agents this process can
// supervise: which binary to run, how to invoke it, and whether its
// output carries structured progress markers.
package engine

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Engine is one entry in the engine manifest.
type Engine struct {
	// Name identifies the engine in config and spawn requests.
	Name string `yaml:"name"`

	// Command is the binary to execute.
	Command string `yaml:"command"`

	// Args are passed to the command before the task prompt.
	Args []string `yaml:"args"`

	// Env is extra environment applied to every run of this engine.
	Env map[string]string `yaml:"env"`

	// Markers reports whether the engine emits structured progress
	// markers on its output. Engines without markers fall back to
	// heuristic phase inference.
	Markers bool `yaml:"markers"`
}

// Manifest is the parsed engines.yaml.
type Manifest struct {
	Engines []Engine `yaml:"engines"`
}

// builtinDefault is used when no manifest file exists. It matches the
// claude CLI invocation the runner was originally built around.
var builtinDefault = Engine{
	Name:    "claude",
	Command: "claude",
	Args:    []string{"--print", "--output-format", "stream-json", "--verbose"},
	Markers: true,
}

// Load reads the manifest at path. A missing file is not an error; the
// built-in default engine is returned instead.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{Engines: []Engine{builtinDefault}}, nil
		}
		return nil, fmt.Errorf("read engine manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse engine manifest %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("engine manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Engines) == 0 {
		return fmt.Errorf("no engines defined")
	}
	seen := make(map[string]bool, len(m.Engines))
	for i, e := range m.Engines {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("engine %d: missing name", i)
		}
		if strings.TrimSpace(e.Command) == "" {
			return fmt.Errorf("engine %q: missing command", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("engine %q: duplicate name", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

// Resolve returns the named engine, or the first engine when name is empty.
func (m *Manifest) Resolve(name string) (*Engine, error) {
	if name == "" {
		return &m.Engines[0], nil
	}
	for i := range m.Engines {
		if m.Engines[i].Name == name {
			return &m.Engines[i], nil
		}
	}
	return nil, fmt.Errorf("unknown engine %q", name)
}
