// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompt loads and renders the LLM prompt templates. Templates
// ship embedded in the binary; an optional override directory lets
// operators tune the wording without rebuilding.
package prompt

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/casepilot-ai/casepilot/pkg/logging"
)

//go:embed templates/*.txt
var builtin embed.FS

// ErrTemplateNotFound is returned when a template name does not resolve
// to an embedded or override template.
var ErrTemplateNotFound = errors.New("prompt: template not found")

// placeholderPattern matches the {name} substitution markers used by the
// templates. Names are lowercase snake_case, which keeps JSON braces in
// the response-format examples from matching.
var placeholderPattern = regexp.MustCompile(`\{[a-z][a-z0-9_]*\}`)

// Manager resolves template names to text and renders them with
// placeholder substitution.
//
// # Description
//
// Templates are loaded once at construction time. Embedded templates are
// read from the binary; if an override directory is configured, any
// *.txt file in it replaces the embedded template of the same name.
//
// # Thread Safety
//
// Manager is immutable after construction and safe for concurrent use.
type Manager struct {
	templates map[string]string
	logger    *logging.Logger
}

// NewManager builds a Manager from the embedded templates, applying
// overrides from overrideDir when it is non-empty.
func NewManager(overrideDir string, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{
		templates: make(map[string]string),
		logger:    logger,
	}

	entries, err := builtin.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("prompt: reading embedded templates: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		data, err := builtin.ReadFile(filepath.Join("templates", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("prompt: reading embedded template %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".txt")
		m.templates[name] = string(data)
	}

	if overrideDir != "" {
		if err := m.loadOverrides(overrideDir); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// loadOverrides replaces embedded templates with files from dir. A
// missing directory is not an error; a configured-but-unreadable one is.
func (m *Manager) loadOverrides(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("prompt override directory does not exist, using embedded templates",
				"dir", dir)
			return nil
		}
		return fmt.Errorf("prompt: reading override directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("prompt: reading override template %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".txt")
		m.templates[name] = string(data)
		m.logger.Info("loaded prompt template override", "name", name, "dir", dir)
	}
	return nil
}

// Names returns the available template names in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.templates))
	for name := range m.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render substitutes vars into the named template. Every placeholder in
// the template must be resolved; an unresolved placeholder is an error
// so that a renamed variable fails loudly instead of reaching the model.
func (m *Manager) Render(name string, vars map[string]string) (string, error) {
	text, ok := m.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	for key, value := range vars {
		text = strings.ReplaceAll(text, "{"+key+"}", value)
	}
	if leftover := placeholderPattern.FindString(text); leftover != "" {
		return "", fmt.Errorf("prompt: template %s has unresolved placeholder %s", name, leftover)
	}
	return text, nil
}
