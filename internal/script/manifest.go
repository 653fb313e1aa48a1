package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the manifest inside a script directory.
const ManifestFile = "info.yaml"

// Manifest is the on-disk description of a script.
type Manifest struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Version     string   `yaml:"version"`
	Author      string   `yaml:"author"`
	Entry       string   `yaml:"entry"` // Relative to the manifest directory
	Priority    Priority `yaml:"priority"`
	Enabled     *bool    `yaml:"enabled"`
	Tags        []string `yaml:"tags"`
	Schedule    Schedule `yaml:"schedule"`
	Config      Config   `yaml:"config"`
}

// LoadManifest parses a manifest file into a script.
func LoadManifest(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	info, err := ParseManifest(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return info, nil
}

// ParseManifest decodes manifest YAML. Relative entries resolve against dir.
func ParseManifest(data []byte, dir string) (*Info, error) {
	m := Manifest{Config: DefaultConfig()}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.ID == "" {
		return nil, errors.New("manifest has no id")
	}
	if m.Entry == "" {
		return nil, errors.New("manifest has no entry")
	}
	if err := m.Schedule.Validate(); err != nil {
		return nil, err
	}

	entry := m.Entry
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(dir, entry)
	}
	name := m.Name
	if name == "" {
		name = m.ID
	}

	info := New(m.ID, name, m.Description, entry)
	if m.Version != "" {
		info.Version = m.Version
	}
	if m.Author != "" {
		info.Author = m.Author
	}
	if m.Priority != 0 {
		info.Priority = m.Priority
	}
	if m.Enabled != nil {
		info.Enabled = *m.Enabled
	}
	info.Tags = m.Tags
	info.Schedule = m.Schedule
	if m.Config.Parameters == nil {
		m.Config.Parameters = map[string]any{}
	}
	info.Config = m.Config
	return info, nil
}

// LoadDir loads every <dir>/<script>/info.yaml. Broken manifests are
// returned as a joined error next to the scripts that did load.
func LoadDir(dir string) ([]*Info, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*", ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	sort.Strings(matches)

	var (
		out  []*Info
		errs []error
	)
	for _, path := range matches {
		info, err := LoadManifest(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, info)
	}
	return out, errors.Join(errs...)
}

// Marshal renders a script back into manifest YAML.
func Marshal(info *Info) ([]byte, error) {
	enabled := info.Enabled
	m := Manifest{
		ID:          info.ID,
		Name:        info.Name,
		Description: info.Description,
		Version:     info.Version,
		Author:      info.Author,
		Entry:       info.Path,
		Priority:    info.Priority,
		Enabled:     &enabled,
		Tags:        info.Tags,
		Schedule:    info.Schedule,
		Config:      info.Config,
	}
	return yaml.Marshal(&m)
}
