package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the manifest every installed skill directory carries.
const FileName = "SKILL.md"

const maxManifestBytes = 2 << 20

// Manifest is the frontmatter of an installed SKILL.md.
type Manifest struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Dir         string `json:"dir" yaml:"-"`
}

// LoadManifest reads dir/SKILL.md and parses its YAML frontmatter.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s must be a regular file", path)
	}
	if info.Size() > maxManifestBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, maxManifestBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	fm, ok := splitFrontmatter(string(data))
	if !ok {
		return nil, fmt.Errorf("%s has no YAML frontmatter", path)
	}
	var m Manifest
	if err := yaml.Unmarshal([]byte(fm), &m); err != nil {
		return nil, fmt.Errorf("parsing frontmatter in %s: %w", path, err)
	}
	m.Name = strings.TrimSpace(m.Name)
	m.Description = strings.TrimSpace(m.Description)
	if m.Name == "" {
		m.Name = filepath.Base(dir)
	}
	m.Dir = dir
	return &m, nil
}

// ListInstalled scans dir for skill subdirectories carrying a SKILL.md.
// Directories without a manifest, or with an unreadable one, are skipped.
// A missing dir yields an empty slice without error.
func ListInstalled(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skill directory %s: %w", dir, err)
	}

	var out []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		m, err := LoadManifest(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// IsInstalled reports whether dir holds a skill manifest.
func IsInstalled(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, FileName))
	return err == nil && info.Mode().IsRegular()
}

// splitFrontmatter returns the YAML between the leading "---" fences.
func splitFrontmatter(s string) (string, bool) {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if !strings.HasPrefix(s, "---\n") {
		return "", false
	}
	rest := s[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}
