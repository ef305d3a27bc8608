package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

type sourceCatalog struct {
	Sources []domain.Source `yaml:"sources"`
}

// SourceCatalog returns the known sources, read from SourcesFile when set
// and from the Sources list otherwise. The result is sorted by name.
func (c Config) SourceCatalog() ([]domain.Source, error) {
	if strings.TrimSpace(c.SourcesFile) != "" {
		return LoadSources(c.SourcesFile)
	}
	var sources []domain.Source
	for _, name := range strings.Split(c.Sources, ",") {
		sources = append(sources, domain.Source{Name: name})
	}
	return normalizeSources(sources)
}

func LoadSources(path string) ([]domain.Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return ParseSources(raw)
}

func ParseSources(raw []byte) ([]domain.Source, error) {
	var catalog sourceCatalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	return normalizeSources(catalog.Sources)
}

func normalizeSources(in []domain.Source) ([]domain.Source, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]domain.Source, 0, len(in))
	for _, s := range in {
		s.Name = strings.ToLower(strings.TrimSpace(s.Name))
		if s.Name == "" {
			continue
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate source %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		s.VectorNamespace = strings.TrimSpace(s.VectorNamespace)
		s.LexicalIndex = strings.TrimSpace(s.LexicalIndex)
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func SourceNames(sources []domain.Source) []string {
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Name)
	}
	return names
}
