package config

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// Locales lists the built-in citation locales.
func Locales() []string {
	entries, _ := fs.ReadDir(localeFS, "locales")
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(out)
	return out
}

// CitationTemplates resolves the configured locale. A templates file, when
// set, overrides individual fields; missing fields fall back to the
// locale and then to English.
func (c CitationConfig) CitationTemplates() (domain.CitationTemplates, error) {
	locale := c.Locale
	if locale == "" {
		locale = "en"
	}

	base, err := builtinTemplates(locale)
	if err != nil && c.TemplatesFile == "" {
		return domain.CitationTemplates{}, err
	}

	if c.TemplatesFile != "" {
		data, err := os.ReadFile(c.TemplatesFile)
		if err != nil {
			return domain.CitationTemplates{}, fmt.Errorf("%w: read citation templates: %v", domain.ErrConfiguration, err)
		}
		var custom domain.CitationTemplates
		if err := yaml.Unmarshal(data, &custom); err != nil {
			return domain.CitationTemplates{}, fmt.Errorf("%w: parse citation templates: %v", domain.ErrConfiguration, err)
		}
		if custom.Locale == "" {
			custom.Locale = locale
		}
		base = custom.Merge(base)
	}

	merged := base.Merge(domain.DefaultCitationTemplates())
	if err := merged.Validate(); err != nil {
		return domain.CitationTemplates{}, err
	}
	return merged, nil
}

func builtinTemplates(locale string) (domain.CitationTemplates, error) {
	data, err := localeFS.ReadFile("locales/" + locale + ".yaml")
	if errors.Is(err, fs.ErrNotExist) {
		return domain.CitationTemplates{}, fmt.Errorf("%w: unknown citation locale %q (have %s)",
			domain.ErrConfiguration, locale, strings.Join(Locales(), ", "))
	}
	if err != nil {
		return domain.CitationTemplates{}, err
	}
	var t domain.CitationTemplates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return domain.CitationTemplates{}, fmt.Errorf("locale %s: %w", locale, err)
	}
	return t, nil
}
