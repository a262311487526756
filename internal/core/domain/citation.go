package domain

import (
	"fmt"
	"strings"
)

// CitationTemplates is a locale's set of reference formats.
// Placeholders: {page}, {start}, {end}, {line}, {section}.
type CitationTemplates struct {
	Locale   string `yaml:"locale" json:"locale"`
	Page     string `yaml:"page" json:"page"`
	PageLine string `yaml:"page_line" json:"page_line"`
	Line     string `yaml:"line" json:"line"`
	Lines    string `yaml:"lines" json:"lines"`
	Section  string `yaml:"section" json:"section"`
	Unknown  string `yaml:"unknown" json:"unknown"`
	// NoContext is the fixed answer returned when nothing relevant was found.
	NoContext string `yaml:"no_context" json:"no_context"`
}

// DefaultCitationTemplates returns the built-in English templates.
func DefaultCitationTemplates() CitationTemplates {
	return CitationTemplates{
		Locale:    "en",
		Page:      "page {page}, line {start}–{end}",
		PageLine:  "page {page}, line {line}",
		Line:      "line {line}",
		Lines:     "lines {start}–{end}",
		Section:   "section {section}",
		Unknown:   "section unknown",
		NoContext: "The answer was not found in the provided documents.",
	}
}

// Merge fills empty fields of t from fallback.
func (t CitationTemplates) Merge(fallback CitationTemplates) CitationTemplates {
	pick := func(v, fb string) string {
		if v == "" {
			return fb
		}
		return v
	}
	return CitationTemplates{
		Locale:    pick(t.Locale, fallback.Locale),
		Page:      pick(t.Page, fallback.Page),
		PageLine:  pick(t.PageLine, fallback.PageLine),
		Line:      pick(t.Line, fallback.Line),
		Lines:     pick(t.Lines, fallback.Lines),
		Section:   pick(t.Section, fallback.Section),
		Unknown:   pick(t.Unknown, fallback.Unknown),
		NoContext: pick(t.NoContext, fallback.NoContext),
	}
}

// Validate checks every template mentions the placeholders it needs.
func (t CitationTemplates) Validate() error {
	checks := []struct {
		name, tmpl string
		want       []string
	}{
		{"page", t.Page, []string{"{page}", "{start}", "{end}"}},
		{"page_line", t.PageLine, []string{"{page}", "{line}"}},
		{"line", t.Line, []string{"{line}"}},
		{"lines", t.Lines, []string{"{start}", "{end}"}},
		{"section", t.Section, []string{"{section}"}},
	}
	for _, c := range checks {
		for _, ph := range c.want {
			if !strings.Contains(c.tmpl, ph) {
				return fmt.Errorf("%w: citation template %q (%s) lacks %s", ErrConfiguration, c.name, t.Locale, ph)
			}
		}
	}
	if t.Unknown == "" || t.NoContext == "" {
		return fmt.Errorf("%w: citation templates for %s need unknown and no_context", ErrConfiguration, t.Locale)
	}
	return nil
}

// Render substitutes placeholders in tmpl.
func Render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
