package extractors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// HTMLExtractor renders visible HTML text and records h1-h6 as sections.
type HTMLExtractor struct{}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "table": true,
	"section": true, "article": true, "header": true, "footer": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"pre": true, "blockquote": true, "ul": true, "ol": true,
}

func isHeadingTag(tag string) bool {
	return len(tag) == 2 && tag[0] == 'h' && tag[1] >= '1' && tag[1] <= '6'
}

func (e *HTMLExtractor) Extract(ctx context.Context, data []byte, contentType string) (*domain.Extraction, error) {
	if _, err := decodeText(data); err != nil {
		return nil, err
	}

	var (
		out      strings.Builder
		headings []domain.Heading
		skip     int
		heading  *domain.Heading
		title    strings.Builder
	)
	newline := func() {
		s := out.String()
		if len(s) > 0 && !strings.HasSuffix(s, "\n") {
			out.WriteByte('\n')
		}
	}

	z := html.NewTokenizer(bytes.NewReader(data))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if heading != nil && strings.TrimSpace(title.String()) != "" {
				heading.Title = strings.Join(strings.Fields(title.String()), " ")
				headings = append(headings, *heading)
			}
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: %v", domain.ErrExtraction, err)
			}
			return &domain.Extraction{
				Text:     strings.TrimRight(out.String(), "\n") + "\n",
				Headings: headings,
				Layout:   domain.LayoutUnstructured,
			}, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "script" || tag == "style" || tag == "noscript":
				skip++
			case isHeadingTag(tag):
				newline()
				heading = &domain.Heading{Offset: out.Len()}
				title.Reset()
			case blockTags[tag]:
				newline()
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "script" || tag == "style" || tag == "noscript":
				if skip > 0 {
					skip--
				}
			case isHeadingTag(tag) && heading != nil:
				if t := strings.Join(strings.Fields(title.String()), " "); t != "" {
					heading.Title = t
					headings = append(headings, *heading)
				}
				heading = nil
				newline()
			case blockTags[tag]:
				newline()
			}

		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			s := out.String()
			if len(s) > 0 && !strings.HasSuffix(s, "\n") && !strings.HasSuffix(s, " ") {
				out.WriteByte(' ')
			}
			out.WriteString(text)
			if heading != nil {
				title.WriteString(text)
				title.WriteByte(' ')
			}
		}
	}
}

func (e *HTMLExtractor) SupportedTypes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (e *HTMLExtractor) Priority() int {
	return 50
}
