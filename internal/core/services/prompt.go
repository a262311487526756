package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// BuildPrompt composes the generation prompt. The numbered context block is
// the only factual material given to the model.
func BuildPrompt(query string, candidates []*domain.Candidate, citations []domain.Citation, noContext string) string {
	var b strings.Builder

	b.WriteString("You answer questions using ONLY the numbered context passages below.\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Use no knowledge outside the context.\n")
	b.WriteString("- Cite every statement with the passage number in square brackets, e.g. [1].\n")
	fmt.Fprintf(&b, "- If the context does not contain the answer, reply exactly: %s\n\n", noContext)

	b.WriteString("Context:\n")
	for i, c := range candidates {
		ref := ""
		if i < len(citations) {
			ref = citations[i].Filename + ", " + citations[i].Reference
		}
		fmt.Fprintf(&b, "[%d] (%s)\n%s\n\n", i+1, ref, c.Chunk.Content())
	}

	fmt.Fprintf(&b, "Question: %s\nAnswer:", query)
	return b.String()
}

var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// citedIndexes returns the zero-based passage indexes referenced by [n]
// markers in answer, in passage order, ignoring numbers outside 1..n.
func citedIndexes(answer string, n int) []int {
	seen := make(map[int]bool)
	for _, m := range markerPattern.FindAllStringSubmatch(answer, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > n {
			continue
		}
		seen[idx-1] = true
	}
	var out []int
	for i := 0; i < n; i++ {
		if seen[i] {
			out = append(out, i)
		}
	}
	return out
}
