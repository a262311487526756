package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode"

	"github.com/cucumber/godog"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/postprocessors"
)

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

// scenario holds the state of one running scenario.
type scenario struct {
	text     string
	chunks   []*domain.Chunk
	chunkErr error

	h         *harness
	retrieval *domain.Retrieval
	answer    *domain.AnswerResult

	candidates []*domain.Candidate
	reranked   []*domain.Candidate
}

func initializeScenario(sc *godog.ScenarioContext) {
	s := &scenario{}

	sc.Step(`^the text "([^"]*)"$`, s.theText)
	sc.Step(`^it is chunked with size (\d+) and overlap (\d+)$`, s.chunkedWith)
	sc.Step(`^every chunk is at most (\d+) bytes long$`, s.everyChunkAtMost)
	sc.Step(`^removing the overlaps reconstructs the text$`, s.reconstructs)
	sc.Step(`^no chunk boundary splits a word$`, s.noWordSplit)
	sc.Step(`^chunking fails with a configuration error$`, s.configurationError)

	sc.Step(`^tenant "([^"]*)" has a document "([^"]*)" containing "([^"]*)"$`, s.tenantHasDocument)
	sc.Step(`^tenant "([^"]*)" asks "([^"]*)"$`, s.tenantAsks)
	sc.Step(`^no candidates are returned above the threshold$`, s.noCandidates)
	sc.Step(`^the answer state is "([^"]*)"$`, s.answerState)
	sc.Step(`^the answer confidence is 0$`, s.zeroConfidence)
	sc.Step(`^the answer has no citations$`, s.noCitations)
	sc.Step(`^every citation comes from "([^"]*)"$`, s.citationsFrom)

	sc.Step(`^a candidate "([^"]*)" with similarity ([0-9.]+) and text "([^"]*)"$`, s.aCandidate)
	sc.Step(`^the candidates are reranked for "([^"]*)"$`, s.rerankedFor)
	sc.Step(`^the order is "([^"]*)"$`, s.orderIs)
}

func (s *scenario) theText(text string) error {
	s.text = text
	return nil
}

func (s *scenario) chunkedWith(size, overlap int) error {
	chunker, err := postprocessors.NewChunker(postprocessors.ChunkConfig{ChunkSize: size, Overlap: overlap})
	if err != nil {
		s.chunkErr = err
		return nil
	}
	s.chunks, s.chunkErr = chunker.Chunk("tenant", "doc", &domain.Extraction{Text: s.text})
	return s.chunkErr
}

func (s *scenario) everyChunkAtMost(limit int) error {
	if len(s.chunks) == 0 {
		return errors.New("no chunks produced")
	}
	for _, c := range s.chunks {
		if len(c.Text) > limit {
			return fmt.Errorf("chunk %d is %d bytes: %q", c.Ordinal, len(c.Text), c.Text)
		}
	}
	return nil
}

func (s *scenario) reconstructs() error {
	if got := postprocessors.Reconstruct(s.chunks); got != s.text {
		return fmt.Errorf("reconstructed %q, want %q", got, s.text)
	}
	return nil
}

func (s *scenario) noWordSplit() error {
	isWord := func(b byte) bool { return b < 0x80 && (unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b))) }
	for _, c := range s.chunks[:len(s.chunks)-1] {
		end := c.Position.EndOffset
		if isWord(s.text[end-1]) && isWord(s.text[end]) {
			return fmt.Errorf("chunk %d ends inside a word at %d", c.Ordinal, end)
		}
	}
	return nil
}

func (s *scenario) configurationError() error {
	if !errors.Is(s.chunkErr, domain.ErrConfiguration) {
		return fmt.Errorf("expected configuration error, got %v", s.chunkErr)
	}
	return nil
}

func (s *scenario) tenantHasDocument(tenantID, filename, content string) error {
	if s.h == nil {
		h, err := buildHarness()
		if err != nil {
			return err
		}
		s.h = h
	}
	doc, err := s.h.ingest.IngestDocument(context.Background(), tenantID, []byte(content), filename, "")
	if err != nil {
		return err
	}
	if doc.Status != domain.DocumentStatusCompleted {
		return fmt.Errorf("%s is %s: %s", filename, doc.Status, doc.Error)
	}
	return nil
}

func (s *scenario) tenantAsks(tenantID, query string) error {
	ret, err := s.h.retriever.Retrieve(context.Background(), tenantID, query, domain.DefaultRetrieveOptions())
	if err != nil && !errors.Is(err, domain.ErrNoRelevantContext) {
		return err
	}
	s.retrieval = ret

	s.answer, err = s.h.answer.Query(context.Background(), tenantID, query, domain.QueryOptions{})
	return err
}

func (s *scenario) noCandidates() error {
	if !s.retrieval.NoContext || len(s.retrieval.Candidates) != 0 {
		return fmt.Errorf("expected no candidates, got %d", len(s.retrieval.Candidates))
	}
	return nil
}

func (s *scenario) answerState(state string) error {
	if string(s.answer.State) != state {
		return fmt.Errorf("state %s, want %s", s.answer.State, state)
	}
	return nil
}

func (s *scenario) zeroConfidence() error {
	if s.answer.Confidence != 0 {
		return fmt.Errorf("confidence %f, want 0", s.answer.Confidence)
	}
	return nil
}

func (s *scenario) noCitations() error {
	if len(s.answer.Citations) != 0 {
		return fmt.Errorf("expected no citations, got %d", len(s.answer.Citations))
	}
	return nil
}

func (s *scenario) citationsFrom(filename string) error {
	if len(s.answer.Citations) == 0 {
		return errors.New("no citations")
	}
	for _, c := range s.answer.Citations {
		if c.Filename != filename {
			return fmt.Errorf("citation from %s, want %s", c.Filename, filename)
		}
	}
	return nil
}

func (s *scenario) aCandidate(id string, similarity float64, text string) error {
	s.candidates = append(s.candidates, &domain.Candidate{
		Chunk:      &domain.Chunk{ID: id, Text: text},
		Similarity: similarity,
		Seq:        int64(len(s.candidates) + 1),
	})
	return nil
}

func (s *scenario) rerankedFor(query string) error {
	var err error
	s.reranked, err = NewLexicalReranker(DefaultLexicalWeight).Rerank(context.Background(), query, s.candidates)
	return err
}

func (s *scenario) orderIs(order string) error {
	var got []string
	for _, c := range s.reranked {
		got = append(got, c.Chunk.ID)
	}
	if strings.Join(got, ", ") != order {
		return fmt.Errorf("order %s, want %s", strings.Join(got, ", "), order)
	}
	return nil
}
