package postprocessors

import (
	"fmt"
	"sort"
	"sync"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// Processor is a stage that runs over a document's chunks after chunking.
// Stages must leave chunk text and offsets intact so the chunks still
// reconstruct the extracted text.
type Processor interface {
	Name() string
	// Order positions the stage; lower runs first.
	Order() int
	Process(chunks []*domain.Chunk) ([]*domain.Chunk, error)
}

// Pipeline chains post-processors in order, starting with a Chunker.
type Pipeline struct {
	chunker *Chunker

	mu         sync.RWMutex
	processors []Processor
	sorted     bool
}

// NewPipeline creates a pipeline whose first stage is chunker.
func NewPipeline(chunker *Chunker) *Pipeline {
	return &Pipeline{
		chunker:    chunker,
		processors: make([]Processor, 0),
	}
}

// DefaultPipeline creates a pipeline with the chunker followed by a
// coverage check.
func DefaultPipeline(chunker *Chunker) *Pipeline {
	p := NewPipeline(chunker)
	p.Add(NewCoverageCheck())
	return p
}

// Add adds a processor to the pipeline.
// Processors are sorted by Order() before processing.
func (p *Pipeline) Add(processor Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.processors = append(p.processors, processor)
	p.sorted = false
}

// Process chunks the extraction and applies every stage in order.
func (p *Pipeline) Process(tenantID, documentID string, ext *domain.Extraction) ([]*domain.Chunk, error) {
	chunks, err := p.chunker.Chunk(tenantID, documentID, ext)
	if err != nil {
		return nil, err
	}

	for _, proc := range p.stages() {
		chunks, err = proc.Process(chunks)
		if err != nil {
			return nil, fmt.Errorf("post-processor %s: %w", proc.Name(), err)
		}
	}
	return chunks, nil
}

func (p *Pipeline) stages() []Processor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sorted {
		sort.SliceStable(p.processors, func(i, j int) bool {
			return p.processors[i].Order() < p.processors[j].Order()
		})
		p.sorted = true
	}
	return append([]Processor(nil), p.processors...)
}

// List returns stage names in order, chunker first.
func (p *Pipeline) List() []string {
	stages := p.stages()
	names := make([]string, 0, len(stages)+1)
	names = append(names, "chunker")
	for _, proc := range stages {
		names = append(names, proc.Name())
	}
	return names
}

// CoverageCheck rejects chunk sets that no longer tile the source text:
// ordinals must run from zero without gaps, each chunk's text must span
// exactly its offsets, and every chunk must start no later than its
// predecessor ends and never end before it.
type CoverageCheck struct{}

var _ Processor = (*CoverageCheck)(nil)

// NewCoverageCheck creates a CoverageCheck.
func NewCoverageCheck() *CoverageCheck {
	return &CoverageCheck{}
}

func (c *CoverageCheck) Name() string {
	return "coverage-check"
}

// Order returns 100 so the check sees the output of every other stage.
func (c *CoverageCheck) Order() int {
	return 100
}

func (c *CoverageCheck) Process(chunks []*domain.Chunk) ([]*domain.Chunk, error) {
	prevEnd := 0
	for i, ch := range chunks {
		pos := ch.Position
		switch {
		case ch.Ordinal != i:
			return nil, fmt.Errorf("%w: chunk %d has ordinal %d", domain.ErrInvalidInput, i, ch.Ordinal)
		case pos.EndOffset-pos.StartOffset != len(ch.Text):
			return nil, fmt.Errorf("%w: chunk %d spans [%d,%d) but holds %d bytes",
				domain.ErrInvalidInput, i, pos.StartOffset, pos.EndOffset, len(ch.Text))
		case i == 0 && pos.StartOffset != 0:
			return nil, fmt.Errorf("%w: first chunk starts at %d", domain.ErrInvalidInput, pos.StartOffset)
		case i > 0 && (pos.StartOffset > prevEnd || pos.EndOffset < prevEnd):
			return nil, fmt.Errorf("%w: chunk %d [%d,%d) does not continue at %d",
				domain.ErrInvalidInput, i, pos.StartOffset, pos.EndOffset, prevEnd)
		}
		prevEnd = pos.EndOffset
	}
	return chunks, nil
}
