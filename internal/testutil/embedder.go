// Package testutil provides shared fakes for tests.
package testutil

import (
	"context"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// Embedder is a deterministic in-memory ai.Embedder. Each text embeds
// to a fixed-dimension vector derived from its bytes, so equal texts
// get equal vectors and different texts almost always differ.
type Embedder struct {
	// Dimension of produced vectors. Zero means 768.
	Dimension int

	// Err, when set, fails every call.
	Err error

	// FailTexts fails only calls whose input contains one of these
	// exact texts.
	FailTexts map[string]struct{}

	mu     sync.Mutex
	calls  int
	inputs [][]string
}

func (e *Embedder) Name() string { return "test-embedder" }

func (e *Embedder) Register(r api.Registry) {}

func (e *Embedder) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	texts := make([]string, len(req.Input))
	for i, doc := range req.Input {
		if len(doc.Content) > 0 {
			texts[i] = doc.Content[0].Text
		}
	}

	e.mu.Lock()
	e.calls++
	e.inputs = append(e.inputs, texts)
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Err != nil {
		return nil, e.Err
	}
	for _, t := range texts {
		if _, ok := e.FailTexts[t]; ok {
			return nil, &textError{text: t}
		}
	}

	dim := e.Dimension
	if dim == 0 {
		dim = 768
	}
	resp := &ai.EmbedResponse{}
	for _, t := range texts {
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{
			Embedding: VectorFor(t, dim),
		})
	}
	return resp, nil
}

// Calls reports how many Embed calls were made.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Inputs returns the texts of every call in order.
func (e *Embedder) Inputs() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]string, len(e.inputs))
	copy(out, e.inputs)
	return out
}

// VectorFor derives a deterministic unit-independent vector from text.
func VectorFor(text string, dim int) []float32 {
	vec := make([]float32, dim)
	var h uint32 = 2166136261
	for i := 0; i < len(text); i++ {
		h = (h ^ uint32(text[i])) * 16777619
	}
	for i := range vec {
		h = h*1664525 + 1013904223
		vec[i] = float32(h%1000)/1000 - 0.5
	}
	return vec
}

type textError struct {
	text string
}

func (e *textError) Error() string { return "embedding rejected: " + e.text }
