package stream

import (
	"context"
	"strings"
	"time"
)

// Fragment is one piece of generator output. Final marks the last fragment;
// its text may be empty.
type Fragment struct {
	Text  string
	Final bool
}

// Generator is the narrow capability the response backend implements. Next
// blocks until a fragment is available; cancellation is cooperative through
// ctx. After the final fragment or an error, Next is not called again.
type Generator interface {
	Next(ctx context.Context) (Fragment, error)
}

// Request carries the conversation context a chat turn hands to the backend.
type Request struct {
	ConversationID string
	UserID         string
	TenantID       string
	Prompt         string
}

// Factory builds a generator for one chat turn.
type Factory func(ctx context.Context, req Request) (Generator, error)

// ScriptedGenerator replays a fixed fragment list. Used by tests and the
// loopback demo backend.
type ScriptedGenerator struct {
	fragments []Fragment
	idx       int
	delay     time.Duration
	failAt    int
	failErr   error
}

func NewScriptedGenerator(texts ...string) *ScriptedGenerator {
	fragments := make([]Fragment, len(texts))
	for i, t := range texts {
		fragments[i] = Fragment{Text: t, Final: i == len(texts)-1}
	}
	return &ScriptedGenerator{fragments: fragments, failAt: -1}
}

// WithDelay paces each fragment.
func (g *ScriptedGenerator) WithDelay(d time.Duration) *ScriptedGenerator {
	g.delay = d
	return g
}

// FailAt makes Next return err instead of the fragment at index i.
func (g *ScriptedGenerator) FailAt(i int, err error) *ScriptedGenerator {
	g.failAt = i
	g.failErr = err
	return g
}

func (g *ScriptedGenerator) Next(ctx context.Context) (Fragment, error) {
	if g.delay > 0 {
		select {
		case <-ctx.Done():
			return Fragment{}, ctx.Err()
		case <-time.After(g.delay):
		}
	} else if err := ctx.Err(); err != nil {
		return Fragment{}, err
	}
	if g.idx == g.failAt {
		return Fragment{}, g.failErr
	}
	if g.idx >= len(g.fragments) {
		return Fragment{Final: true}, nil
	}
	f := g.fragments[g.idx]
	g.idx++
	return f, nil
}

// EchoFactory is the default demo backend: it streams the prompt back word
// by word. Pacing is left to the session manager's chunk delay.
func EchoFactory(_ context.Context, req Request) (Generator, error) {
	words := strings.Fields(req.Prompt)
	if len(words) == 0 {
		words = []string{"..."}
	}
	texts := make([]string, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		texts[i] = w
	}
	return NewScriptedGenerator(texts...), nil
}
