package llm

import (
	"context"
	"sync"
)

// Stub is a local deterministic oracle. It returns its canned answers, or
// Err when set, and counts calls so tests can assert the oracle was (or was
// not) consulted.
type Stub struct {
	Decision *Decision
	Proposal *Proposal
	Err      error

	mu            sync.Mutex
	decideCalls   int
	generateCalls int
	prompts       []string
}

// Unavailable returns a stub whose every call fails with ErrUnavailable.
// It is the oracle used when no API key is configured.
func Unavailable() *Stub {
	return &Stub{Err: ErrUnavailable}
}

// Decide implements Oracle.
func (s *Stub) Decide(ctx context.Context, prompt string) (*Decision, error) {
	s.mu.Lock()
	s.decideCalls++
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Decision == nil {
		return nil, ErrInvalidResponse
	}
	d := *s.Decision
	return &d, nil
}

// Generate implements Oracle.
func (s *Stub) Generate(ctx context.Context, prompt string) (*Proposal, error) {
	s.mu.Lock()
	s.generateCalls++
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Proposal == nil {
		return nil, ErrInvalidResponse
	}
	p := *s.Proposal
	p.Effects = append([]ProposedEffect(nil), s.Proposal.Effects...)
	return &p, nil
}

// DecideCalls reports how many times Decide ran.
func (s *Stub) DecideCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decideCalls
}

// GenerateCalls reports how many times Generate ran.
func (s *Stub) GenerateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generateCalls
}

// Prompts returns every prompt received, in order.
func (s *Stub) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}
