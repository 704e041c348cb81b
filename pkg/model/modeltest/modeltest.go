// Package modeltest provides a scripted model.Provider for tests.
package modeltest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sshh12/prompt-stack/pkg/model"
)

// CompleteCall records one call to Complete.
type CompleteCall struct {
	Model        string
	Instructions string
	Prompt       string
}

// Provider replays scripted event sequences, one per Stream call.
type Provider struct {
	mu sync.Mutex

	// Turns holds the events returned by successive Stream calls.
	Turns [][]model.Event
	// StreamErr, when set, is returned by every Stream call.
	StreamErr error
	// RecvErr, when set, is returned after the scripted events of a turn
	// instead of io.EOF.
	RecvErr error
	// CompleteFunc answers Complete calls. Defaults to returning "".
	CompleteFunc func(ctx context.Context, call CompleteCall) (string, error)

	requests  []model.Request
	completes []CompleteCall
}

var _ model.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return "scripted" }

func (p *Provider) Stream(ctx context.Context, req model.Request) (model.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := make([]model.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	p.requests = append(p.requests, req)

	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	if len(p.Turns) == 0 {
		return nil, fmt.Errorf("no scripted turn left for request %d", len(p.requests))
	}
	events := p.Turns[0]
	p.Turns = p.Turns[1:]
	return &stream{events: events, err: p.RecvErr}, nil
}

func (p *Provider) Complete(ctx context.Context, modelName, instructions, prompt string) (string, error) {
	call := CompleteCall{Model: modelName, Instructions: instructions, Prompt: prompt}
	p.mu.Lock()
	p.completes = append(p.completes, call)
	fn := p.CompleteFunc
	p.mu.Unlock()

	if fn == nil {
		return "", nil
	}
	return fn(ctx, call)
}

// Requests returns every request passed to Stream so far.
func (p *Provider) Requests() []model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Request(nil), p.requests...)
}

// Completions returns every call made to Complete so far.
func (p *Provider) Completions() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.completes...)
}

type stream struct {
	events []model.Event
	err    error
	closed bool
}

func (s *stream) Recv() (model.Event, error) {
	if s.closed {
		return model.Event{}, io.ErrClosedPipe
	}
	if len(s.events) == 0 {
		if s.err != nil {
			return model.Event{}, s.err
		}
		return model.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}

// Text returns an event carrying a content delta.
func Text(s string) model.Event {
	return model.Event{Content: s}
}

// Call returns an event carrying a single tool-call fragment.
func Call(index int, id, name, args string) model.Event {
	return model.Event{ToolCalls: []model.ToolCallFragment{{Index: index, ID: id, Name: name, Arguments: args}}}
}

// Finish returns an event carrying only a terminal marker.
func Finish(reason model.FinishReason) model.Event {
	return model.Event{FinishReason: reason}
}
