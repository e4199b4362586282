// Package mock provides a test double for the llm.Provider interface.
//
// Responses are resolved per call in this order: an entry in ByModel for the
// requested model, the next entry of Script, then CompleteResponse/CompleteErr.
// Every call is recorded in CompleteCalls.
//
// Example:
//
//	p := &mock.Provider{
//	    ByModel: map[string]mock.Result{
//	        "fast":  {Err: &llm.StatusError{StatusCode: 429}},
//	        "large": {Response: &llm.CompletionResponse{Content: `{"avatar_response":"Hi"}`}},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/englishpro/pkg/provider/llm"
)

// Result is a scripted outcome for a single Complete call.
type Result struct {
	Response *llm.CompletionResponse
	Err      error
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// ByModel maps a model identifier to a fixed outcome.
	ByModel map[string]Result

	// Script is consumed front to back for calls not covered by ByModel.
	Script []Result

	// CompleteResponse and CompleteErr are the fallback outcome.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the scripted outcome.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	if r, ok := p.ByModel[req.Model]; ok {
		return r.Response, r.Err
	}
	if len(p.Script) > 0 {
		r := p.Script[0]
		p.Script = p.Script[1:]
		return r.Response, r.Err
	}
	return p.CompleteResponse, p.CompleteErr
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Calls returns a snapshot of the recorded calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Models returns the model identifier of every recorded call, in order.
func (p *Provider) Models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.CompleteCalls))
	for i, c := range p.CompleteCalls {
		out[i] = c.Req.Model
	}
	return out
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}
