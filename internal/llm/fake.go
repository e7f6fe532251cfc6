package llm

import "context"

// Fake is a scripted Client for tests. Responses are served in order; once
// exhausted, the last response repeats.
type Fake struct {
	Responses []string
	Err       error
	calls     int
	Requests  []Request
}

func (f *Fake) Complete(ctx context.Context, req Request) (Response, error) {
	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return Response{}, f.Err
	}
	if len(f.Responses) == 0 {
		return Response{Text: `{"action":"done","args":{},"rationale":"nothing to do","done":true}`}, nil
	}
	idx := f.calls
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	f.calls++
	return Response{Text: f.Responses[idx]}, nil
}

func (f *Fake) Name() string { return "fake" }
