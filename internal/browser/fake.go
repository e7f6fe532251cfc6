package browser

import (
	"context"
	"time"
)

// Fake is an in-memory Driver used by tests across the core packages. It
// never touches a real browser; pages are simple (url, title, nodes)
// tuples the test sets up ahead of time.
type Fake struct {
	URL   string
	Title string
	Nodes []Node

	HealthErr  error
	ClickErr   error
	ClickAtErr error

	Clicks       []string
	ClickAtCalls [][2]float64
	Navigated    []string
	Scrolls      int

	refs map[string]Node
}

func NewFake() *Fake {
	return &Fake{refs: make(map[string]Node)}
}

func (f *Fake) Navigate(ctx context.Context, url, waitUntil string) (PageInfo, error) {
	f.URL = url
	f.Navigated = append(f.Navigated, url)
	return PageInfo{URL: f.URL, Title: f.Title}, nil
}

func (f *Fake) AccessibilityTree(ctx context.Context) ([]Node, error) {
	f.refs = make(map[string]Node)
	for i := range f.Nodes {
		f.refs[f.Nodes[i].Ref] = f.Nodes[i]
	}
	return f.Nodes, nil
}

func (f *Fake) QueryElements(ctx context.Context, selectorSet []string) ([]Node, error) {
	return nil, nil
}

func (f *Fake) Click(ctx context.Context, ref string, timeout time.Duration) error {
	if f.ClickErr != nil {
		return f.ClickErr
	}
	if _, ok := f.refs[ref]; !ok {
		return ErrRefNotFound{Ref: ref}
	}
	f.Clicks = append(f.Clicks, ref)
	return nil
}

func (f *Fake) ClickAt(ctx context.Context, x, y float64, timeout time.Duration) error {
	if f.ClickAtErr != nil {
		return f.ClickAtErr
	}
	f.ClickAtCalls = append(f.ClickAtCalls, [2]float64{x, y})
	return nil
}

func (f *Fake) Type(ctx context.Context, ref, text string, clear bool, timeout time.Duration) error {
	if _, ok := f.refs[ref]; !ok {
		return ErrRefNotFound{Ref: ref}
	}
	return nil
}

func (f *Fake) Press(ctx context.Context, key string) error { return nil }

func (f *Fake) Select(ctx context.Context, ref, value string) error {
	if _, ok := f.refs[ref]; !ok {
		return ErrRefNotFound{Ref: ref}
	}
	return nil
}

func (f *Fake) Hover(ctx context.Context, ref string) error {
	if _, ok := f.refs[ref]; !ok {
		return ErrRefNotFound{Ref: ref}
	}
	return nil
}

func (f *Fake) Scroll(ctx context.Context, direction string, amount int) error {
	f.Scrolls++
	return nil
}

func (f *Fake) Wait(ctx context.Context, seconds float64) error { return nil }

func (f *Fake) Screenshot(ctx context.Context) ([]byte, error) { return []byte("fake-png"), nil }

func (f *Fake) Evaluate(ctx context.Context, code string) (any, error) { return nil, nil }

func (f *Fake) Health(ctx context.Context) error { return f.HealthErr }

func (f *Fake) CurrentURL(ctx context.Context) string { return f.URL }

func (f *Fake) GoBack(ctx context.Context) error { return nil }

func (f *Fake) GoForward(ctx context.Context) error { return nil }

func (f *Fake) Close(ctx context.Context) error { return nil }
