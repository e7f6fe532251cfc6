// Package browser implements the external Browser Driver collaborator:
// page navigation, accessibility-tree extraction, and raw input primitives,
// exposed through the narrow Driver interface the Snapshot Engine and
// Reliable Action Executor consume.
package browser

import (
	"context"
	"time"
)

// BBox is an optional bounding box, present only when the underlying
// driver exposes element coordinates.
type BBox struct {
	X, Y, W, H float64
}

// Tri is a tri-state flag: true, false, or unset.
type Tri int

const (
	Unset Tri = iota
	True
	False
)

// Node is one element surfaced by AccessibilityTree or QueryElements. The
// ref is opaque and resolves, driver-side, to an internal locator that is
// never exposed to callers.
type Node struct {
	Ref      string
	Role     string
	Name     string
	Value    string
	Disabled Tri
	Checked  Tri
	Selected Tri
	BBox     *BBox
}

// PageInfo is the result of a successful Navigate.
type PageInfo struct {
	URL   string
	Title string
}

// Driver is the narrow, mockable contract the core consumes. It owns its
// own ref table: every call to AccessibilityTree assigns fresh refs in
// traversal order and discards refs from any prior call; QueryElements
// continues the current sequence, so refs from the preceding
// AccessibilityTree call stay valid alongside the ones it adds.
type Driver interface {
	Navigate(ctx context.Context, url, waitUntil string) (PageInfo, error)
	AccessibilityTree(ctx context.Context) ([]Node, error)
	QueryElements(ctx context.Context, selectorSet []string) ([]Node, error)

	Click(ctx context.Context, ref string, timeout time.Duration) error
	// ClickAt clicks at raw viewport coordinates, bypassing ref resolution.
	// It exists solely as the Executor's one-shot fallback when a ref-based
	// click fails "element not visible" but the stale snapshot still carries
	// a bounding box for the element.
	ClickAt(ctx context.Context, x, y float64, timeout time.Duration) error
	Type(ctx context.Context, ref, text string, clear bool, timeout time.Duration) error
	Press(ctx context.Context, key string) error
	Select(ctx context.Context, ref, value string) error
	Hover(ctx context.Context, ref string) error
	Scroll(ctx context.Context, direction string, amount int) error
	Wait(ctx context.Context, seconds float64) error
	Screenshot(ctx context.Context) ([]byte, error)
	Evaluate(ctx context.Context, code string) (any, error)

	Health(ctx context.Context) error
	CurrentURL(ctx context.Context) string
	GoBack(ctx context.Context) error
	GoForward(ctx context.Context) error
	Close(ctx context.Context) error
}

// ErrRefNotFound is returned when a ref is not in the current ref table,
// i.e. was not issued since the most recent AccessibilityTree call (a stale
// or fabricated ref).
type ErrRefNotFound struct{ Ref string }

func (e ErrRefNotFound) Error() string { return "ref not found in current snapshot: " + e.Ref }
