// Package action defines the agent's fixed, closed action vocabulary.
//
// The set is a tagged variant: every action has a name from Names and a
// per-variant argument shape. Dispatch happens by switching on Name, never
// by reflection.
package action

import (
	"fmt"
	"strings"
)

// Name identifies one action in the fixed vocabulary.
type Name string

const (
	Navigate    Name = "navigate"
	Click       Name = "click"
	Type        Name = "type"
	Press       Name = "press"
	Select      Name = "select"
	Hover       Name = "hover"
	Scroll      Name = "scroll"
	Wait        Name = "wait"
	Screenshot  Name = "screenshot"
	ReadText    Name = "read_text"
	GoBack      Name = "go_back"
	GoForward   Name = "go_forward"
	Done        Name = "done"
)

// names is the closed set; anything not in here is unknown_action.
var names = map[Name]bool{
	Navigate: true, Click: true, Type: true, Press: true, Select: true,
	Hover: true, Scroll: true, Wait: true, Screenshot: true, ReadText: true,
	GoBack: true, GoForward: true, Done: true,
}

// Mutating reports whether an action may change the DOM. Non-mutating
// actions never invalidate the snapshot cache.
func (n Name) Mutating() bool {
	switch n {
	case Navigate, Click, Type, Press, Select, GoBack, GoForward:
		return true
	default:
		return false
	}
}

// Known reports whether n is part of the fixed vocabulary.
func (n Name) Known() bool {
	return names[n]
}

// ErrUnknownAction is returned when the loop or executor is asked to
// dispatch an action name outside the fixed vocabulary.
var ErrUnknownAction = fmt.Errorf("unknown_action")

// Request is one (action, args) pair as decoded from an LLM decision or
// constructed by a deterministic planner.
type Request struct {
	Name Name
	Args map[string]any
}

// Validate checks Request.Args against the per-action argument constraints
// from the executor's input-validation stage. It never touches the driver.
func Validate(req Request, maxTextLen int) error {
	if !req.Name.Known() {
		return fmt.Errorf("%w: %s", ErrUnknownAction, req.Name)
	}
	switch req.Name {
	case Navigate:
		url, _ := req.Args["url"].(string)
		if url == "" {
			return fmt.Errorf("navigate: missing url")
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("navigate: url must match ^https?://")
		}
		if len(url) > 2048 {
			return fmt.Errorf("navigate: url exceeds 2048 chars")
		}
	case Click, Hover:
		if ref, _ := req.Args["ref"].(string); ref == "" {
			return fmt.Errorf("%s: missing ref", req.Name)
		}
	case Type:
		ref, _ := req.Args["ref"].(string)
		if ref == "" {
			return fmt.Errorf("type: missing ref")
		}
		text, _ := req.Args["text"].(string)
		if len(text) > maxTextLen {
			return fmt.Errorf("type: text exceeds %d chars", maxTextLen)
		}
	case Select:
		if ref, _ := req.Args["ref"].(string); ref == "" {
			return fmt.Errorf("select: missing ref")
		}
	case Press:
		if key, _ := req.Args["key"].(string); key == "" {
			return fmt.Errorf("press: missing key")
		}
	case Scroll:
		dir, _ := req.Args["direction"].(string)
		switch dir {
		case "up", "down", "left", "right":
		default:
			return fmt.Errorf("scroll: invalid direction %q", dir)
		}
	case Wait:
		// Capped at 60s per the user-requested-wait budget (spec.md's
		// Non-goals/budget table), distinct from the [0.1, 300] timeout
		// range below used for element-interaction timeouts.
		if s, ok := numeric(req.Args["seconds"]); !ok || s < 0.1 || s > 60 {
			return fmt.Errorf("wait: seconds must be in [0.1, 60]")
		}
	case Done:
		// no required args beyond an optional final_message.
	}
	if t, ok := req.Args["timeout"]; ok {
		if s, ok := numeric(t); !ok || s < 0.1 || s > 300 {
			return fmt.Errorf("%s: timeout must be in [0.1s, 300s]", req.Name)
		}
	}
	return nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
