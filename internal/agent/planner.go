package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polzovatel/accessibility-browser-agent/internal/action"
	"github.com/polzovatel/accessibility-browser-agent/internal/llm"
	"github.com/polzovatel/accessibility-browser-agent/internal/snapshot"
)

// HistoryItem is one prior step rendered for the planning prompt.
type HistoryItem struct {
	Action      string
	Args        map[string]any
	Observation string
	Success     bool
}

// State is everything a Planner needs to produce the next Decision.
type State struct {
	Goal            string
	Step            int
	History         []HistoryItem
	Snapshot        *snapshot.Snapshot
	EnrichedContext string
}

// Decision is the parsed, validated result of one planning call.
type Decision struct {
	Action       action.Name
	Args         map[string]any
	Rationale    string
	Done         bool
	FinalMessage string
}

// Planner produces the next Decision given the current State.
type Planner interface {
	Next(ctx context.Context, state State) (Decision, error)
}

// llmPlanner is the primary planner: it prompts the language model with the
// goal, history, and current snapshot, then parses the fixed JSON shape.
type llmPlanner struct {
	client llm.Client
}

func NewLLMPlanner(client llm.Client) Planner {
	return &llmPlanner{client: client}
}

const systemPrompt = `You are a browser-automation agent. You are given a goal, a
history of prior steps, and a snapshot of the current page's interactive
elements (each with a short ref such as e1, e2). Respond with exactly one
JSON object and nothing else:

{"action": "<name>", "args": {...}, "rationale": "<short reason>", "done": <bool>}

Valid action names: navigate, click, type, press, select, hover, scroll,
wait, screenshot, read_text, go_back, go_forward, done.

Rules:
- Use only ref values that appear in the current snapshot; refs from an
  earlier snapshot are no longer valid.
- Prefer one small action per step over combining several intents.
- Set "done" to true only when the goal is satisfied or cannot proceed
  further; put a short final summary in args.final_message.
- Never wrap the JSON in markdown fences or add commentary outside it.`

func (p *llmPlanner) Next(ctx context.Context, state State) (Decision, error) {
	msg := renderUserMessage(state)
	resp, err := p.client.Complete(ctx, llm.Request{
		System:      systemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: msg}},
		Temperature: 0,
		MaxTokens:   800,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("llm service error: %w", err)
	}
	return parseDecision(resp.Text)
}

func renderUserMessage(state State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nStep: %d\n\n", state.Goal, state.Step)
	if len(state.History) > 0 {
		b.WriteString("History:\n")
		for i, h := range state.History {
			status := "ok"
			if !h.Success {
				status = "failed"
			}
			fmt.Fprintf(&b, "  %d. %s -> %s (%s)\n", i+1, h.Action, h.Observation, status)
		}
		b.WriteString("\n")
	}
	if state.EnrichedContext != "" {
		b.WriteString("Memory:\n")
		b.WriteString(state.EnrichedContext)
		b.WriteString("\n")
	}
	if state.Snapshot != nil {
		fmt.Fprintf(&b, "Current page: %s (%s)\n", state.Snapshot.Title, state.Snapshot.URL)
		b.WriteString("Interactive elements:\n")
		for _, el := range state.Snapshot.Elements {
			fmt.Fprintf(&b, "  %s: %s %q\n", el.Ref, el.Role, el.Name)
		}
	}
	return b.String()
}

type decisionWire struct {
	Action    string         `json:"action"`
	Args      map[string]any `json:"args"`
	Rationale string         `json:"rationale"`
	Done      bool           `json:"done"`
}

// parseDecision extracts a balanced JSON object from the model's text and
// decodes it into a Decision. Models occasionally wrap JSON in prose or
// markdown fences; extractJSON recovers the object regardless.
func parseDecision(text string) (Decision, error) {
	jsonStr, ok := extractJSON(text)
	if !ok {
		return Decision{}, fmt.Errorf("llm_parse_error: no JSON object found")
	}
	jsonStr = removeJSONComments(jsonStr)

	var wire decisionWire
	if err := json.Unmarshal([]byte(jsonStr), &wire); err != nil {
		return Decision{}, fmt.Errorf("llm_parse_error: %w", err)
	}
	if wire.Action == "" {
		return Decision{}, fmt.Errorf("llm_parse_error: missing action")
	}

	dec := Decision{
		Action:    action.Name(wire.Action),
		Args:      wire.Args,
		Rationale: wire.Rationale,
		Done:      wire.Done,
	}
	if dec.Args == nil {
		dec.Args = map[string]any{}
	}
	if dec.Done {
		if msg, ok := dec.Args["final_message"].(string); ok && msg != "" {
			dec.FinalMessage = msg
		} else {
			dec.FinalMessage = dec.Rationale
		}
	}
	return dec, nil
}

// extractJSON returns the first balanced {...} span in text, tracking
// string/escape state so braces inside quoted strings are ignored.
func extractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// removeJSONComments strips // and /* */ comments some models emit despite
// instructions, respecting string/escape state.
func removeJSONComments(s string) string {
	var b strings.Builder
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '/' {
			for i < len(s) && s[i] != '\n' {
				i++
			}
			continue
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '*' {
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// noLLMPlanner is the --no-llm determinism escape hatch: it clicks the
// first searchbox/textbox it sees, types the goal, and presses Enter.
type noLLMPlanner struct {
	clicked   bool
	typed     bool
	submitted bool
}

func NewNoLLMPlanner() Planner {
	return &noLLMPlanner{}
}

func (p *noLLMPlanner) Next(ctx context.Context, state State) (Decision, error) {
	if p.submitted {
		return Decision{Action: action.Done, Done: true, FinalMessage: "no-llm: submitted goal", Args: map[string]any{}}, nil
	}

	var target *snapshot.Element
	if state.Snapshot != nil {
		for _, role := range []string{"searchbox", "textbox"} {
			for i, el := range state.Snapshot.Elements {
				if el.Role == role {
					target = &state.Snapshot.Elements[i]
					break
				}
			}
			if target != nil {
				break
			}
		}
	}
	if target == nil {
		return Decision{Action: action.Done, Done: true, FinalMessage: "no-llm: no searchbox found", Args: map[string]any{}}, nil
	}

	switch {
	case !p.clicked:
		p.clicked = true
		return Decision{Action: action.Click, Args: map[string]any{"ref": target.Ref}, Rationale: "no-llm: click first input"}, nil
	case !p.typed:
		p.typed = true
		return Decision{Action: action.Type, Args: map[string]any{"ref": target.Ref, "text": state.Goal}, Rationale: "no-llm: type goal"}, nil
	default:
		p.submitted = true
		return Decision{Action: action.Press, Args: map[string]any{"key": "Enter"}, Rationale: "no-llm: submit"}, nil
	}
}
