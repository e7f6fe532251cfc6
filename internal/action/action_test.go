package action

import "testing"

func TestValidateNavigate(t *testing.T) {
	cases := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid https", Request{Navigate, map[string]any{"url": "https://example.com"}}, false},
		{"missing url", Request{Navigate, map[string]any{}}, true},
		{"bad scheme", Request{Navigate, map[string]any{"url": "ftp://example.com"}}, true},
		{"too long", Request{Navigate, map[string]any{"url": "https://" + string(make([]byte, 2048))}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.req, 10000)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateUnknownAction(t *testing.T) {
	err := Validate(Request{Name: "delete_everything"}, 10000)
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestValidateTypeTextTooLong(t *testing.T) {
	long := make([]byte, 10001)
	for i := range long {
		long[i] = 'x'
	}
	req := Request{Type, map[string]any{"ref": "e1", "text": string(long)}}
	if err := Validate(req, 10000); err == nil {
		t.Fatal("expected error for oversized text")
	}
}

func TestValidateWaitBounds(t *testing.T) {
	if err := Validate(Request{Wait, map[string]any{"seconds": 0.05}}, 10000); err == nil {
		t.Fatal("expected error for too-small wait")
	}
	// Wait is capped at 60s (spec.md's user-requested-wait budget), a
	// tighter bound than the [0.1, 300] range timeout args use.
	if err := Validate(Request{Wait, map[string]any{"seconds": 65.0}}, 10000); err == nil {
		t.Fatal("expected error for a wait above the 60s cap")
	}
	if err := Validate(Request{Wait, map[string]any{"seconds": 301.0}}, 10000); err == nil {
		t.Fatal("expected error for too-large wait")
	}
	if err := Validate(Request{Wait, map[string]any{"seconds": 5.0}}, 10000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMutating(t *testing.T) {
	mutating := []Name{Navigate, Click, Type, Press, Select, GoBack, GoForward}
	for _, n := range mutating {
		if !n.Mutating() {
			t.Errorf("%s should be mutating", n)
		}
	}
	nonMutating := []Name{Wait, Scroll, Hover, Screenshot, ReadText}
	for _, n := range nonMutating {
		if n.Mutating() {
			t.Errorf("%s should not be mutating", n)
		}
	}
}
