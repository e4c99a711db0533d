package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/beaconhq/beacon/internal/apperr"
	"github.com/beaconhq/beacon/internal/db"
)

func TestParseExtractsRequiredVariables(t *testing.T) {
	p, err := Parse("Hello {{name}}, your {{item}} shipped. Bye {{name}}.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Required) != 2 {
		t.Fatalf("expected 2 required variables, got %v", p.Required)
	}
	if p.Required[0] != "name" || p.Required[1] != "item" {
		t.Errorf("unexpected required variables: %v", p.Required)
	}
}

func TestParseNoPlaceholders(t *testing.T) {
	p, err := Parse("static content only")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Required) != 0 {
		t.Errorf("expected no required variables, got %v", p.Required)
	}
}

func TestParseUnterminatedPlaceholder(t *testing.T) {
	_, err := Parse("Hello {{name")
	if err == nil {
		t.Fatal("expected error for unterminated placeholder")
	}
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestParseInvalidPlaceholderName(t *testing.T) {
	_, err := Parse("Hello {{na me}}")
	if err == nil {
		t.Fatal("expected error for invalid placeholder name")
	}
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestValidateMissingVariables(t *testing.T) {
	p, err := Parse("{{a}} {{b}} {{c}}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = p.Validate(map[string]any{"b": "present"})
	if err == nil {
		t.Fatal("expected error for missing variables")
	}
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "a, c") {
		t.Errorf("expected sorted missing variables in message, got %q", err.Error())
	}
}

func TestValidateAllPresent(t *testing.T) {
	p, _ := Parse("{{a}}")
	if err := p.Validate(map[string]any{"a": 1, "extra": true}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRender(t *testing.T) {
	p, _ := Parse("Hi {{name}}, you have {{count}} new items.")
	got := p.Render(map[string]any{"name": "Ada", "count": 3})
	want := "Hi Ada, you have 3 new items."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderLeavesUnknownPlaceholders(t *testing.T) {
	p, _ := Parse("Hi {{name}}, ref {{code}}.")
	got := p.Render(map[string]any{"name": "Ada"})
	want := "Hi Ada, ref {{code}}."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderDeterministic(t *testing.T) {
	p, _ := Parse("{{x}}-{{y}}-{{x}}")
	payload := map[string]any{"x": "a", "y": "b"}
	first := p.Render(payload)
	for i := 0; i < 5; i++ {
		if got := p.Render(payload); got != first {
			t.Fatalf("render not deterministic: %q vs %q", got, first)
		}
	}
}

func TestMapSource(t *testing.T) {
	src := MapSource{"email/welcome": "Welcome {{name}}"}

	raw, err := src.Load(db.ChannelEmail, "welcome")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw != "Welcome {{name}}" {
		t.Errorf("unexpected body: %q", raw)
	}

	_, err = src.Load(db.ChannelSMS, "welcome")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "email", "welcome", "Hello {{name}}")

	src := NewDirSource(dir)

	raw, err := src.Load(db.ChannelEmail, "welcome")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw != "Hello {{name}}" {
		t.Errorf("unexpected body: %q", raw)
	}

	// second load hits the cache
	raw, err = src.Load(db.ChannelEmail, "welcome")
	if err != nil || raw != "Hello {{name}}" {
		t.Errorf("cached load failed: %q, %v", raw, err)
	}

	_, err = src.Load(db.ChannelEmail, "missing")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func writeTemplate(t *testing.T, base, channel, name, body string) {
	t.Helper()
	dir := filepath.Join(base, channel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".tmpl"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}
