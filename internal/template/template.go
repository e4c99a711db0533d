// Package template reads raw channel templates and renders them against an
// event payload. Placeholders use {{name}} syntax; parsing extracts the set
// of required variables so payloads can be validated before any provider is
// invoked.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/beaconhq/beacon/internal/apperr"
)

var placeholderName = regexp.MustCompile(`^\s*(\w+)\s*$`)

// Parsed is a validated template plus the variables it requires.
type Parsed struct {
	Raw      string
	Required []string
}

// Parse extracts required variables and rejects malformed placeholder
// syntax (unterminated or non-identifier placeholders).
func Parse(raw string) (*Parsed, error) {
	seen := make(map[string]bool)
	var required []string

	rest := raw
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			break
		}
		rest = rest[open+2:]

		close := strings.Index(rest, "}}")
		if close < 0 {
			return nil, apperr.New(apperr.KindValidation, "template syntax error: unterminated placeholder")
		}

		inner := rest[:close]
		m := placeholderName.FindStringSubmatch(inner)
		if m == nil {
			return nil, apperr.New(apperr.KindValidation, "template syntax error: invalid placeholder {{%s}}", inner)
		}

		name := m[1]
		if !seen[name] {
			seen[name] = true
			required = append(required, name)
		}

		rest = rest[close+2:]
	}

	return &Parsed{Raw: raw, Required: required}, nil
}

// MissingVars returns the required variables absent from the payload,
// sorted for stable error messages.
func (p *Parsed) MissingVars(payload map[string]any) []string {
	var missing []string
	for _, name := range p.Required {
		if _, ok := payload[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Validate fails when any required variable is absent from the payload.
func (p *Parsed) Validate(payload map[string]any) error {
	if missing := p.MissingVars(payload); len(missing) > 0 {
		return apperr.New(apperr.KindValidation,
			"missing required template variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Render substitutes payload values into the template. It is pure and
// deterministic; placeholders for absent variables are left untouched.
func (p *Parsed) Render(payload map[string]any) string {
	var b strings.Builder
	b.Grow(len(p.Raw))

	rest := p.Raw
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			break
		}

		b.WriteString(rest[:open])
		tail := rest[open+2:]

		close := strings.Index(tail, "}}")
		if close < 0 {
			// Parse rejects this; keep the remainder verbatim.
			b.WriteString(rest[open:])
			break
		}

		name := strings.TrimSpace(tail[:close])
		if value, ok := payload[name]; ok {
			b.WriteString(fmt.Sprintf("%v", value))
		} else {
			b.WriteString(rest[open : open+2+close+2])
		}

		rest = tail[close+2:]
	}

	return b.String()
}
