package secretredact

import (
	"strings"
	"testing"
)

func TestScrubReplacesRawAndVariants(t *testing.T) {
	r := New([]string{"sup3r-s3cret"})

	tests := []struct {
		name string
		in   string
	}{
		{"raw", "token=sup3r-s3cret in plain text"},
		{"base64", "token=c3VwM3ItczNjcmV0 embedded"},
		{"url-encoded", "token=sup3r-s3cret%0A trailer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Scrub(tt.in)
			if strings.Contains(out, "sup3r-s3cret") {
				t.Errorf("Scrub(%q) = %q, still contains raw secret", tt.in, out)
			}
		})
	}
}

func TestScrubIsIdempotent(t *testing.T) {
	r := New([]string{"hunter2"})
	once := r.Scrub("password=hunter2")
	twice := r.Scrub(once)
	if once != twice {
		t.Errorf("Scrub not idempotent: once=%q twice=%q", once, twice)
	}
}

func TestScrubLongestMatchFirst(t *testing.T) {
	// A shorter secret that is a substring of a longer one must not
	// prevent the longer one from being fully redacted.
	r := New([]string{"abc", "abcdef"})
	out := r.Scrub("start-abcdef-end")
	if strings.Contains(out, "abcdef") {
		t.Errorf("longer secret leaked: %q", out)
	}
	if strings.Count(out, DefaultPlaceholder) != 1 {
		t.Errorf("expected exactly one placeholder, got %q", out)
	}
}

func TestScrubEmptySecretsIgnored(t *testing.T) {
	r := New([]string{"", "  "})
	if r.VariantCount() != 0 {
		t.Errorf("expected no variants registered for empty/blank secrets, got %d", r.VariantCount())
	}
}

func TestFromEnvironScansSensitiveKeys(t *testing.T) {
	environ := []string{
		"MOONMIND_WORKER_TOKEN=wt-abc123",
		"PATH=/usr/bin:/bin",
		"GITHUB_TOKEN=ghp_deadbeef",
		"HOME=/root",
	}
	r := FromEnviron(environ, nil, WithPlaceholder("[REDACTED]"))

	out := r.Scrub("auth as wt-abc123 using ghp_deadbeef against /usr/bin:/bin")
	if strings.Contains(out, "wt-abc123") || strings.Contains(out, "ghp_deadbeef") {
		t.Errorf("sensitive values leaked: %q", out)
	}
	if !strings.Contains(out, "/usr/bin:/bin") {
		t.Errorf("non-sensitive PATH value should not be redacted: %q", out)
	}
}

func TestScrubStructuredRedactsStringLeavesOnly(t *testing.T) {
	r := New([]string{"leak-me"})
	input := map[string]any{
		"count": 3,
		"nested": map[string]any{
			"value": "contains leak-me here",
		},
		"list": []any{"leak-me", 42},
	}
	out := r.ScrubStructured(input).(map[string]any)
	if out["count"] != 3 {
		t.Errorf("non-string leaf mutated: %v", out["count"])
	}
	nested := out["nested"].(map[string]any)
	if strings.Contains(nested["value"].(string), "leak-me") {
		t.Errorf("nested string leaf not redacted: %v", nested["value"])
	}
	list := out["list"].([]any)
	if strings.Contains(list[0].(string), "leak-me") {
		t.Errorf("list string leaf not redacted: %v", list[0])
	}
	if list[1] != 42 {
		t.Errorf("list non-string leaf mutated: %v", list[1])
	}
}

func TestRegisterIsIdempotentAndConcurrentSafe(t *testing.T) {
	r := New(nil)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			r.Register("same-secret")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	// "same-secret" needs no URL escaping, so its URL form equals the raw
	// form and only raw + base64 are distinct variants.
	if r.VariantCount() != 2 {
		t.Errorf("expected 2 variants (raw/base64; url equals raw) for one secret registered repeatedly, got %d", r.VariantCount())
	}
}
