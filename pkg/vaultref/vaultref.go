// Package vaultref parses and resolves vault://<mount>/<path>#<field>
// references to GitHub auth material backed by a KV-v2 secret engine.
package vaultref

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

var (
	mountPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	pathPattern  = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
	fieldPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

const maxReferenceLength = 512

// ReferenceError reports a malformed or unresolvable secret reference. It is
// always non-retryable.
type ReferenceError struct {
	Message string
}

func (e *ReferenceError) Error() string { return e.Message }

func refErr(format string, args ...any) error {
	return &ReferenceError{Message: fmt.Sprintf(format, args...)}
}

// ParsedReference is a normalized vault://mount/path#field pointer.
type ParsedReference struct {
	Mount         string
	Path          string
	Field         string
	NormalizedRef string
}

// Parse validates and normalizes a vault:// reference. allowedMounts is an
// allowlist; an empty allowlist (after discarding blank entries) means no
// restriction.
func Parse(ref string, allowedMounts []string) (ParsedReference, error) {
	candidate := strings.TrimSpace(ref)
	if candidate == "" {
		return ParsedReference{}, refErr("secret reference is required")
	}
	if len(candidate) > maxReferenceLength {
		return ParsedReference{}, refErr("secret reference exceeds max length")
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return ParsedReference{}, refErr("secret reference is not a valid URL: %v", err)
	}
	if !strings.EqualFold(u.Scheme, "vault") {
		return ParsedReference{}, refErr("secret reference must use vault:// scheme")
	}

	mount := strings.TrimSpace(u.Host)
	path := strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
	field := strings.TrimSpace(u.Fragment)
	if mount == "" || path == "" || field == "" {
		return ParsedReference{}, refErr("secret reference must include mount/path and #field")
	}
	if !mountPattern.MatchString(mount) {
		return ParsedReference{}, refErr("vault mount contains invalid characters")
	}
	if !pathPattern.MatchString(path) {
		return ParsedReference{}, refErr("vault path contains invalid characters")
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." || segment == "." {
			return ParsedReference{}, refErr("vault path traversal is not allowed")
		}
	}
	if !fieldPattern.MatchString(field) {
		return ParsedReference{}, refErr("vault field contains invalid characters")
	}

	var allowed []string
	for _, m := range allowedMounts {
		if m != "" {
			allowed = append(allowed, m)
		}
	}
	if len(allowed) > 0 && !contains(allowed, mount) {
		return ParsedReference{}, refErr("vault mount '%s' is not allowed; allowed mounts: %s", mount, strings.Join(allowed, ", "))
	}

	return ParsedReference{
		Mount:         mount,
		Path:          path,
		Field:         field,
		NormalizedRef: fmt.Sprintf("vault://%s/%s#%s", mount, path, field),
	}, nil
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// LoadToken resolves a Vault token from an explicit value, falling back to
// reading tokenFile (trimmed) when the value is empty.
func LoadToken(token, tokenFile string) (string, error) {
	direct := strings.TrimSpace(token)
	if direct != "" {
		return direct, nil
	}
	if tokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(tokenFile)
	if err != nil {
		return "", refErr("unable to read Vault token file: %v", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ResolvedGitHubAuth is the auth material extracted from a KV-v2 secret.
type ResolvedGitHubAuth struct {
	Token     string
	Username  string
	Host      string
	SourceRef string
}

// Resolver resolves vault:// references against a live Vault KV-v2 mount.
type Resolver struct {
	address       string
	token         string
	namespace     string
	allowedMounts []string
	timeout       time.Duration
	httpClient    *http.Client
}

// Config configures a Resolver.
type Config struct {
	Address       string
	Token         string
	Namespace     string
	AllowedMounts []string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// NewResolver constructs a Resolver, validating that address/token are
// present.
func NewResolver(cfg Config) (*Resolver, error) {
	addr := strings.TrimRight(strings.TrimSpace(cfg.Address), "/")
	tok := strings.TrimSpace(cfg.Token)
	if addr == "" {
		return nil, refErr("Vault address is required for secret resolution")
	}
	if tok == "" {
		return nil, refErr("Vault token is required for secret resolution")
	}
	timeout := cfg.Timeout
	if timeout < time.Second {
		timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Resolver{
		address:       addr,
		token:         tok,
		namespace:     strings.TrimSpace(cfg.Namespace),
		allowedMounts: cfg.AllowedMounts,
		timeout:       timeout,
		httpClient:    client,
	}, nil
}

// ResolveGitHubAuth resolves token/username/host from a Vault KV-v2 secret
// referenced by ref. username/host default to x-access-token/github.com
// when the secret data does not carry them.
func (r *Resolver) ResolveGitHubAuth(ctx context.Context, ref string) (ResolvedGitHubAuth, error) {
	parsed, err := Parse(ref, r.allowedMounts)
	if err != nil {
		return ResolvedGitHubAuth{}, err
	}

	secretData, err := r.readSecret(ctx, parsed)
	if err != nil {
		return ResolvedGitHubAuth{}, err
	}

	tokenRaw, _ := secretData[parsed.Field].(string)
	token := strings.TrimSpace(tokenRaw)
	if token == "" {
		return ResolvedGitHubAuth{}, refErr("vault field '%s' is missing or empty for %s", parsed.Field, parsed.NormalizedRef)
	}
	username := strings.TrimSpace(stringOr(secretData["username"], "x-access-token"))
	if username == "" {
		username = "x-access-token"
	}
	host := strings.TrimSpace(stringOr(secretData["host"], "github.com"))
	if host == "" {
		host = "github.com"
	}
	return ResolvedGitHubAuth{
		Token:     token,
		Username:  username,
		Host:      host,
		SourceRef: parsed.NormalizedRef,
	}, nil
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func (r *Resolver) readSecret(ctx context.Context, ref ParsedReference) (map[string]any, error) {
	u := fmt.Sprintf("%s/v1/%s/data/%s", r.address, ref.Mount, ref.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, refErr("vault secret read failed for %s: %v", ref.NormalizedRef, err)
	}
	req.Header.Set("X-Vault-Token", r.token)
	if r.namespace != "" {
		req.Header.Set("X-Vault-Namespace", r.namespace)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, refErr("vault secret read failed for %s: %v", ref.NormalizedRef, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, refErr("vault secret read failed for %s: status %d", ref.NormalizedRef, resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, refErr("vault response payload must be an object")
	}
	rootData, ok := payload["data"].(map[string]any)
	if !ok {
		return nil, refErr("vault response missing data object")
	}
	secretData, ok := rootData["data"].(map[string]any)
	if !ok {
		return nil, refErr("vault response missing kv-v2 data object")
	}
	return secretData, nil
}
