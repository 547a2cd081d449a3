package preflight

import (
	"context"
	"time"

	"github.com/moonmindlabs/worker/pkg/health"
)

// checkEmbeddingProfile validates that the configured embedding provider has
// the credentials it needs. Only the "google" provider is constrained today;
// any other value (including empty, meaning the control plane's default) is
// accepted without a key on this side.
func checkEmbeddingProfile(cfg Config) (bool, string) {
	if cfg.EmbeddingProvider != "google" {
		return true, "embedding provider " + providerLabel(cfg.EmbeddingProvider)
	}
	if cfg.GoogleAPIKey != "" || cfg.GeminiAPIKey != "" {
		return true, "google embedding provider has an API key"
	}
	return false, "DEFAULT_EMBEDDING_PROVIDER=google requires GOOGLE_API_KEY or GEMINI_API_KEY"
}

func providerLabel(p string) string {
	if p == "" {
		return "(unset, using control-plane default)"
	}
	return p
}

// checkRAGGateway probes the RAG gateway's health endpoint over HTTP.
func checkRAGGateway(ctx context.Context, url string, timeout time.Duration) (bool, string) {
	checker := health.NewHTTPChecker(url).WithTimeout(timeout)
	result := checker.Check(ctx)
	return result.Healthy, result.Message
}

// checkQdrant probes the configured Qdrant address over TCP.
func checkQdrant(ctx context.Context, addr string, timeout time.Duration) (bool, string) {
	checker := health.NewTCPChecker(addr).WithTimeout(timeout)
	result := checker.Check(ctx)
	return result.Healthy, result.Message
}
