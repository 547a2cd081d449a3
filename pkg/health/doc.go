/*
Package health provides reusable HTTP, TCP, and Exec checkers for probing
whether a dependency is reachable and responding.

The worker daemon uses these checkers during preflight, before it starts
polling the job queue, to confirm that the services a job might need —
the RAG gateway, Qdrant — are actually up. A job that depends on an
unreachable service fails slowly and confusingly partway through
execution; preflight turns that into a fast, legible startup error.

# Checkers

All three checker types implement the same interface:

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

	checker := health.NewHTTPChecker("http://rag-gateway:8080/healthz").
		WithTimeout(5 * time.Second)
	result := checker.Check(ctx)
	if !result.Healthy {
		// result.Message describes what failed
	}

HTTPChecker issues a request and treats any 2xx/3xx response as healthy.
TCPChecker only confirms a connection can be established. ExecChecker
runs a command and checks its exit code; it is not used by preflight
today but is kept for dependencies that only expose a CLI health probe.

# Status tracking

Status accumulates consecutive failures and successes across repeated
checks, which preflight does not need (it checks once at startup) but
which a future periodic health-check loop could reuse directly.
*/
package health
