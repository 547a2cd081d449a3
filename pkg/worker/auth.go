package worker

import (
	"context"
	"fmt"
	"os"

	"github.com/moonmindlabs/worker/pkg/taskcontract"
	"github.com/moonmindlabs/worker/pkg/vaultref"
)

// resolvedAuth carries the per-job git command environments and where each
// credential came from, for task_context.json.
type resolvedAuth struct {
	RepoEnv    []string
	PublishEnv []string

	RepoSource    string
	PublishSource string
}

const (
	authSourceVault = "vault"
	authSourceEnv   = "env"
	authSourceNone  = "none"
)

// resolveAuth builds the repo and publish command environments for one job.
// A vault ref on the view takes precedence over the worker's GITHUB_TOKEN
// env fallback; if neither is present the job proceeds unauthenticated
// (fine for public repos / publish.mode=none).
func resolveAuth(ctx context.Context, cfg Config, resolver *vaultref.Resolver, view taskcontract.View, homeDir string) (resolvedAuth, error) {
	base := baseGitEnv(cfg, homeDir)

	repoEnv, repoSource, err := authEnvFor(ctx, cfg, resolver, view.Auth.RepoAuthRef, base)
	if err != nil {
		return resolvedAuth{}, fmt.Errorf("worker: resolve repo auth: %w", err)
	}
	publishEnv, publishSource, err := authEnvFor(ctx, cfg, resolver, view.Auth.PublishAuthRef, base)
	if err != nil {
		return resolvedAuth{}, fmt.Errorf("worker: resolve publish auth: %w", err)
	}

	return resolvedAuth{
		RepoEnv:       repoEnv,
		PublishEnv:    publishEnv,
		RepoSource:    repoSource,
		PublishSource: publishSource,
	}, nil
}

func authEnvFor(ctx context.Context, cfg Config, resolver *vaultref.Resolver, ref string, base []string) ([]string, string, error) {
	env := append([]string{}, base...)

	if ref != "" {
		if resolver == nil {
			return nil, "", fmt.Errorf("auth ref %q set but no Vault resolver is configured", ref)
		}
		resolved, err := resolver.ResolveGitHubAuth(ctx, ref)
		if err != nil {
			return nil, "", err
		}
		env = append(env, "GITHUB_TOKEN="+resolved.Token, "GH_TOKEN="+resolved.Token)
		return env, authSourceVault, nil
	}

	if cfg.GithubToken != "" {
		env = append(env, "GITHUB_TOKEN="+cfg.GithubToken, "GH_TOKEN="+cfg.GithubToken)
		return env, authSourceEnv, nil
	}

	return env, authSourceNone, nil
}

// baseGitEnv builds the explicit, minimal command environment every git/gh
// invocation receives: the worker's own PATH, a fixed LANG, a job-scoped HOME, git identity,
// and GIT_TERMINAL_PROMPT=0 so a missing credential fails fast instead of
// blocking on a prompt no one can answer.
func baseGitEnv(cfg Config, homeDir string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + homeDir,
		"LANG=C.UTF-8",
		"GIT_TERMINAL_PROMPT=0",
	}
	if cfg.GitUserName != "" {
		env = append(env, "GIT_AUTHOR_NAME="+cfg.GitUserName, "GIT_COMMITTER_NAME="+cfg.GitUserName)
	}
	if cfg.GitUserEmail != "" {
		env = append(env, "GIT_AUTHOR_EMAIL="+cfg.GitUserEmail, "GIT_COMMITTER_EMAIL="+cfg.GitUserEmail)
	}
	return env
}

// newVaultResolver builds the optional Vault resolver from cfg, returning a
// nil resolver (not an error) when MOONMIND_VAULT_ADDR is unset.
func newVaultResolver(cfg Config) (*vaultref.Resolver, error) {
	if cfg.VaultAddr == "" {
		return nil, nil
	}
	token, err := vaultref.LoadToken(cfg.VaultToken, cfg.VaultTokenFile)
	if err != nil {
		return nil, err
	}
	return vaultref.NewResolver(vaultref.Config{
		Address:       cfg.VaultAddr,
		Token:         token,
		Namespace:     cfg.VaultNamespace,
		AllowedMounts: cfg.VaultAllowedMounts,
		Timeout:       secondsToDuration(cfg.VaultTimeoutSeconds),
	})
}
