package mcpmanager

import (
	"fmt"
	"strings"
)

// StartupErrorKind distinguishes a cancelled startup from one that failed
// outright; the manager needs to tell them apart when it buckets a batch of
// concurrent attempts into a StartupCompleteEvent.
type StartupErrorKind int

const (
	StartupFailed StartupErrorKind = iota
	StartupCancelled
)

// StartupError is a cloneable description of why a server's startup future
// resolved badly. Losing the original error's stack context here is
// deliberate: singleflight.Group shares one *goroutine-safe* result across
// every waiter, so the error it returns must be a plain, copyable value
// rather than a chain of wrapped errors tied to one call's context.
type StartupError struct {
	Kind  StartupErrorKind
	Cause string
}

func (e *StartupError) Error() string {
	switch e.Kind {
	case StartupCancelled:
		return "MCP startup cancelled"
	default:
		return fmt.Sprintf("MCP startup failed: %s", e.Cause)
	}
}

// newStartupError wraps any error as a StartupFailed StartupError.
func newStartupError(err error) *StartupError {
	return &StartupError{Kind: StartupFailed, Cause: err.Error()}
}

// githubCopilotMCPURL is the one well-known endpoint that rejects OAuth and
// needs a personal access token instead.
const githubCopilotMCPURL = "https://api.githubcopilot.com/mcp/"

// classifyStartupError turns a raw startup failure into the operator-facing
// message the rest of the system surfaces, checking in priority order: the
// GitHub Copilot PAT case, an auth-required signal, a handshake timeout
// signal, then a generic fallback. Each branch's message text is load-
// bearing for operators following along, so it must stay literal.
func classifyStartupError(serverName string, cfg ServerConfig, startupTimeout float64, err error) string {
	if isGitHubCopilotWithoutToken(cfg) {
		return fmt.Sprintf(
			"GitHub MCP does not support OAuth. Log in by adding a personal access token "+
				"(https://github.com/settings/personal-access-tokens) to your environment and .mcp.json:\n"+
				"  \"%s\": {\"bearer_token_env_var\": \"CODEX_GITHUB_PERSONAL_ACCESS_TOKEN\"}",
			serverName,
		)
	}

	msg := err.Error()
	if strings.Contains(msg, "Auth required") {
		return fmt.Sprintf("The %s MCP server is not logged in. Run `codex mcp login %s`.", serverName, serverName)
	}

	if isStartupTimeoutError(msg) {
		return fmt.Sprintf(
			"MCP client for `%s` timed out after %g seconds. Add or adjust \"startup_timeout_sec\" in your .mcp.json:\n"+
				"  \"%s\": {\"startup_timeout_sec\": XX}",
			serverName, startupTimeout, serverName,
		)
	}

	return fmt.Sprintf("MCP client for `%s` failed to start: %s", serverName, msg)
}

func isGitHubCopilotWithoutToken(cfg ServerConfig) bool {
	if cfg.Transport.Kind != TransportStreamableHTTP || cfg.Transport.URL != githubCopilotMCPURL {
		return false
	}
	return cfg.Transport.BearerTokenEnvVar == "" && len(cfg.Transport.HTTPHeaders) == 0
}

func isStartupTimeoutError(msg string) bool {
	return strings.Contains(msg, "request timed out") || strings.Contains(msg, "timed out handshaking with MCP server")
}
