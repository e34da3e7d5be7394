package cmdutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/femtomc/mu-sub002/cmd/mu/ui"
	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/sdk"
)

// Exit codes, stable for scripting.
const (
	ExitOK         = 0
	ExitInternal   = 1
	ExitValidation = 2
	ExitNotFound   = 3
	ExitConflict   = 4
)

// Global holds the persistent flags shared by every subcommand.
type Global struct {
	Host     string
	RepoRoot string
	JSON     bool
}

// Connect dials the daemon using the persistent flags.
func (g *Global) Connect() (*sdk.Client, error) {
	return Connect(g.Host, g.RepoRoot)
}

// RepoRoot resolves the workspace root: flag > MU_REPO_ROOT > cwd.
func RepoRoot(flag string) string {
	if v := strings.TrimSpace(flag); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("MU_REPO_ROOT")); v != "" {
		return v
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// Connect returns an SDK client. Resolution order:
//
//  1. hostFlag / MU_HOST — a base URL, dialed directly
//  2. the daemon discovery file under the repo root
func Connect(hostFlag, repoRoot string) (*sdk.Client, error) {
	host := strings.TrimSpace(hostFlag)
	if host == "" {
		host = strings.TrimSpace(os.Getenv("MU_HOST"))
	}
	if host != "" {
		return sdk.Dial(host)
	}
	root := RepoRoot(repoRoot)
	baseURL, err := sdk.Discover(root)
	if err != nil {
		return nil, fault.Wrap(fault.Precondition, "daemon_unreachable", err).
			WithRecovery("mud --repo-root " + root)
	}
	return sdk.Dial(baseURL)
}

// FormatMS renders a unix-millisecond timestamp for table output.
func FormatMS(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

// EmitJSON writes v to stdout as indented JSON.
func EmitJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type errorEnvelope struct {
	Error      string   `json:"error"`
	ReasonCode string   `json:"reason_code,omitempty"`
	Recovery   []string `json:"recovery,omitempty"`
}

// ExitCode maps an error to the CLI exit code, translating API errors
// by HTTP status and local errors by fault kind.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadRequest:
			return ExitValidation
		case http.StatusNotFound:
			return ExitNotFound
		case http.StatusConflict:
			return ExitConflict
		}
		return ExitInternal
	}
	return fault.ExitCode(err)
}

// RenderError prints err to stderr — a JSON envelope in JSON mode,
// otherwise a short message plus a recovery hint when one exists.
func RenderError(err error, jsonOut bool) {
	if err == nil {
		return
	}

	msg := err.Error()
	reason := fault.ReasonOf(err)
	var recovery []string
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.Message
		reason = apiErr.ReasonCode
		recovery = apiErr.Recovery
	} else {
		recovery = fault.RecoveryOf(err)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stderr)
		_ = enc.Encode(errorEnvelope{Error: msg, ReasonCode: reason, Recovery: recovery})
		return
	}

	fmt.Fprintln(os.Stderr, ui.ErrorMsg("%s", msg))
	for _, hint := range recovery {
		fmt.Fprintln(os.Stderr, ui.Muted("  try: "+hint))
	}
}
