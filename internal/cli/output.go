package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/11PRIMUS/memento3/internal/port"
)

// Exit codes.
const (
	exitConfig   = 1
	exitStore    = 2
	exitUpstream = 3
	exitInput    = 4
	exitNotFound = 6
	exitInternal = 10
)

// userError carries a hint and an exit code for the terminal.
type userError struct {
	Message string
	Fix     string
	Code    int
	Err     error
}

func (e *userError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *userError) Unwrap() error { return e.Err }

func configError(err error) error {
	return &userError{
		Message: "Invalid configuration",
		Fix:     "Check CONFIG_FILE, .env and the environment variables",
		Code:    exitConfig,
		Err:     err,
	}
}

func storeError(driver string, err error) error {
	fix := "Check DATABASE_URL and that PostgreSQL with the vector extension is reachable"
	if driver == "sqlite" {
		fix = "Check SQLITE_PATH points to a writable location"
	}
	return &userError{Message: "Cannot open the " + driver + " store", Fix: fix, Code: exitStore, Err: err}
}

// classify maps an error to its exit code and a hint.
func classify(err error) (int, string) {
	var ue *userError
	if errors.As(err, &ue) {
		return ue.Code, ue.Fix
	}
	switch {
	case errors.Is(err, port.ErrDimensionMismatch):
		return exitConfig, "Set EMBEDDING_DIMENSION to the model's output size and recreate the schema"
	case errors.Is(err, port.ErrInvalidURL):
		return exitInput, "Use a URL like https://github.com/owner/name"
	case errors.Is(err, port.ErrInvalidInput), errors.Is(err, port.ErrPrecondition):
		return exitInput, ""
	case errors.Is(err, port.ErrIndexingInProgress):
		return exitInput, "Wait for the running ingestion to finish"
	case errors.Is(err, port.ErrUpstreamNotFound):
		return exitNotFound, "Check the repository exists and is visible to GITHUB_TOKEN"
	case errors.Is(err, port.ErrNotFound):
		return exitNotFound, "Run `memento repos` to list registered repositories"
	case errors.Is(err, port.ErrRateLimited):
		return exitUpstream, "Set GITHUB_TOKEN to raise the GitHub rate limit"
	case errors.Is(err, port.ErrUpstream):
		return exitUpstream, "Check network access to GitHub and the Ollama endpoints"
	case errors.Is(err, port.ErrPersistence):
		return exitStore, "Check the database is reachable"
	}
	return exitInternal, ""
}

// printError writes err with its hint and returns the exit code.
func printError(w io.Writer, err error) int {
	code, fix := classify(err)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	red.Fprint(w, "Error: ")
	fmt.Fprintln(w, err.Error())
	if fix != "" {
		yellow.Fprint(w, "Fix:   ")
		fmt.Fprintln(w, fix)
	}
	return code
}

func printSuccess(w io.Writer, format string, args ...any) {
	color.New(color.FgGreen).Fprint(w, "✓ ")
	fmt.Fprintf(w, format+"\n", args...)
}

func printInfo(w io.Writer, format string, args ...any) {
	color.New(color.FgCyan).Fprint(w, "→ ")
	fmt.Fprintf(w, format+"\n", args...)
}

func printWarning(w io.Writer, format string, args ...any) {
	color.New(color.FgYellow).Fprint(w, "! ")
	fmt.Fprintf(w, format+"\n", args...)
}

func printKV(w io.Writer, key string, value any) {
	color.New(color.Faint).Fprintf(w, "  %-16s", key+":")
	fmt.Fprintln(w, value)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
