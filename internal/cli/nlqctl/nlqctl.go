// Package nlqctl is the operator CLI for the nlq service.
package nlqctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/duckmesh/nlq/internal/storage"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	// ObjectStore opens the snapshot bucket for "snapshot push".
	ObjectStore func(ctx context.Context) (storage.ObjectStore, error)
	Stdout      io.Writer
	Stderr      io.Writer
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

// Run executes the CLI and returns the process exit code: 0 on success, 1
// on a failed request and 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := newRootCommand(defaults, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			_, _ = fmt.Fprintln(stderr, exit.err)
		}
		return exit.code
	}
	_, _ = fmt.Fprintf(stderr, "%v\n", err)
	return 2
}

type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	stdout  io.Writer
}

func newRootCommand(defaults Options, stdout io.Writer) *cobra.Command {
	cl := &client{stdout: stdout}
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "nlqctl",
		Short:         "Operate the nlq question service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			cl.http = defaults.HTTPClient
			if cl.http == nil {
				cl.http = &http.Client{Timeout: timeout}
			}
		},
		Example: `  nlqctl ask "how many students per class?"
  nlqctl validate "SELECT * FROM alunos.alunos"
  nlqctl audit --limit 20
  nlqctl snapshot inspect schema_chunks.parquet`,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&cl.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "nlq API base URL")
	root.PersistentFlags().StringVar(&cl.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	root.PersistentFlags().DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 90*time.Second), "HTTP timeout (e.g. 30s)")

	root.AddCommand(
		&cobra.Command{
			Use:   "health",
			Short: "GET /v1/health",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return cl.call(cmd.Context(), http.MethodGet, "/v1/health", nil)
			},
		},
		&cobra.Command{
			Use:   "ready",
			Short: "GET /v1/ready",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return cl.call(cmd.Context(), http.MethodGet, "/v1/ready", nil)
			},
		},
		newAskCommand(cl),
		&cobra.Command{
			Use:   "validate <sql>",
			Short: "Run only the safety validator over a query",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return cl.call(cmd.Context(), http.MethodPost, "/v1/validate", map[string]any{"sql": args[0]})
			},
		},
		newAuditCommand(cl),
		newSnapshotCommand(defaults, stdout),
	)
	return root
}

func newAskCommand(cl *client) *cobra.Command {
	var sessionID string
	var ordinal int
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question through the full pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"question": strings.Join(args, " ")}
			if sessionID != "" {
				body["session_id"] = sessionID
			}
			if ordinal > 0 {
				body["ordinal"] = ordinal
			}
			return cl.call(cmd.Context(), http.MethodPost, "/v1/ask", body)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to group questions")
	cmd.Flags().IntVar(&ordinal, "ordinal", 0, "position of the question in the session")
	return cmd
}

func newAuditCommand(cl *client) *cobra.Command {
	var limit int
	var id string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit entries, or one entry with --id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id != "" {
				return cl.call(cmd.Context(), http.MethodGet, "/v1/audit/"+url.PathEscape(id), nil)
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return cl.call(cmd.Context(), http.MethodGet, "/v1/audit/recent?limit="+strconv.Itoa(limit), nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	cmd.Flags().StringVar(&id, "id", "", "audit entry id")
	return cmd
}

func (c *client) call(ctx context.Context, method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	endpoint := strings.TrimRight(c.baseURL, "/") + path
	code, responseBody, err := doRequest(ctx, c.http, method, endpoint, c.apiKey, body)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("request failed: %w", err)}
	}
	if code >= 400 {
		return &exitError{code: 1, err: fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(responseBody)))}
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(c.stdout, pretty)
		return nil
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(c.stdout, string(responseBody))
	}
	return nil
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
