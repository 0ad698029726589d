// Command knoxctl is the operator CLI for Knox Core: a thin HTTP client
// over internal/httpapi's endpoints plus a websocket subscriber for job
// status, so an operator never needs curl and jq to drive the core by
// hand. Uses spf13/cobra for subcommands and go.uber.org/zap for its own
// console logging (distinct from the daemon's audit JSON logger,
// pkg/telemetry) — neither is imported anywhere else in this module, so
// knoxctl is where the pack's CLI/logging stack earns its keep.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	apiBase string
	actor   string
	log     *zap.Logger
)

func main() {
	var err error
	log, err = zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "knoxctl: logger init:", err)
		os.Exit(1)
	}
	defer log.Sync()

	root := &cobra.Command{
		Use:   "knoxctl",
		Short: "Operate a Knox Core daemon from the command line",
	}
	root.PersistentFlags().StringVar(&apiBase, "api", envDefault("KNOXCTL_API", "http://127.0.0.1:8088"), "knoxd base URL")
	root.PersistentFlags().StringVar(&actor, "actor", envDefault("KNOXCTL_ACTOR", "knoxctl"), "actor forwarded as X-Principal")

	root.AddCommand(
		newIngestCmd(),
		newCompileCmd(),
		newDeleteProjectCmd(),
		newJobsCmd(),
	)

	if err := root.Execute(); err != nil {
		log.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func doRequest(method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(apiBase, "/")+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Principal", actor)

	resp, err := httpClient().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("call knoxd: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func printResult(raw []byte, status int) error {
	if status >= 400 {
		fmt.Fprintln(os.Stderr, string(raw))
		return fmt.Errorf("knoxd returned status %d", status)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func newIngestCmd() *cobra.Command {
	var project, title, body string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Create a project note and run it through the Sanitization Service",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, status, err := doRequest(http.MethodPost, fmt.Sprintf("/api/projects/%s/notes", project), map[string]string{
				"title": title,
				"body":  body,
			})
			if err != nil {
				return err
			}
			return printResult(raw, status)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id (required)")
	cmd.Flags().StringVar(&title, "title", "", "note title")
	cmd.Flags().StringVar(&body, "body", "", "note body (required)")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("body")
	return cmd
}

func newCompileCmd() *cobra.Command {
	var project, policyID, templateID string
	var async bool
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Run a Fort Knox compile against a project's eligible inputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/fortknox/compile"
			if async {
				path += "/jobs"
			}
			raw, status, err := doRequest(http.MethodPost, path, map[string]string{
				"project_id":  project,
				"policy_id":   policyID,
				"template_id": templateID,
			})
			if err != nil {
				return err
			}
			return printResult(raw, status)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id (required)")
	cmd.Flags().StringVar(&policyID, "policy", "internal", "policy id (internal|external)")
	cmd.Flags().StringVar(&templateID, "template", "", "template id (required)")
	cmd.Flags().BoolVar(&async, "async", false, "enqueue instead of compiling inline")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("template")
	return cmd
}

func newDeleteProjectCmd() *cobra.Command {
	var project string
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete-project",
		Short: "Permanently erase a project's entire subgraph (irreversible)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete project %q without --yes", project)
			}
			raw, status, err := doRequest(http.MethodDelete, fmt.Sprintf("/api/projects/%s", project), nil)
			if err != nil {
				return err
			}
			if status == http.StatusNoContent {
				fmt.Println("project deleted:", project)
				return nil
			}
			return printResult(raw, status)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id (required)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm irreversible deletion")
	cmd.MarkFlagRequired("project")
	return cmd
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Inspect or watch background jobs"}
	cmd.AddCommand(newJobsGetCmd(), newJobsWatchCmd())
	return cmd
}

func newJobsGetCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch a knox_compile report by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, status, err := doRequest(http.MethodGet, fmt.Sprintf("/api/fortknox/reports/%s", id), nil)
			if err != nil {
				return err
			}
			return printResult(raw, status)
		},
	}
	cmd.Flags().StringVar(&id, "report", "", "report id (required)")
	cmd.MarkFlagRequired("report")
	return cmd
}

// newJobsWatchCmd streams job status changes from knoxd's /ws/jobs
// websocket, grounded on the pack's websocket.DefaultDialer.Dial/
// ReadMessage client loop (services/crypto-stream/main.go's runWS).
func newJobsWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream job status changes as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(apiBase, "/"), "http") + "/ws/jobs"
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w", wsURL, err)
			}
			defer conn.Close()

			log.Info("watching job status changes", zap.String("url", wsURL))
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return fmt.Errorf("websocket closed: %w", err)
				}
				var pretty bytes.Buffer
				if json.Indent(&pretty, msg, "", "  ") == nil {
					fmt.Println(pretty.String())
				} else {
					fmt.Println(string(msg))
				}
			}
		},
	}
	return cmd
}
