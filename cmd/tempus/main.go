// Command tempus is the tempus CLI client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tempusd/tempus/clocksync"
	"github.com/tempusd/tempus/internal/version"
	"github.com/tempusd/tempus/update"
)

const defaultServer = "http://localhost:8484"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "tempus server URL")
		token     = flag.String("token", os.Getenv("TEMPUS_TOKEN"), "auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "login":
		err = cli.cmdLogin(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "watch":
		err = cli.cmdWatch(rest)
	case "upgrade":
		err = cmdUpgrade(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `tempus — tempus CLI

Usage:
  tempus [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:8484)
  --token   <token>  auth token (or $TEMPUS_TOKEN)

Commands:
  version                         print version
  status                          show server status
  login <username> <password>     obtain an auth token
  tasks                           list tasks
  task create <deadline> <title>  create a task ("30min", "in 2 hours", ...)
  task complete <id>              complete a task
  task giveup <id> [reason]       give up on a task
  task pause <id>                 pause a task
  task resume <id>                resume a paused task
  task snooze <id> <minutes>      push the deadline back
  watch <id>                      live countdown for a task
  upgrade                         update tempus to the latest release
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("tempus %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// --- upgrade ---

func cmdUpgrade(_ []string) error {
	u := update.New(version.Version)
	rel, err := u.CheckForUpdate(context.Background())
	if err != nil {
		return fmt.Errorf("check for update: %w", err)
	}
	if rel == nil {
		fmt.Printf("tempus %s is up to date\n", version.Version)
		return nil
	}
	fmt.Printf("updating %s -> %s\n", version.Version, rel.Version)
	if err := u.ApplyUpdate(rel); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	fmt.Println("done; restart tempus to use the new version")
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

// post performs a POST and decodes JSON response into v (may be nil).
func (c *Client) post(path string, body io.Reader, v any) error {
	return c.do(http.MethodPost, path, body, v)
}

func (c *Client) do(method, path string, body io.Reader, v any) error {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]string
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", result["status"])
	fmt.Printf("version: %s\n", result["version"])
	return nil
}

// --- login ---

func (c *Client) cmdLogin(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: tempus login <username> <password>")
	}
	body := fmt.Sprintf(`{"username":%q,"password":%q}`, args[0], args[1])
	var result map[string]string
	if err := c.post("/api/auth/login", strings.NewReader(body), &result); err != nil {
		return err
	}
	fmt.Printf("export TEMPUS_TOKEN=%s\n", result["token"])
	return nil
}

// --- tasks ---

func (c *Client) cmdTasks(_ []string) error {
	var tasks []map[string]any
	if err := c.get("/api/tasks", &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-30s %-10s %10s\n", "ID", "TITLE", "STATUS", "REMAINING")
	fmt.Println(strings.Repeat("-", 90))
	for _, t := range tasks {
		fmt.Printf("%-36s %-30s %-10s %10s\n",
			strVal(t["id"]),
			truncate(strVal(t["title"]), 29),
			strVal(t["status"]),
			formatSeconds(t["remaining_seconds"]),
		)
	}
	return nil
}

// --- task subcommands ---

func (c *Client) cmdTask(args []string) error {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: tempus task <create|complete|giveup|pause|resume|snooze> ...")
		os.Exit(1)
	}
	sub := args[0]
	rest := args[1:]
	switch sub {
	case "create":
		if len(rest) < 2 {
			return fmt.Errorf("usage: tempus task create <deadline> <title>")
		}
		spec := rest[0]
		title := strings.Join(rest[1:], " ")
		body := fmt.Sprintf(`{"title":%q,"deadline_spec":%q}`, title, spec)
		var result map[string]any
		if err := c.post("/api/tasks", strings.NewReader(body), &result); err != nil {
			return err
		}
		fmt.Printf("created task %s, due %s\n", strVal(result["id"]), strVal(result["ends_at"]))
	case "complete", "pause", "resume":
		if len(rest) < 1 {
			return fmt.Errorf("usage: tempus task %s <id>", sub)
		}
		var result map[string]any
		if err := c.post("/api/tasks/"+rest[0]+"/"+sub, nil, &result); err != nil {
			return err
		}
		fmt.Printf("task %s is now %s\n", rest[0], strVal(result["status"]))
	case "giveup":
		if len(rest) < 1 {
			return fmt.Errorf("usage: tempus task giveup <id> [reason]")
		}
		body := fmt.Sprintf(`{"reason":%q}`, strings.Join(rest[1:], " "))
		var result map[string]any
		if err := c.post("/api/tasks/"+rest[0]+"/giveup", strings.NewReader(body), &result); err != nil {
			return err
		}
		fmt.Printf("task %s is now %s\n", rest[0], strVal(result["status"]))
	case "snooze":
		if len(rest) < 2 {
			return fmt.Errorf("usage: tempus task snooze <id> <minutes>")
		}
		minutes, err := strconv.Atoi(rest[1])
		if err != nil {
			return fmt.Errorf("minutes must be a number: %w", err)
		}
		body := fmt.Sprintf(`{"minutes":%d}`, minutes)
		var result map[string]any
		if err := c.post("/api/tasks/"+rest[0]+"/snooze", strings.NewReader(body), &result); err != nil {
			return err
		}
		fmt.Printf("task %s snoozed, due %s\n", rest[0], strVal(result["ends_at"]))
	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
	return nil
}

// --- watch: live countdown ---

// cmdWatch renders a one-second countdown for a task, reconciling the
// local clock against the server so the display survives clock drift.
func (c *Client) cmdWatch(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tempus watch <id>")
	}

	var t struct {
		Title  string    `json:"title"`
		Status string    `json:"status"`
		EndsAt time.Time `json:"ends_at"`
	}
	if err := c.get("/api/tasks/"+args[0], &t); err != nil {
		return err
	}
	if t.Status != "ongoing" {
		return fmt.Errorf("task is %s, nothing to watch", t.Status)
	}

	syncer := clocksync.New(c.BaseURL, c.HTTPClient)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := syncer.SyncNow(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: time sync failed, using local clock: %v\n", err)
	}
	go syncer.Run(ctx, time.Minute)

	fmt.Printf("watching %q until %s\n", t.Title, t.EndsAt.Local().Format(time.Kitchen))
	syncer.Countdown(ctx, t.EndsAt, func(remaining int64) {
		marker := " "
		if !syncer.Accurate(0, 0) {
			marker = "~" // degraded sync, countdown is approximate
		}
		fmt.Printf("\r%s%02d:%02d:%02d ", marker, remaining/3600, remaining%3600/60, remaining%60)
	})
	fmt.Println("\ntime's up")
	return nil
}

// --- helpers ---

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatSeconds(v any) string {
	f, ok := v.(float64)
	if !ok {
		return "-"
	}
	sec := int64(f)
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, sec%3600/60, sec%60)
}
