// Command termlink is the reference command-line client for the broker:
// it can host a shell as a Runner, attach to a paired Runner as an App,
// and query pairing state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/termlink/broker/pkg/client"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	brokerURL := os.Getenv("TERMLINK_BROKER_URL")
	if brokerURL == "" {
		brokerURL = "ws://localhost:8080/ws"
	}

	switch os.Args[1] {
	case "runner":
		cmdRunner(brokerURL)
	case "connect":
		cmdConnect(brokerURL)
	case "status":
		cmdStatus(brokerURL)
	case "history":
		cmdHistory()
	case "version":
		fmt.Printf("termlink v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`termlink v` + version + `

Usage: termlink <command> [flags]

Commands:
  runner    Host a shell and advertise a pairing code
  connect   Attach this terminal to the paired runner
  status    Show the pairing state of this app identity
  history   Show recent pairing events for an app
  version   Print version
  help      Show this help

Environment:
  TERMLINK_BROKER_URL      Broker websocket URL (default: ws://localhost:8080/ws)
  TERMLINK_API_URL         Broker REST URL (default: http://localhost:8080)
  TERMLINK_TOKEN           App token (required for connect/status)
  TERMLINK_RUNNER_SECRET   Runner secret (required for runner)

Examples:
  termlink runner --id laptop --code AAA-BBB-CCC
  termlink connect --code AAA-BBB-CCC
  termlink history --app app-42 --limit 20`)
}

// ----------------------------------------------------------------
// runner command
// ----------------------------------------------------------------

// runnerHost serves broker sessions, one pty-wrapped shell per session.
type runnerHost struct {
	runner *client.Runner
	shell  string

	mu       sync.Mutex
	sessions map[string]*ptySession
}

type ptySession struct {
	cmd *exec.Cmd
	tty *os.File
}

func cmdRunner(brokerURL string) {
	fs := flag.NewFlagSet("runner", flag.ExitOnError)
	id := fs.String("id", "", "Runner identity (default: hostname)")
	code := fs.String("code", "", "Pairing code to advertise (default: broker-generated)")
	shell := fs.String("shell", "", "Shell to serve (default: $SHELL)")
	fs.Parse(os.Args[2:])

	if *id == "" {
		host, err := os.Hostname()
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Cannot determine hostname: %v\n", err)
			os.Exit(1)
		}
		*id = host
	}
	if *shell == "" {
		*shell = os.Getenv("SHELL")
		if *shell == "" {
			*shell = "/bin/sh"
		}
	}
	secret := os.Getenv("TERMLINK_RUNNER_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "❌ TERMLINK_RUNNER_SECRET is not set")
		os.Exit(1)
	}

	host := &runnerHost{shell: *shell, sessions: make(map[string]*ptySession)}
	host.runner = client.NewRunner(client.RunnerConfig{
		BrokerURL:   brokerURL,
		RunnerID:    *id,
		Secret:      secret,
		PairingCode: *code,
		OnSessionOpen: func(appID, sessionID string) {
			fmt.Printf("🖥️  Session %s opened by %s\n", sessionID, appID)
			host.open(sessionID)
		},
		OnInput:  host.input,
		OnResize: host.resize,
		OnSessionEnded: func(sessionID, reason string) {
			fmt.Printf("👋 Session %s ended (%s)\n", sessionID, reason)
			host.drop(sessionID)
		},
		OnDisconnect: func(err error) {
			fmt.Fprintf(os.Stderr, "❌ Broker connection lost: %v\n", err)
			os.Exit(1)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := host.runner.Connect(ctx); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "❌ Register failed: %v\n", err)
		os.Exit(1)
	}
	cancel()

	fmt.Printf("✅ Registered as %q, serving %s\n", *id, *shell)
	fmt.Printf("🔑 Pairing code: %s\n", host.runner.Code())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	host.runner.Close()
}

func (h *runnerHost) open(sessionID string) {
	cmd := exec.Command(h.shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	tty, err := pty.Start(cmd)
	if err != nil {
		h.runner.EndSession(sessionID, "spawn_failed")
		return
	}

	h.mu.Lock()
	h.sessions[sessionID] = &ptySession{cmd: cmd, tty: tty}
	h.mu.Unlock()

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := tty.Read(buf)
			if n > 0 {
				h.runner.SendOutput(sessionID, buf[:n])
			}
			if err != nil {
				break
			}
		}
		if h.remove(sessionID) {
			h.runner.EndSession(sessionID, "pty_exit")
		}
	}()
}

func (h *runnerHost) input(sessionID string, data []byte) {
	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s != nil {
		s.tty.Write(data)
	}
}

func (h *runnerHost) resize(sessionID string, cols, rows int) {
	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s != nil {
		pty.Setsize(s.tty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	}
}

// drop tears a session down from the broker side.
func (h *runnerHost) drop(sessionID string) {
	h.remove(sessionID)
}

// remove reaps the session's process. The bool reports whether this
// caller took it, so pty exit and broker teardown don't both announce.
func (h *runnerHost) remove(sessionID string) bool {
	h.mu.Lock()
	s := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if s == nil {
		return false
	}

	s.tty.Close()
	s.cmd.Process.Kill()
	s.cmd.Wait()
	return true
}

// ----------------------------------------------------------------
// connect command
// ----------------------------------------------------------------

func cmdConnect(brokerURL string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	code := fs.String("code", "", "Pairing code (omit when already paired)")
	fs.Parse(os.Args[2:])

	token := os.Getenv("TERMLINK_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "❌ TERMLINK_TOKEN is not set")
		os.Exit(1)
	}

	done := make(chan string, 1)
	app := client.NewApp(client.AppConfig{
		BrokerURL: brokerURL,
		Token:     token,
		OnOutput: func(sessionID string, data []byte) {
			os.Stdout.Write(data)
		},
		OnSessionEnded: func(sessionID, reason string) {
			done <- reason
		},
		OnRunnerOffline: func(runnerID string) {
			done <- "runner_offline"
		},
		OnDisconnect: func(err error) {
			done <- fmt.Sprintf("connection lost: %v", err)
		},
	})

	ctx := context.Background()
	if err := app.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Connect failed: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	if *code != "" {
		if _, err := app.Pair(ctx, *code); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Pair failed: %v\n", err)
			os.Exit(1)
		}
	}

	st, err := app.PairingStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Status failed: %v\n", err)
		os.Exit(1)
	}
	if !st.Paired {
		fmt.Fprintln(os.Stderr, "❌ Not paired. Run: termlink connect --code <CODE>")
		os.Exit(1)
	}
	if !st.RunnerOnline {
		fmt.Fprintf(os.Stderr, "❌ Runner %s is offline\n", st.RunnerID)
		os.Exit(1)
	}

	sessionID, err := app.ConnectRunner(ctx, st.RunnerID, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Session open failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Attached to %s (detach with Ctrl-])\r\n", st.RunnerID)

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Raw mode failed: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		app.SendResize(sessionID, cols, rows)
	}

	// Stdin pumps to the runner until the 0x1d detach byte.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if i := indexByte(buf[:n], 0x1d); i >= 0 {
					if i > 0 {
						app.SendInput(sessionID, buf[:i])
					}
					app.EndSession(sessionID, "detached")
					done <- "detached"
					return
				}
				app.SendInput(sessionID, buf[:n])
			}
			if err != nil {
				done <- "stdin closed"
				return
			}
		}
	}()

	reason := <-done
	term.Restore(int(os.Stdin.Fd()), oldState)
	fmt.Printf("\n👋 Session ended: %s\n", reason)
}

func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// ----------------------------------------------------------------
// status command
// ----------------------------------------------------------------

func cmdStatus(brokerURL string) {
	token := os.Getenv("TERMLINK_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "❌ TERMLINK_TOKEN is not set")
		os.Exit(1)
	}

	app := client.NewApp(client.AppConfig{BrokerURL: brokerURL, Token: token})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Connect failed: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	st, err := app.PairingStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Status failed: %v\n", err)
		os.Exit(1)
	}

	if !st.Paired {
		fmt.Printf("App:     %s\nPaired:  no\n", app.AppID())
		return
	}
	online := "offline"
	if st.RunnerOnline {
		online = "online"
	}
	fmt.Printf("App:     %s\nPaired:  yes\nRunner:  %s (%s)\nSince:   %s\n",
		app.AppID(), st.RunnerID, online, st.PairedAt.Format(time.RFC3339))
}

// ----------------------------------------------------------------
// history command
// ----------------------------------------------------------------

func cmdHistory() {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	appID := fs.String("app", "", "App identity to query (required)")
	limit := fs.Int("limit", 20, "Max events")
	fs.Parse(os.Args[2:])

	if *appID == "" {
		fmt.Fprintln(os.Stderr, "Usage: termlink history --app <app-id> [--limit 20]")
		os.Exit(1)
	}

	apiURL := os.Getenv("TERMLINK_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}

	q := url.Values{"app_id": {*appID}, "limit": {fmt.Sprint(*limit)}}
	resp, err := doRequest(apiURL + "/api/v1/pairing/history?" + q.Encode())
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}

	var result struct {
		Events []struct {
			Type     string `json:"type"`
			RunnerID string `json:"runner_id"`
			Code     string `json:"code"`
			Error    string `json:"error"`
			At       int64  `json:"at"`
		} `json:"events"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Bad response: %v\n", err)
		os.Exit(1)
	}
	if len(result.Events) == 0 {
		fmt.Println("No pairing events.")
		return
	}

	fmt.Printf("%-25s %-20s %-15s %s\n", "TIME", "EVENT", "RUNNER", "DETAIL")
	fmt.Println("---------------------------------------------------------------------------")
	for _, e := range result.Events {
		detail := e.Code
		if e.Error != "" {
			detail = e.Error
		}
		fmt.Printf("%-25s %-20s %-15s %s\n",
			time.UnixMilli(e.At).Format(time.RFC3339), e.Type, e.RunnerID, detail)
	}
}

func doRequest(url string) ([]byte, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, body)
	}
	return body, nil
}
