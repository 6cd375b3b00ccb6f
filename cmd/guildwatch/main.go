package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/guildwatch/guildwatch/internal/activity"
	"github.com/guildwatch/guildwatch/internal/agent"
	"github.com/guildwatch/guildwatch/internal/command"
)

var (
	app    = kingpin.New("guildwatch", "Agent worktree monitoring console")
	server = app.Flag("server", "guildwatch server base URL").
		Default("http://localhost:3200").
		Envar("GUILDWATCH_SERVER").
		String()

	metricsCmd = app.Command("metrics", "Show the system snapshot")

	activityCmd   = app.Command("activity", "Show recent activity")
	activityLimit = activityCmd.Flag("limit", "Number of entries").Default("20").Int()

	agentsCmd = app.Command("agents", "List known agents")

	registerCmd  = app.Command("register", "Register a worktree for an agent")
	registerID   = registerCmd.Arg("id", "Agent ID").Required().String()
	registerPath = registerCmd.Arg("path", "Worktree path").Required().String()
	registerName = registerCmd.Flag("name", "Display name").String()

	deregisterCmd = app.Command("deregister", "Stop watching an agent's worktree")
	deregisterID  = deregisterCmd.Arg("id", "Agent ID").Required().String()

	cmdCmd  = app.Command("cmd", "Send a free-text command")
	cmdText = cmdCmd.Arg("text", "Command text").Required().Strings()

	watchCmd = app.Command("watch", "Stream live events")
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	var err error
	switch cmd {
	case metricsCmd.FullCommand():
		err = showMetrics()
	case activityCmd.FullCommand():
		err = showActivity(*activityLimit)
	case agentsCmd.FullCommand():
		err = listAgents()
	case registerCmd.FullCommand():
		err = registerAgent(*registerID, *registerName, *registerPath)
	case deregisterCmd.FullCommand():
		err = deregisterAgent(*deregisterID)
	case cmdCmd.FullCommand():
		err = sendCommand(strings.Join(*cmdText, " "))
	case watchCmd.FullCommand():
		err = watch()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func doRequest(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, *server+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (%s)", apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var (
	heading = color.New(color.FgCyan, color.Bold)
	dim     = color.New(color.FgHiBlack)
	good    = color.New(color.FgGreen)
	warn    = color.New(color.FgYellow)
	bad     = color.New(color.FgRed)
)

func stateColor(state activity.AgentState) *color.Color {
	switch state {
	case activity.StateActive:
		return good
	case activity.StateIdle:
		return warn
	default:
		return bad
	}
}

func showMetrics() error {
	var snap activity.SystemSnapshot
	if err := doRequest(http.MethodGet, "/api/metrics", nil, &snap); err != nil {
		return err
	}

	heading.Printf("%d agents (%d active), %d commits, %d tracked files\n",
		snap.TotalAgents, snap.ActiveAgents, snap.TotalCommits, snap.TotalTrackedFiles)
	for _, m := range snap.Agents {
		stateColor(m.State).Printf("  %-12s %-8s", m.AgentID, m.State)
		fmt.Printf(" files=%-5d commits=%-4d uncommitted=%-4d +%d/-%d\n",
			m.TrackedFiles, m.Commits, m.UncommittedFiles, m.LinesAdded, m.LinesRemoved)
	}
	return nil
}

type activityEntry struct {
	Type       string    `json:"type"`
	AgentID    string    `json:"agentId"`
	Timestamp  time.Time `json:"timestamp"`
	FileChange *struct {
		Kind    string `json:"kind"`
		RelPath string `json:"relPath"`
	} `json:"fileChange"`
	Commit *struct {
		Hash    string `json:"hash"`
		Message string `json:"message"`
	} `json:"commit"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e *activityEntry) describe() string {
	switch {
	case e.FileChange != nil:
		return fmt.Sprintf("%s %s", e.FileChange.Kind, e.FileChange.RelPath)
	case e.Commit != nil:
		return fmt.Sprintf("commit %.8s: %s", e.Commit.Hash, e.Commit.Message)
	case e.Error != nil:
		return e.Error.Message
	default:
		return e.Type
	}
}

func showActivity(limit int) error {
	var entries []*activityEntry
	if err := doRequest(http.MethodGet, fmt.Sprintf("/api/activity?limit=%d", limit), nil, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		dim.Println("no recent activity")
		return nil
	}
	for _, e := range entries {
		dim.Printf("%s ", e.Timestamp.Local().Format("15:04:05"))
		fmt.Printf("%-12s %s\n", e.AgentID, e.describe())
	}
	return nil
}

func listAgents() error {
	var profiles []*agent.Profile
	if err := doRequest(http.MethodGet, "/api/agents", nil, &profiles); err != nil {
		return err
	}
	for _, p := range profiles {
		marker := bad
		state := "inactive"
		if p.Active {
			marker = good
			state = "active"
		}
		marker.Printf("  %-12s %-8s", p.ID, state)
		fmt.Printf(" %s\n", strings.Join(p.Capabilities, ", "))
	}
	return nil
}

func registerAgent(id, name, path string) error {
	var metrics activity.AgentMetrics
	err := doRequest(http.MethodPost, "/api/agents",
		map[string]string{"id": id, "name": name, "path": path}, &metrics)
	if err != nil {
		return err
	}
	good.Printf("watching %s", path)
	fmt.Printf(" for %s (%d files, %d commits)\n", id, metrics.TrackedFiles, metrics.Commits)
	return nil
}

func deregisterAgent(id string) error {
	if err := doRequest(http.MethodDelete, "/api/agents/"+id, nil, nil); err != nil {
		return err
	}
	good.Printf("stopped watching %s\n", id)
	return nil
}

func sendCommand(text string) error {
	var resp command.Response
	if err := doRequest(http.MethodPost, "/api/command", map[string]string{"text": text}, &resp); err != nil {
		return err
	}
	if resp.Success {
		good.Println(resp.Message)
	} else {
		warn.Println(resp.Message)
	}
	return nil
}

func watch() error {
	wsURL := strings.Replace(*server, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupt
		conn.Close()
	}()

	for {
		var msg struct {
			Type      string          `json:"type"`
			Timestamp time.Time       `json:"timestamp"`
			Payload   json.RawMessage `json:"payload"`
			Message   string          `json:"message"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			// Closed by the interrupt handler or the server going away.
			return nil
		}

		stamp := msg.Timestamp.Local().Format("15:04:05")
		switch msg.Type {
		case "connected":
			good.Printf("%s %s\n", stamp, msg.Message)
		case "metrics":
			var snap activity.SystemSnapshot
			if err := json.Unmarshal(msg.Payload, &snap); err == nil {
				dim.Printf("%s metrics: %d agents, %d active, %d commits\n",
					stamp, snap.TotalAgents, snap.ActiveAgents, snap.TotalCommits)
			}
		case "fileChange":
			var fc struct {
				Kind    string `json:"kind"`
				RelPath string `json:"relPath"`
				AgentID string `json:"agentId"`
			}
			if err := json.Unmarshal(msg.Payload, &fc); err == nil {
				fmt.Printf("%s %-12s %s %s\n", stamp, fc.AgentID, fc.Kind, fc.RelPath)
			}
		case "commit":
			var c struct {
				Hash    string `json:"hash"`
				Message string `json:"message"`
				AgentID string `json:"agentId"`
			}
			if err := json.Unmarshal(msg.Payload, &c); err == nil {
				heading.Printf("%s %-12s commit %.8s: %s\n", stamp, c.AgentID, c.Hash, c.Message)
			}
		case "error":
			bad.Printf("%s %s\n", stamp, msg.Message)
		}
	}
}
