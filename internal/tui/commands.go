package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fentz26/cineflow/internal/models"
)

var errUsage = errors.New("usage")

// command is a parsed command bar line.
type command struct {
	name string
	room string
	gen  GenerateRequest
	text string
	kind string
}

// parseCommand parses a command bar line.
//
//	generate <node> <model> [xN] <prompt...>
//	enhance [image|video] <prompt...>
//	room <id>
//	quota [limiter]
//	quit
func parseCommand(line string) (command, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return command{}, errUsage
	}
	cmd := command{name: parts[0]}
	args := parts[1:]

	switch cmd.name {
	case "generate", "gen", "g":
		cmd.name = "generate"
		if len(args) < 3 {
			return cmd, fmt.Errorf("%w: generate <node> <model> [xN] <prompt>", errUsage)
		}
		cmd.gen = GenerateRequest{NodeID: args[0], Model: args[1]}
		rest := args[2:]
		if n, ok := batchArg(rest[0]); ok {
			if len(rest) < 2 {
				return cmd, fmt.Errorf("%w: generate <node> <model> [xN] <prompt>", errUsage)
			}
			cmd.gen.BatchCount = n
			rest = rest[1:]
		}
		cmd.gen.Prompt = strings.Join(rest, " ")

	case "enhance", "e":
		cmd.name = "enhance"
		cmd.kind = string(models.NodeKindImage)
		if len(args) > 0 && (args[0] == string(models.NodeKindImage) || args[0] == string(models.NodeKindVideo)) {
			cmd.kind = args[0]
			args = args[1:]
		}
		if len(args) == 0 {
			return cmd, fmt.Errorf("%w: enhance [image|video] <prompt>", errUsage)
		}
		cmd.text = strings.Join(args, " ")

	case "room":
		if len(args) != 1 {
			return cmd, fmt.Errorf("%w: room <id>", errUsage)
		}
		cmd.room = args[0]

	case "quota":
		if len(args) > 0 {
			cmd.text = args[0]
		}

	case "q", "quit", "exit":
		cmd.name = "quit"

	default:
		return cmd, fmt.Errorf("unknown command %q (try: generate, enhance, room, quota, quit)", cmd.name)
	}
	return cmd, nil
}

// batchArg parses an "xN" batch count.
func batchArg(s string) (int, bool) {
	if len(s) < 2 || s[0] != 'x' {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (a *App) executeCommand(line string) tea.Cmd {
	cmd, err := parseCommand(line)
	if err != nil {
		return func() tea.Msg { return errMsg{err} }
	}
	if cmd.name == "quit" {
		return tea.Quit
	}
	if cmd.name == "room" {
		return func() tea.Msg { return roomChangedMsg{room: cmd.room} }
	}

	room := a.room
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()

		switch cmd.name {
		case "generate":
			res, err := a.client.Generate(ctx, room, cmd.gen)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ Started %d task(s)", len(res.TaskIDs))}

		case "enhance":
			out, err := a.client.EnhancePrompt(ctx, cmd.text, cmd.kind, "")
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"✓ " + out}

		case "quota":
			st, err := a.client.Quota(ctx, cmd.text)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("%s: %d/%d per window, %d active, %d queued",
				st.Name, st.RequestCount, st.MaxPerWindow, st.ActiveRequests, st.QueueLength)}
		}
		return nil
	}
}

// summarizeEvents renders the newest audit events of a task on one line.
func summarizeEvents(taskID string, events []models.TaskEvent) string {
	if len(events) == 0 {
		return "No events for " + taskID
	}
	parts := make([]string, 0, len(events))
	for _, e := range events {
		parts = append(parts, e.Action+":"+e.Outcome)
	}
	return taskID + "  " + strings.Join(parts, " → ")
}
