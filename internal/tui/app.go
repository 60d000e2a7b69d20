// Package tui provides the terminal monitor for CineFlow rooms and
// generation tasks.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/cineflow/internal/controlplane"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/relay"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

// Monitor views.
const (
	viewTasks    = "tasks"
	viewLimiters = "limiters"
	viewRooms    = "rooms"
)

var filters = []string{"", "queued", "processing", "succeeded", "failed"}
var filterNames = []string{"ALL", "QUEUED", "PROCESSING", "DONE", "FAILED"}

// RefreshInterval is how often the monitor polls the daemon.
const RefreshInterval = time.Second

// App is the monitor model.
type App struct {
	client *Client
	room   string

	tasks     []models.GenerationTask
	stats     *controlplane.StatsResponse
	table     table.Model
	bar       progress.Model
	input     textinput.Model
	view      string
	filterIdx int

	width        int
	height       int
	message      string
	daemonOnline bool
}

// New creates a monitor for one room.
func New(apiAddr, room string) *App {
	if room == "" {
		room = relay.DefaultRoom
	}

	ti := textinput.New()
	ti.Placeholder = "generate <node> <model> <prompt> | enhance <prompt> | room <id> | quit"
	ti.CharLimit = 512
	ti.Width = 80

	t := table.New(
		table.WithColumns(taskColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true).
		Foreground(cyanColor)
	styles.Selected = styles.Selected.
		Foreground(fgColor).
		Background(primaryColor).
		Bold(true)
	t.SetStyles(styles)

	return &App{
		client: NewClient(apiAddr),
		room:   room,
		table:  t,
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		input:  ti,
		view:   viewTasks,
	}
}

// Run starts the monitor.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.refresh(), a.tickCmd())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.input.Focused() {
				a.input.Blur()
				a.input.SetValue("")
				a.table.Focus()
				return a, nil
			}
			if a.view != viewTasks {
				a.view = viewTasks
				return a, nil
			}

		case ":", "/":
			if !a.input.Focused() {
				a.table.Blur()
				return a, a.input.Focus()
			}

		case "enter":
			if a.input.Focused() {
				line := strings.TrimSpace(a.input.Value())
				a.input.SetValue("")
				a.input.Blur()
				a.table.Focus()
				if line == "" {
					return a, nil
				}
				return a, a.executeCommand(line)
			}
			if row := a.table.SelectedRow(); row != nil {
				return a, a.fetchEvents(row[0])
			}

		case "tab":
			if !a.input.Focused() {
				a.filterIdx = (a.filterIdx + 1) % len(filters)
				return a, a.refresh()
			}

		case "l":
			if !a.input.Focused() {
				a.view = viewLimiters
				return a, nil
			}

		case "o":
			if !a.input.Focused() {
				a.view = viewRooms
				return a, nil
			}

		case "r":
			if !a.input.Focused() {
				return a, a.refresh()
			}

		case "q":
			if !a.input.Focused() {
				return a, tea.Quit
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.table.SetColumns(taskColumns(msg.Width))
		a.table.SetHeight(max(5, msg.Height-12))

	case refreshedMsg:
		a.daemonOnline = msg.err == nil
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
			break
		}
		a.tasks = msg.tasks
		a.stats = msg.stats
		a.table.SetRows(taskRows(a.tasks))

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()

	case roomChangedMsg:
		a.room = msg.room
		a.message = "Watching room " + msg.room
		return a, a.refresh()

	case eventsMsg:
		a.message = summarizeEvents(msg.taskID, msg.events)

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	if a.input.Focused() {
		a.input, cmd = a.input.Update(msg)
	} else {
		a.table, cmd = a.table.Update(msg)
	}
	cmds = append(cmds, cmd)

	return a, tea.Batch(cmds...)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("CineFlow Monitor")
	header += "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render("room: "+a.room)
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 20)) + "\n")

	switch a.view {
	case viewLimiters:
		b.WriteString(a.renderLimiters())
	case viewRooms:
		b.WriteString(a.renderRooms())
	default:
		filterLabel := fmt.Sprintf(" Filter: [%s]", filterNames[a.filterIdx])
		b.WriteString(helpStyle.Render(filterLabel) + "\n")
		b.WriteString(a.table.View() + "\n")
		b.WriteString(a.renderSelected())
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	}
	b.WriteString("\n" + inputBoxStyle.Render(a.input.View()) + "\n")

	status := fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:events | Tab:filter | l:limiters | o:rooms | ::command | q:quit", len(a.tasks))
	if a.view != viewTasks {
		status = " Esc:back | r:refresh | q:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 20)).Render(status))

	return b.String()
}

func (a *App) renderSelected() string {
	row := a.table.SelectedRow()
	if row == nil {
		return helpStyle.Render("  No tasks. Type :generate <node> <model> <prompt> to start one.") + "\n"
	}
	for _, t := range a.tasks {
		if t.ID != row[0] {
			continue
		}
		var b strings.Builder
		b.WriteString(fmt.Sprintf("  %s  %s\n", formatStatus(t.Status), t.ID))
		b.WriteString("  " + a.bar.ViewAs(float64(t.Progress)/100) + "\n")
		if t.Result != nil {
			b.WriteString("  " + lipgloss.NewStyle().Foreground(successColor).Render(t.Result.URL) + "\n")
		}
		if t.Error != "" {
			b.WriteString("  " + lipgloss.NewStyle().Foreground(errorColor).Render(t.Error) + "\n")
		}
		return panelStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
	}
	return ""
}

func (a *App) renderLimiters() string {
	var b strings.Builder
	b.WriteString("\n  Rate Limiters\n")
	b.WriteString("  " + strings.Repeat("─", 50) + "\n\n")

	if a.stats == nil || len(a.stats.Limiters) == 0 {
		b.WriteString("  No limiters configured.\n")
		return b.String()
	}
	for _, l := range a.stats.Limiters {
		b.WriteString(fmt.Sprintf("  %-12s %s  %d/%d per window  active %d/%d  queued %d\n",
			l.Name,
			a.bar.ViewAs(l.UtilizationPercent/100),
			l.RequestCount, l.MaxPerWindow,
			l.ActiveRequests, l.MaxConcurrent,
			l.QueueLength,
		))
	}

	for _, p := range a.stats.Pools {
		b.WriteString(fmt.Sprintf("\n  Pool %s\n", p.Name))
		for _, m := range p.Members {
			state := onlineStyle.Render("healthy")
			if !m.Healthy {
				state = offlineStyle.Render("unhealthy")
			}
			b.WriteString(fmt.Sprintf("    %-12s %s  errors %d\n", m.Name, state, m.ErrorCount))
		}
	}
	return b.String()
}

func (a *App) renderRooms() string {
	var b strings.Builder
	b.WriteString("\n  Rooms\n")
	b.WriteString("  " + strings.Repeat("─", 50) + "\n\n")

	if a.stats == nil || len(a.stats.Rooms) == 0 {
		b.WriteString("  No open rooms.\n")
		return b.String()
	}

	counts := make(map[string]string)
	for _, s := range a.stats.Tasks {
		counts[s.Room] = fmt.Sprintf("queued %d  processing %d  done %d  failed %d",
			s.Queued, s.Processing, s.Succeeded, s.Failed)
	}
	for _, r := range a.stats.Rooms {
		marker := "  "
		if r.ID == a.room {
			marker = onlineStyle.Render("▶ ")
		}
		b.WriteString(fmt.Sprintf("  %s%-20s peers %d  users %d  nodes %d  edges %d\n",
			marker, r.ID, r.Peers, r.Users, r.Nodes, r.Edges))
		if c, ok := counts[r.ID]; ok {
			b.WriteString(helpStyle.Render("      "+c) + "\n")
		}
	}
	return b.String()
}

func taskColumns(width int) []table.Column {
	task := max(12, width-62)
	return []table.Column{
		{Title: "TASK", Width: task},
		{Title: "NODE", Width: 16},
		{Title: "MODEL", Width: 14},
		{Title: "STATUS", Width: 11},
		{Title: "%", Width: 4},
		{Title: "AGE", Width: 8},
	}
}

func taskRows(list []models.GenerationTask) []table.Row {
	rows := make([]table.Row, 0, len(list))
	for _, t := range list {
		rows = append(rows, table.Row{
			t.ID,
			t.NodeID,
			t.Model,
			string(t.Status),
			fmt.Sprintf("%d", t.Progress),
			formatDuration(time.Since(t.CreatedAt)),
		})
	}
	return rows
}

func formatStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusQueued:
		return lipgloss.NewStyle().Foreground(warningColor).Render("○ QUEUED")
	case models.TaskStatusProcessing:
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ PROCESSING")
	case models.TaskStatusSucceeded:
		return lipgloss.NewStyle().Foreground(successColor).Render("● DONE")
	case models.TaskStatusFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ FAILED")
	default:
		return string(status)
	}
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

type refreshedMsg struct {
	tasks []models.GenerationTask
	stats *controlplane.StatsResponse
	err   error
}

type commandResultMsg struct {
	message string
}

type roomChangedMsg struct {
	room string
}

type errMsg struct {
	err error
}

type eventsMsg struct {
	taskID string
	events []models.TaskEvent
}

type tickMsg time.Time

func (a *App) refresh() tea.Cmd {
	room, status := a.room, filters[a.filterIdx]
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()

		list, err := a.client.RoomTasks(ctx, room, status)
		if err != nil {
			return refreshedMsg{err: err}
		}
		stats, err := a.client.Stats(ctx)
		if err != nil {
			return refreshedMsg{err: err}
		}
		return refreshedMsg{tasks: list, stats: stats}
	}
}

func (a *App) fetchEvents(taskID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()

		events, err := a.client.TaskEvents(ctx, taskID)
		if err != nil {
			return errMsg{err}
		}
		return eventsMsg{taskID: taskID, events: events}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
