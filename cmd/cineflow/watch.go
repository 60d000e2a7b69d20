package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/fentz26/cineflow/internal/bridge"
	"github.com/fentz26/cineflow/internal/collab"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/relay"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Join a room and print canvas and presence changes",
	RunE:  runWatch,
}

var (
	watchRoom string
	watchName string
)

func init() {
	watchCmd.Flags().StringVar(&watchRoom, "room", relay.DefaultRoom, "Room to join")
	host, _ := os.Hostname()
	watchCmd.Flags().StringVar(&watchName, "name", "watch@"+host, "Display name shown to other collaborators")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := collab.Dial(ctx, collab.Options{
		URL:         apiAddr,
		Room:        watchRoom,
		DisplayName: watchName,
		Logger:      slog.Default(),
		OnStateChange: func(s collab.State) {
			fmt.Printf("[%s] %s\n", watchRoom, s)
		},
	})
	if err != nil {
		return err
	}
	defer p.Close()

	w := &graphWatcher{seen: make(map[string]models.Node)}
	b := bridge.New(p.Doc(), bridge.RendererFunc(w.render))
	defer b.Close()

	unsubscribe := p.Presence().Subscribe(func(peers []models.PresenceEntry) {
		names := make([]string, 0, len(peers))
		for _, e := range peers {
			names = append(names, e.DisplayName)
		}
		sort.Strings(names)
		fmt.Printf("[%s] online: %s\n", watchRoom, strings.Join(names, ", "))
	})
	defer unsubscribe()

	if err := p.WaitSynced(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// graphWatcher prints the node changes between two renders.
type graphWatcher struct {
	mu   sync.Mutex
	seen map[string]models.Node
}

func (g *graphWatcher) render(nodes []models.Node, edges []models.Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()

	live := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		live[n.ID] = true
		old, ok := g.seen[n.ID]
		g.seen[n.ID] = n
		switch {
		case !ok:
			fmt.Printf("+ %s %s %q\n", n.ID, n.Kind, n.Data.Label)
		case old.Data.Status != n.Data.Status || old.Data.Progress != n.Data.Progress:
			line := fmt.Sprintf("~ %s %s %d%%", n.ID, n.Data.Status, n.Data.Progress)
			if n.Data.Status == models.NodeStatusSuccess {
				line += " " + n.Data.MediaURL
			}
			if n.Data.Error != "" {
				line += " " + n.Data.Error
			}
			fmt.Println(line)
		}
	}
	for id := range g.seen {
		if !live[id] {
			delete(g.seen, id)
			fmt.Printf("- %s\n", id)
		}
	}
}
