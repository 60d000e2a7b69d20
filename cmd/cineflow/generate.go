package main

import (
	"fmt"
	"time"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/relay"
	"github.com/fentz26/cineflow/internal/tui"
	"github.com/spf13/cobra"
)

var generateCmd = &cobra.Command{
	Use:   "generate [node-id]",
	Short: "Start a generation from a canvas node",
	Args:  cobra.ExactArgs(1),
	RunE:  runGenerate,
}

var enhanceCmd = &cobra.Command{
	Use:   "enhance [prompt]",
	Short: "Enhance a prompt for image or video generation",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEnhance,
}

var (
	genRoom     string
	genModel    string
	genPrompt   string
	genRatio    string
	genSeed     int64
	genDuration int
	genCount    int
	genNoChild  bool
	genWait     bool

	enhanceKind  string
	enhanceStyle string
)

func init() {
	generateCmd.Flags().StringVar(&genRoom, "room", relay.DefaultRoom, "Room containing the node")
	generateCmd.Flags().StringVar(&genModel, "model", "", "Model identifier (required)")
	generateCmd.Flags().StringVar(&genPrompt, "prompt", "", "Prompt (required)")
	generateCmd.Flags().StringVar(&genRatio, "ratio", "", "Aspect ratio, e.g. 16:9")
	generateCmd.Flags().Int64Var(&genSeed, "seed", -1, "Seed, negative for random")
	generateCmd.Flags().IntVar(&genDuration, "duration", 0, "Video duration in seconds")
	generateCmd.Flags().IntVarP(&genCount, "count", "n", 1, "Number of variations (1-10)")
	generateCmd.Flags().BoolVar(&genNoChild, "in-place", false, "Regenerate the node itself instead of spawning children")
	generateCmd.Flags().BoolVar(&genWait, "wait", false, "Wait for all tasks to finish")
	generateCmd.MarkFlagRequired("model")
	generateCmd.MarkFlagRequired("prompt")

	enhanceCmd.Flags().StringVar(&enhanceKind, "type", "image", "Target kind: image or video")
	enhanceCmd.Flags().StringVar(&enhanceStyle, "style", "", "Style preset: cinematic, anime, realistic, artistic, fantasy")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	req := tui.GenerateRequest{
		Model:      genModel,
		Prompt:     genPrompt,
		Ratio:      genRatio,
		NodeID:     args[0],
		Duration:   genDuration,
		BatchCount: genCount,
	}
	if genSeed >= 0 {
		req.Seed = &genSeed
	}
	if genNoChild {
		createChild := false
		req.CreateChild = &createChild
	}

	ctx, cancel := requestContext(cmd.Context())
	res, err := apiClient().Generate(ctx, genRoom, req)
	cancel()
	if err != nil {
		return err
	}

	for i, id := range res.TaskIDs {
		fmt.Printf("Started task %s for node %s\n", id, res.NodeIDs[i])
	}
	if !genWait {
		return nil
	}
	return waitTasks(cmd, genRoom, res.TaskIDs)
}

// waitTasks polls the room until every task is terminal.
func waitTasks(cmd *cobra.Command, room string, ids []string) error {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for len(pending) > 0 {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}

		ctx, cancel := requestContext(cmd.Context())
		list, err := apiClient().RoomTasks(ctx, room, "")
		cancel()
		if err != nil {
			return err
		}
		for _, t := range list {
			if !pending[t.ID] || !t.Status.Terminal() {
				continue
			}
			delete(pending, t.ID)
			if t.Status == models.TaskStatusSucceeded && t.Result != nil {
				fmt.Printf("✓ %s %s\n", t.ID, t.Result.URL)
			} else {
				fmt.Printf("✗ %s %s\n", t.ID, t.Error)
			}
		}
	}
	return nil
}

func runEnhance(cmd *cobra.Command, args []string) error {
	prompt := args[0]
	for _, a := range args[1:] {
		prompt += " " + a
	}

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	out, err := apiClient().EnhancePrompt(ctx, prompt, enhanceKind, enhanceStyle)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
