package main

import (
	"fmt"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/spf13/cobra"
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"task"},
	Short:   "Inspect generation tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTasksList,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksShow,
}

var tasksEventsCmd = &cobra.Command{
	Use:   "events [task-id]",
	Short: "Show the audit trail of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksEvents,
}

var (
	tasksRoom   string
	tasksStatus string
	tasksLive   bool
	tasksJSON   bool
)

func init() {
	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksEventsCmd)

	tasksListCmd.Flags().StringVar(&tasksRoom, "room", "", "Filter by room")
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "Filter by status (queued, processing, succeeded, failed)")
	tasksListCmd.Flags().BoolVar(&tasksLive, "live", false, "List in-memory tasks of --room instead of history")
	tasksCmd.PersistentFlags().BoolVar(&tasksJSON, "json", false, "Print JSON")
}

func runTasksList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	c := apiClient()
	var (
		tasks []models.GenerationTask
		err   error
	)
	if tasksLive {
		if tasksRoom == "" {
			return fmt.Errorf("--live needs --room")
		}
		tasks, err = c.RoomTasks(ctx, tasksRoom, tasksStatus)
	} else {
		tasks, err = c.History(ctx, tasksRoom, tasksStatus)
	}
	if err != nil {
		return err
	}
	if tasksJSON {
		return printJSON(tasks)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := newTabWriter()
	fmt.Fprintln(w, "ID\tROOM\tNODE\tMODEL\tSTATUS\tPROGRESS\tUPDATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\t%s\n",
			truncateID(t.ID), t.RoomID, truncate(t.NodeID, 24), t.Model, t.Status, t.Progress,
			t.UpdatedAt.Local().Format("15:04:05"))
	}
	return w.Flush()
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	t, err := apiClient().Task(ctx, args[0])
	if err != nil {
		return err
	}
	if tasksJSON {
		return printJSON(t)
	}

	fmt.Printf("ID:        %s\n", t.ID)
	fmt.Printf("Room:      %s\n", t.RoomID)
	fmt.Printf("Node:      %s\n", t.NodeID)
	if t.EdgeID != "" {
		fmt.Printf("Edge:      %s\n", t.EdgeID)
	}
	fmt.Printf("Model:     %s\n", t.Model)
	fmt.Printf("Status:    %s (%d%%)\n", t.Status, t.Progress)
	if t.ProviderRef != "" {
		fmt.Printf("Reference: %s\n", t.ProviderRef)
	}
	if t.Result != nil {
		fmt.Printf("Result:    %s\n", t.Result.URL)
	}
	if t.Error != "" {
		fmt.Printf("Error:     %s\n", t.Error)
	}
	fmt.Printf("Created:   %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:   %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func runTasksEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	events, err := apiClient().TaskEvents(ctx, args[0])
	if err != nil {
		return err
	}
	if tasksJSON {
		return printJSON(events)
	}

	if len(events) == 0 {
		fmt.Println("No events found")
		return nil
	}

	w := newTabWriter()
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAILS")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("15:04:05.000"), e.Action, e.Outcome, truncate(e.Details, 60))
	}
	return w.Flush()
}
