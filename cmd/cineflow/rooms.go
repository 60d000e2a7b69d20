package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List open and stored rooms",
	RunE:  runRooms,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List configured models and aspect ratios",
	RunE:  runModels,
}

var quotaCmd = &cobra.Command{
	Use:   "quota [limiter]",
	Short: "Show rate limiter status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQuota,
}

func runRooms(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	rooms, err := apiClient().Rooms(ctx)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Println("No rooms")
		return nil
	}

	w := newTabWriter()
	fmt.Fprintln(w, "ROOM\tSTATE\tPEERS\tUSERS\tNODES\tEDGES")
	for _, r := range rooms {
		if !r.Open {
			fmt.Fprintf(w, "%s\tstored\t-\t-\t-\t-\n", r.ID)
			continue
		}
		fmt.Fprintf(w, "%s\topen\t%d\t%d\t%d\t%d\n", r.ID, r.Peers, r.Users, r.Nodes, r.Edges)
	}
	return w.Flush()
}

func runModels(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	cat, err := apiClient().Models(ctx)
	if err != nil {
		return err
	}

	w := newTabWriter()
	fmt.Fprintln(w, "MODEL\tKIND\tADAPTER\tENABLED")
	for _, m := range cat.Models {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", m.Name, m.Kind, m.Adapter, m.Enabled)
	}
	fmt.Fprintf(w, "*\t-\t%s\ttrue\n", cat.Fallback)
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nAspect ratios: %s\n", strings.Join(cat.AspectRatios, " "))
	return nil
}

func runQuota(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd.Context())
	defer cancel()

	c := apiClient()
	if len(args) == 1 {
		st, err := c.Quota(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(st)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	w := newTabWriter()
	fmt.Fprintln(w, "LIMITER\tWINDOW\tACTIVE\tQUEUED\tUTILIZATION")
	for _, l := range stats.Limiters {
		fmt.Fprintf(w, "%s\t%d/%d\t%d/%d\t%d\t%.0f%%\n",
			l.Name, l.RequestCount, l.MaxPerWindow, l.ActiveRequests, l.MaxConcurrent, l.QueueLength, l.UtilizationPercent)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, p := range stats.Pools {
		fmt.Printf("\nPool %s\n", p.Name)
		w := newTabWriter()
		fmt.Fprintln(w, "MEMBER\tHEALTHY\tERRORS\tWINDOW")
		for _, m := range p.Members {
			fmt.Fprintf(w, "%s\t%t\t%d\t%d/%d\n", m.Name, m.Healthy, m.ErrorCount, m.RequestCount, m.MaxPerWindow)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}
