package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"pillbox/adherence"
	"pillbox/config"
	"pillbox/dbtypes"
	"pillbox/inventory"
	"pillbox/registry"
	"pillbox/service"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath  string
	backend     string
	dataProject string
	badgerDir   string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "pillboxctl",
		Short: "Administer a pillbox store",
		Long: `pillboxctl runs pillbox operations against the configured store:
fire due automations, resolve a taken dose, inspect and refill inventory,
and browse automations and history.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "pillbox.yaml", "Path to the YAML config file")
	cmd.PersistentFlags().StringVar(&g.backend, "store", "", "Store backend override, firestore or badger")
	cmd.PersistentFlags().StringVar(&g.dataProject, "data-project", "", "GCP project holding the Firestore data")
	cmd.PersistentFlags().StringVar(&g.badgerDir, "badger-dir", "", "Badger directory override")

	cmd.AddCommand(triggerCmd(g))
	cmd.AddCommand(takenCmd(g))
	cmd.AddCommand(inventoryCmd(g))
	cmd.AddCommand(automationsCmd(g))
	cmd.AddCommand(historyCmd(g))
	return cmd
}

// open assembles the service described by the global flags.  Callers must
// Close it.
func (g *globalFlags) open(cmd *cobra.Command) (*service.Service, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("while loading config: %w", err)
	}
	if g.backend != "" {
		cfg.Store.Backend = g.backend
	}
	if g.dataProject != "" {
		cfg.Store.DataProject = g.dataProject
	}
	if g.badgerDir != "" {
		cfg.Store.BadgerDir = g.badgerDir
	}
	return service.New(cmd.Context(), cfg)
}

func triggerCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Fire the automations due in the current minute",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			result, err := svc.Engine.Run(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, result.Message)
			for _, a := range result.Automations {
				fmt.Fprintf(out, "  %s %s %s (correlation %s)\n", color.New(color.FgGreen).Sprint("FIRED "), a.Medicine, a.Title, a.CorrelationID)
			}
			for _, f := range result.Failures {
				fmt.Fprintf(out, "  %s %s: %s\n", color.New(color.FgRed).Sprint("FAILED"), f.AutomationID, f.Error)
			}
			return nil
		},
	}
}

func takenCmd(g *globalFlags) *cobra.Command {
	var correlationID string

	cmd := &cobra.Command{
		Use:   "taken",
		Short: "Record that a pending dose was taken now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Resolver.Resolve(cmd.Context(), adherence.ResolveRequest{CorrelationID: correlationID})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !res.Updated {
				fmt.Fprintln(out, res.Message)
				return nil
			}
			fmt.Fprintf(out, "%s %s scheduled %s: %s\n", res.Data.ID, res.Data.Medicine, res.Data.ScheduledTime, outcomeColor(res.Data.Status).Sprint(res.Data.Status))
			return nil
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Resolve the dose fired with this correlation ID")
	return cmd
}

func outcomeColor(o adherence.Outcome) *color.Color {
	switch o {
	case adherence.OnTime:
		return color.New(color.FgGreen)
	case adherence.Late:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

// parseCounts reads medicine=count arguments.
func parseCounts(args []string) (map[string]int64, error) {
	counts := map[string]int64{}
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("argument %q is not of the form medicine=count", arg)
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", arg, err)
		}
		counts[name] = n
	}
	return counts, nil
}

func printCounters(out io.Writer, counters inventory.Counters, maxCapacity int64) {
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		n := counters[name]
		c := color.New(color.FgGreen)
		switch {
		case n <= 0:
			c = color.New(color.FgRed)
		case n <= 2:
			c = color.New(color.FgYellow)
		}
		fmt.Fprintf(out, "  %-12s %s / %d\n", name, c.Sprintf("%3d", n), maxCapacity)
	}
}

func inventoryCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Inspect and refill dose counters",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show every counter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			counters, err := svc.Inventory.Get(cmd.Context())
			if err != nil {
				return err
			}
			printCounters(cmd.OutOrStdout(), counters, svc.Inventory.MaxCapacity())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add medicine=count...",
		Short: "Refill counters, refusing to exceed capacity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deltas, err := parseCounts(args)
			if err != nil {
				return err
			}
			svc, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			change, err := svc.Inventory.AddStock(cmd.Context(), deltas)
			if err != nil {
				return err
			}
			printCounters(cmd.OutOrStdout(), change.NewTotal, svc.Inventory.MaxCapacity())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "seed medicine=count...",
		Short: "Create or overwrite the settings document",
		Long: `seed writes the settings document outright.  Every configured medicine
not named on the command line is set to zero.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			given, err := parseCounts(args)
			if err != nil {
				return err
			}
			svc, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			counts := map[string]int64{}
			for _, m := range svc.Inventory.Medicines() {
				counts[m] = 0
			}
			for m, n := range given {
				if !svc.Inventory.Known(m) {
					return fmt.Errorf("unknown medicine %q", m)
				}
				if n < 0 || n > svc.Inventory.MaxCapacity() {
					return fmt.Errorf("%s=%d is outside 0..%d", m, n, svc.Inventory.MaxCapacity())
				}
				counts[m] = n
			}
			stamp := dbtypes.FormatTimestamp(time.Now(), svc.Location)
			if err := svc.Store.SetInventory(cmd.Context(), counts, stamp); err != nil {
				return err
			}
			printCounters(cmd.OutOrStdout(), counts, svc.Inventory.MaxCapacity())
			return nil
		},
	})

	return cmd
}

func automationsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "automations",
		Short: "Manage scheduled dispenses",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every automation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			all, err := svc.Registry.List(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(all, func(i, j int) bool { return all[i].ScheduleTime < all[j].ScheduleTime })
			out := cmd.OutOrStdout()
			for _, a := range all {
				status := color.New(color.FgGreen).Sprint("on ")
				if a.Status != dbtypes.AutomationOn {
					status = color.New(color.FgHiBlack).Sprint("off")
				}
				fmt.Fprintf(out, "%s %s  %-12s %s  [%s]\n", status, a.ScheduleTime, a.Medicine, a.Title, a.ID)
			}
			return nil
		},
	})

	var req registry.CreateRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Schedule a dispense",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			a, err := svc.Registry.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s for %s at %s\n", a.ID, a.Medicine, a.ScheduleTime)
			return nil
		},
	}
	create.Flags().StringVar(&req.Title, "title", "", "Automation title")
	create.Flags().StringVar(&req.Action, "action", "dispense", "Action label")
	create.Flags().StringVar(&req.Medicine, "medicine", "", "Medicine identifier")
	create.Flags().StringVar(&req.ScheduleTime, "at", "", "Schedule time, e.g. 2026-10-15T08:00")
	create.Flags().StringVar(&req.Status, "status", "on", "Initial status, on or off")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "instant medicine",
		Short: "Schedule a dispense for the current minute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			a, err := svc.Registry.InstantDispense(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s for %s at %s\n", a.ID, a.Medicine, a.ScheduleTime)
			return nil
		},
	})

	return cmd
}

func historyCmd(g *globalFlags) *cobra.Command {
	var page, limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Page through dispense history, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			result, err := svc.Ledger.List(cmd.Context(), page, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, h := range result.Items {
				status := h.Status
				if h.Pending() {
					status = color.New(color.FgCyan).Sprint(status)
				}
				fmt.Fprintf(out, "%s  %-12s scheduled %s taken %-29s %s\n", h.CreatedAt, h.Medicine, h.ScheduledTime, h.TakenTime, status)
			}
			p := result.Pagination
			fmt.Fprintf(out, "page %d of %d (%d records)\n", p.Page, p.TotalPages, p.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number, from 1")
	cmd.Flags().IntVar(&limit, "limit", 10, "Records per page")
	return cmd
}
