package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/orkestr/pkg/client"
)

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show kernel status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newAPIClient(globalFlags).Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func createSystemCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "system",
		Short: "Show the last sampled system metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newAPIClient(globalFlags).System(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
}

func createHealthCommand(globalFlags *GlobalFlags) *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the health report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newAPIClient(globalFlags).Health(cmd.Context(), fresh)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "run a health pass now instead of returning the last one")
	return cmd
}

func createEventsCommand(globalFlags *GlobalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent orchestration events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			evs, err := newAPIClient(globalFlags).Events(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), evs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events (1..1000)")
	return cmd
}

func createModuleCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "module",
		Aliases: []string{"modules"},
		Short:   "Manage loaded modules",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List loaded modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mods, err := newAPIClient(globalFlags).Modules(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), mods)
		},
	}

	get := &cobra.Command{
		Use:   "get <module-id>",
		Short: "Show one module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newAPIClient(globalFlags).Module(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}

	var settings []string
	load := &cobra.Command{
		Use:   "load <locator>",
		Short: "Load a module from the catalog",
		Long: `Load a module by locator. Module options are passed as key=value pairs.

Examples:
  orkestr module load heartbeat --set interval=10s --set priority=30
  orkestr module load watchdog --set stale_after=2m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseSettings(settings)
			if err != nil {
				return err
			}
			id, err := newAPIClient(globalFlags).LoadModule(cmd.Context(), client.LoadRequest{Locator: args[0], Config: cfg})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	load.Flags().StringArrayVar(&settings, "set", nil, "module option key=value (repeatable)")

	unload := &cobra.Command{
		Use:   "unload <module-id>",
		Short: "Stop a module's processes and unload it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient(globalFlags).UnloadModule(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "unloaded %s\n", args[0])
			return err
		},
	}

	cmd.AddCommand(list, get, load, unload)
	return cmd
}

var processActions = []struct {
	name  string
	short string
}{
	{"start", "Start a created or paused process"},
	{"stop", "Stop a process"},
	{"pause", "Pause a running process"},
	{"resume", "Resume a paused process"},
	{"restart", "Restart a process and reset its failure count"},
}

func createProcessCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "process",
		Aliases: []string{"processes"},
		Short:   "Inspect and control module processes",
	}

	var q client.ProcessQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := newAPIClient(globalFlags).Processes(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ps)
		},
	}
	list.Flags().StringVar(&q.State, "state", "", "filter by state (created, running, paused, stopped)")
	list.Flags().StringVar(&q.Owner, "owner", "", "filter by owning module id")

	get := &cobra.Command{
		Use:   "get <process-id>",
		Short: "Show one process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newAPIClient(globalFlags).Process(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	cmd.AddCommand(list, get)

	for _, a := range processActions {
		action := a.name
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <process-id>",
			Short: a.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := newAPIClient(globalFlags).ProcessAction(cmd.Context(), args[0], action)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", p.ID, p.State)
				return err
			},
		})
	}
	return cmd
}
