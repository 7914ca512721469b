package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSlavesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slaves",
		Short: "Inspect and control roster slaves",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List roster slaves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			slaves, err := client.SlavesList()
			if err != nil {
				return fmt.Errorf("failed to list slaves: %w", err)
			}
			printSlaves(cmd.OutOrStdout(), slaves)
			return nil
		},
	})

	var reason string
	offlineCmd := &cobra.Command{
		Use:   "offline <name>",
		Short: "Take a slave offline",
		Long: `Take a slave offline. Its files stay in the tree; the connector
reconnects it on its next pass.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			if err := client.SlavesOffline(args[0], reason); err != nil {
				return fmt.Errorf("failed to set slave offline: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Slave %s is offline\n", args[0])
			return nil
		},
	}
	offlineCmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the state change")
	cmd.AddCommand(offlineCmd)

	return cmd
}

func newRosterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Manage the slave roster",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Re-read the roster",
		Long: `Make the master re-read its roster from roster_file, or from the
configuration file when the roster is inline. Same as sending SIGHUP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			res, err := client.RosterReload()
			if err != nil {
				return fmt.Errorf("failed to reload roster: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Added:   %s\n", listOrDash(res.Added))
			_, _ = fmt.Fprintf(out, "Removed: %s\n", listOrDash(res.Removed))
			_, _ = fmt.Fprintf(out, "Updated: %s\n", listOrDash(res.Updated))
			return nil
		},
	})

	return cmd
}

func newSchedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Start or stop replication scheduling",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Enable scheduling passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			running, err := client.SchedulerStart()
			if err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Scheduler %s\n", runningString(running))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Disable scheduling passes and abort in-flight transfers",
		Long:  `Disable scheduling passes. In-flight transfers are aborted; jobs stay queued.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			running, err := client.SchedulerStop()
			if err != nil {
				return fmt.Errorf("failed to stop scheduler: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Scheduler %s\n", runningString(running))
			return nil
		},
	})

	return cmd
}

func newTransfersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "Inspect and abort in-flight transfers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List in-flight transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			transfers, err := client.TransfersList()
			if err != nil {
				return fmt.Errorf("failed to list transfers: %w", err)
			}
			printTransfers(cmd.OutOrStdout(), transfers)
			return nil
		},
	})

	var reason string
	abortCmd := &cobra.Command{
		Use:   "abort <transfer-id>",
		Short: "Abort a transfer and remove its job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			if err := client.TransfersAbort(args[0], reason); err != nil {
				return fmt.Errorf("failed to abort transfer: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Aborted transfer %s\n", args[0])
			return nil
		},
	}
	abortCmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the abort")
	cmd.AddCommand(abortCmd)

	return cmd
}

func runningString(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

func listOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
