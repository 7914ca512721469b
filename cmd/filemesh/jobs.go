package main

import (
	"fmt"
	"strings"

	"github.com/filemesh/filemesh/internal/control"
	"github.com/filemesh/filemesh/internal/master"
	"github.com/spf13/cobra"
)

// newControlClient connects to --socket, or to the control socket named by
// the configuration.
func newControlClient() (*control.Client, error) {
	if socketPath != "" {
		return control.NewClient(socketPath), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return control.NewClient(cfg.ControlSocket), nil
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage replication jobs",
		Long: `Manage replication jobs on a running master.

A job copies one file to a number of slaves chosen from its destination set.
Destinations that already hold the file count as done when the job is added.`,
	}

	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsAddCmd())
	cmd.AddCommand(newJobsRemoveCmd())

	return cmd
}

func newJobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued jobs in scheduling order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			jobs, err := client.JobsList()
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
}

func newJobsAddCmd() *cobra.Command {
	var (
		dests    string
		copies   int
		priority int
	)

	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Queue a replication job",
		Long: `Queue a job copying a file to more slaves.

Examples:
  # One more copy on any roster slave not holding the file
  filemesh jobs add /pub/a.iso

  # Two copies among s2, s3 and s4, scheduled first
  filemesh jobs add /pub/a.iso --dest s2,s3,s4 --copies 2 --priority 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			resp, err := client.JobsAdd(master.JobRequest{
				Path:         args[0],
				Destinations: splitList(dests),
				Copies:       copies,
				Priority:     priority,
			})
			if err != nil {
				return fmt.Errorf("failed to add job: %w", err)
			}

			out := cmd.OutOrStdout()
			if !resp.Queued {
				_, _ = fmt.Fprintf(out, "%s already has the requested copies; nothing queued\n", args[0])
				return nil
			}
			_, _ = fmt.Fprintf(out, "Queued job %s: %s to %d of %s\n",
				resp.Job.ID, resp.Job.Path, resp.Job.Remaining, strings.Join(resp.Job.Destinations, ","))
			return nil
		},
	}

	cmd.Flags().StringVar(&dests, "dest", "", "comma-separated destination slaves (default: every roster slave not holding the file)")
	cmd.Flags().IntVar(&copies, "copies", 1, "number of destinations that must receive the file")
	cmd.Flags().IntVar(&priority, "priority", 0, "scheduling priority, higher first")

	return cmd
}

func newJobsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <job-id>",
		Aliases: []string{"rm"},
		Short:   "Abort and remove a job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			if err := client.JobsRemove(args[0]); err != nil {
				return fmt.Errorf("failed to remove job: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
			return nil
		},
	}
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
