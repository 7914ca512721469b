package main

import (
	"encoding/json"
	"fmt"

	"github.com/filemesh/filemesh/internal/vfs"
	"github.com/spf13/cobra"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Write or inspect tree snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Make the running master write its snapshot now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			if err := client.SnapshotSave(); err != nil {
				return fmt.Errorf("failed to save snapshot: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Snapshot written")
			return nil
		},
	})

	var asJSON bool
	dumpCmd := &cobra.Command{
		Use:   "dump [file]",
		Short: "Print the files recorded in a snapshot",
		Long: `Print the files recorded in a snapshot file and the slaves backing
them. Without a file argument the snapshot path from the configuration is used.
The master does not need to be running.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := snapshotPath(args)
			if err != nil {
				return err
			}
			tree, err := vfs.LoadSnapshot(path)
			if err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}

			out := cmd.OutOrStdout()
			if !asJSON {
				return printTree(out, tree)
			}
			enc := json.NewEncoder(out)
			return tree.Walk(func(info vfs.Info) error {
				if info.Dir {
					return nil
				}
				return enc.Encode(info)
			})
		},
	}
	dumpCmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per file")
	cmd.AddCommand(dumpCmd)

	return cmd
}

func snapshotPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Snapshot.Path, nil
}
