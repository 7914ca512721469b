package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/filemesh/filemesh/internal/replication"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/transfer"
	"github.com/filemesh/filemesh/internal/vfs"
	"github.com/filemesh/filemesh/pkg/bytesize"
)

func printJobs(out io.Writer, jobs []replication.JobInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID\tPATH\tREMAINING\tDESTINATIONS\tPRIORITY\tOWNER\tAGE\tSTATE\n")
	for _, j := range jobs {
		state := "queued"
		if j.Transferring {
			state = "transferring"
		}
		if j.LastError != "" {
			state += " (last error: " + j.LastError + ")"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
			j.ID, j.Path, j.Remaining, strings.Join(j.Destinations, ","),
			j.Priority, j.Owner, formatDuration(time.Since(j.Created)), state)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\nTotal jobs: %d\n", len(jobs))
}

func printSlaves(out io.Writer, slaves []slave.Info) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "NAME\tADDRESS\tSTATE\tFREE\tTOTAL\tERRORS\tTRANSFERS\tSINCE\n")
	online := 0
	for _, s := range slaves {
		state := "offline"
		if s.Online {
			state = "online"
			online++
		} else if s.Reason != "" {
			state = "offline (" + s.Reason + ")"
		}
		address := s.Address
		if address == "" {
			address = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.Name, address, state,
			bytesize.Format(s.Status.DiskFree), bytesize.Format(s.Status.DiskTotal),
			s.Errors, s.Transfers, sinceString(s.Since))
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\nOnline: %d of %d\n", online, len(slaves))
}

func printTransfers(out io.Writer, transfers []transfer.Info) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID\tPATH\tSOURCE\tDESTINATION\tBYTES\tELAPSED\n")
	for _, t := range transfers {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Path, t.Source, t.Destination,
			bytesize.Format(t.Bytes), formatDuration(time.Since(t.Started)))
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\nTotal transfers: %d\n", len(transfers))
}

// printTree lists every file of tree with its backing slaves.
func printTree(out io.Writer, tree *vfs.Tree) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "PATH\tSIZE\tMODIFIED\tSLAVES\n")
	err := tree.Walk(func(info vfs.Info) error {
		if info.Dir {
			return nil
		}
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			info.Path, bytesize.Format(info.Size),
			info.ModTime.UTC().Format(time.RFC3339), strings.Join(info.Slaves, ","))
		return err
	})
	if err != nil {
		return err
	}
	_ = w.Flush()

	st := tree.Stats()
	_, _ = fmt.Fprintf(out, "\nFiles: %d  Directories: %d  Size: %s\n", st.Files, st.Dirs, bytesize.Format(st.Bytes))
	return nil
}

func sinceString(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return formatDuration(time.Since(t))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
