package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"custody-tracker/internal/service"
)

func jobCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "show [code-or-id]",
		Short:   "Print a job and its custody timeline",
		Example: "  custodyctl job show DJ-2026-000042",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, svc *service.Service) error {
				detail, err := svc.JobDetail(ctx, args[0])
				if err != nil {
					return fmt.Errorf("job %s: %w", args[0], err)
				}
				renderJob(env.out(), detail)
				return nil
			})
		},
	})
	return cmd
}

const timeLayout = "2006-01-02 15:04"

func renderJob(out io.Writer, d service.JobDetail) {
	job := d.Job
	bold := color.New(color.Bold)
	fmt.Fprintf(out, "%s  %s  [%s]\n", bold.Sprint(job.Code), job.Description, job.CurrentStatus)
	holder := string(job.HolderRole)
	if job.HolderID != "" {
		holder += "/" + job.HolderID
	}
	fmt.Fprintf(out, "Holder: %s\n", holder)
	if job.CustomerName != "" {
		fmt.Fprintf(out, "Customer: %s %s\n", job.CustomerName, job.CustomerPhone)
	}
	if job.Source != "" {
		fmt.Fprintf(out, "Source: %s %s\n", job.Source, job.RepairType)
	}
	if d.Batch != nil {
		fmt.Fprintf(out, "Batch: %s (%s)\n", d.Batch.Code, d.Batch.Status)
	}

	fmt.Fprintln(out, "\nTimeline:")
	for _, ev := range d.Events {
		from := "-"
		if ev.FromStatus != nil {
			from = string(*ev.FromStatus)
		}
		line := fmt.Sprintf("  %s  %s -> %s  %s %s", ev.RecordedAt.Format(timeLayout), from, ev.ToStatus, ev.ActorRole, ev.ActorID)
		if ev.IsOverride() {
			line = color.New(color.FgHiMagenta).Sprintf("%s  OVERRIDE: %s", line, ev.OverrideReason)
		}
		if ev.Remarks != "" {
			line += "  (" + ev.Remarks + ")"
		}
		fmt.Fprintln(out, line)
	}

	if len(d.Edits) > 0 {
		fmt.Fprintln(out, "\nEdits:")
		for _, e := range d.Edits {
			fields := make([]string, 0, len(e.Changes))
			for name := range e.Changes {
				fields = append(fields, name)
			}
			slices.Sort(fields)
			fmt.Fprintf(out, "  %s  %s changed %s: %s\n", e.EditedAt.Format(timeLayout), e.EditedBy, strings.Join(fields, ", "), e.Reason)
		}
	}
	if len(d.Incidents) > 0 {
		fmt.Fprintln(out, "\nIncidents:")
		for _, inc := range d.Incidents {
			fmt.Fprintf(out, "  %s  %s %s: %s\n", inc.CreatedAt.Format(timeLayout), color.New(color.FgYellow).Sprint(inc.Type), inc.Status, inc.Description)
		}
	}
	if len(d.Next) > 0 {
		next := make([]string, len(d.Next))
		for i, s := range d.Next {
			next[i] = string(s)
		}
		fmt.Fprintf(out, "\nNext: %s\n", strings.Join(next, ", "))
	}
}
