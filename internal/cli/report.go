package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"custody-tracker/internal/service"
)

func reportCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print read-side reports",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delays",
		Short: "Dispatched batches with items still out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, svc *service.Service) error {
				rows, err := svc.BatchDelays(ctx)
				if err != nil {
					return fmt.Errorf("batch delays: %w", err)
				}
				return renderDelays(env.out(), rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "aging",
		Short: "Pending jobs by days since last scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, svc *service.Service) error {
				rows, err := svc.PendingAging(ctx)
				if err != nil {
					return fmt.Errorf("aging: %w", err)
				}
				return renderAging(env.out(), rows)
			})
		},
	})
	return cmd
}

func renderDelays(out io.Writer, rows []service.BatchDelay) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No dispatched batches outstanding.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "BATCH\tEXPECTED\tDELAY\tOUTSTANDING")
	for _, r := range rows {
		expected := "-"
		if r.ExpectedReturnDate != nil {
			expected = r.ExpectedReturnDate.Format("2006-01-02")
		}
		delay := fmt.Sprintf("%dd", r.DelayDays)
		if r.DelayDays > 0 {
			delay = color.New(color.FgRed).Sprint(delay)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.BatchCode, expected, delay, len(r.Outstanding))
	}
	return w.Flush()
}

func renderAging(out io.Writer, rows []service.AgingRow) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "STATUS\t0-2\t3-7\t8-15\t16-30\t30+\tTOTAL")
	for _, r := range rows {
		stale := fmt.Sprint(r.Days30Plus)
		if r.Days30Plus > 0 {
			stale = color.New(color.FgRed).Sprint(stale)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%d\n",
			r.Status, r.Days0To2, r.Days3To7, r.Days8To15, r.Days16To30, stale, r.Total)
	}
	return w.Flush()
}
