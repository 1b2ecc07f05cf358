package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/studyforge/internal/ai"
	"github.com/sells-group/studyforge/internal/model"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Report AI usage and cost from the ledger",
}

var totalsHeaders = []string{"CALLS", "FAILED", "INPUT TOKENS", "OUTPUT TOKENS", "COST", "UNPRICED"}

func totalsRow(t model.UsageTotals) []string {
	return []string{
		formatCount(t.Calls), formatCount(t.FailedCalls), formatCount(t.InputTokens),
		formatCount(t.OutputTokens), formatCost(t.Cost), formatCount(t.UnpricedCalls),
	}
}

func totalsAligns(leading int) []columnAlignment {
	aligns := make([]columnAlignment, leading, leading+len(totalsHeaders))
	for range totalsHeaders {
		aligns = append(aligns, alignRight)
	}
	return aligns
}

func formatUsageSummary(w io.Writer, t model.UsageTotals) {
	fmt.Fprintln(w, renderTable(totalsHeaders, [][]string{totalsRow(t)}, totalsAligns(0)))
}

func formatUsageByTask(w io.Writer, rows []model.TaskUsage) {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, append([]string{string(r.Task)}, totalsRow(r.UsageTotals)...))
	}
	fmt.Fprintln(w, renderTable(append([]string{"TASK"}, totalsHeaders...), out, totalsAligns(1)))
}

func formatUsageByDay(w io.Writer, rows []model.DayUsage) {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, append([]string{r.Day}, totalsRow(r.UsageTotals)...))
	}
	fmt.Fprintln(w, renderTable(append([]string{"DAY"}, totalsHeaders...), out, totalsAligns(1)))
}

func formatBatchUsage(w io.Writer, u *model.BatchUsage) {
	fmt.Fprintf(w, "Batch %s\n", u.BatchID)
	formatUsageSummary(w, u.Totals)

	rows := make([][]string, 0, len(u.Records))
	for _, r := range u.Records {
		c := "unpriced"
		if r.Cost != nil {
			c = formatCost(*r.Cost)
		}
		status := "ok"
		if !r.Success {
			status = "failed"
			if r.ErrorKind != "" {
				status += " (" + r.ErrorKind + ")"
			}
		}
		rows = append(rows, []string{
			r.CreatedAt.Format("2006-01-02 15:04:05"), string(r.Task), string(r.Provider), r.Model,
			formatCount(r.InputTokens), formatCount(r.OutputTokens), c, status,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"TIME", "TASK", "PROVIDER", "MODEL", "IN", "OUT", "COST", "STATUS"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	))
}

// usageRunE opens the store and hands a report to fn.
func usageRunE(fn func(cmd *cobra.Command, args []string, rep *ai.UsageReport) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		return fn(cmd, args, ai.NewUsageReport(st))
	}
}

func dayRange(cmd *cobra.Command) (string, string) {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	return from, to
}

var usageSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Total calls, tokens and cost",
	RunE: usageRunE(func(cmd *cobra.Command, _ []string, rep *ai.UsageReport) error {
		from, to := dayRange(cmd)
		t, err := rep.Summary(cmd.Context(), from, to)
		if err != nil {
			return err
		}
		formatUsageSummary(os.Stdout, t)
		return nil
	}),
}

var usageByTaskCmd = &cobra.Command{
	Use:   "by-task",
	Short: "Usage grouped by task",
	RunE: usageRunE(func(cmd *cobra.Command, _ []string, rep *ai.UsageReport) error {
		from, to := dayRange(cmd)
		rows, err := rep.ByTask(cmd.Context(), from, to)
		if err != nil {
			return err
		}
		formatUsageByTask(os.Stdout, rows)
		return nil
	}),
}

var usageByDayCmd = &cobra.Command{
	Use:   "by-day",
	Short: "Usage grouped by UTC day",
	RunE: usageRunE(func(cmd *cobra.Command, _ []string, rep *ai.UsageReport) error {
		from, to := dayRange(cmd)
		rows, err := rep.ByDay(cmd.Context(), from, to)
		if err != nil {
			return err
		}
		formatUsageByDay(os.Stdout, rows)
		return nil
	}),
}

var usageBatchCmd = &cobra.Command{
	Use:   "batch <batch-id>",
	Short: "Usage and ledger rows of one batch",
	Args:  cobra.ExactArgs(1),
	RunE: usageRunE(func(cmd *cobra.Command, args []string, rep *ai.UsageReport) error {
		u, err := rep.ByBatch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		formatBatchUsage(os.Stdout, u)
		return nil
	}),
}

func init() {
	for _, c := range []*cobra.Command{usageSummaryCmd, usageByTaskCmd, usageByDayCmd} {
		c.Flags().String("from", "", "first day (YYYY-MM-DD, inclusive)")
		c.Flags().String("to", "", "last day (YYYY-MM-DD, inclusive)")
		usageCmd.AddCommand(c)
	}
	usageCmd.AddCommand(usageBatchCmd)
	rootCmd.AddCommand(usageCmd)
}
