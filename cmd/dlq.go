package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/studyforge/internal/dispatch"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and re-trigger dead-lettered stage jobs",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered stage jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stage, _ := cmd.Flags().GetString("stage")
		batch, _ := cmd.Flags().GetString("batch")
		errType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{
			Stage:     model.Stage(strings.ToUpper(stage)),
			BatchID:   batch,
			ErrorType: errType,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No dead letters found.")
			return nil
		}
		formatDLQList(os.Stdout, entries)
		return nil
	},
}

func formatDLQList(w io.Writer, entries []resilience.DLQEntry) {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		kind := e.ErrorType
		if e.ErrorKind != "" {
			kind += "/" + e.ErrorKind
		}
		msg := e.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		rows = append(rows, []string{
			e.ID, string(e.Stage), shortID(e.UnitID), kind, fmt.Sprint(e.Attempts),
			e.CreatedAt.Format("2006-01-02 15:04"), msg,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"ID", "STAGE", "UNIT", "ERROR TYPE", "ATTEMPTS", "FAILED AT", "ERROR"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	))
}

var dlqRetriggerCmd = &cobra.Command{
	Use:   "retrigger <dlq-id>",
	Short: "Re-open a dead-lettered unit and enqueue a fresh job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		actor, _ := cmd.Flags().GetString("actor")
		if actor == "" {
			return eris.New("--actor is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		h, err := dispatch.New(st, cfg.Dispatch).Retrigger(ctx, args[0], actor)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Enqueued %s job %s for %s\n", h.Stage, h.JobID, h.UnitID)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().String("stage", "", "filter by stage (e.g. VISION_PARSE)")
	dlqListCmd.Flags().String("batch", "", "filter by batch ID")
	dlqListCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	dlqListCmd.Flags().Int("limit", 50, "maximum entries to show")
	dlqRetriggerCmd.Flags().String("actor", "", "operator name recorded in the audit trail")

	dlqCmd.AddCommand(dlqListCmd, dlqRetriggerCmd)
	rootCmd.AddCommand(dlqCmd)
}
