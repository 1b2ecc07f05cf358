package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resolve"
)

var conceptsCmd = &cobra.Command{
	Use:   "concepts",
	Short: "Curate the concept graph",
}

// mergeFunc runs a merge or a preview on the resolver.
type mergeFunc func(r *resolve.Resolver, ctx context.Context, source, target string) (model.MergeResult, error)

func pickMerge(subtopic, preview bool) mergeFunc {
	switch {
	case subtopic && preview:
		return (*resolve.Resolver).PreviewSubtopicMerge
	case subtopic:
		return (*resolve.Resolver).MergeSubtopics
	case preview:
		return (*resolve.Resolver).PreviewConceptMerge
	default:
		return (*resolve.Resolver).MergeConcepts
	}
}

func mergeRunE(preview bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		subtopic, _ := cmd.Flags().GetBool("subtopic")
		res, err := pickMerge(subtopic, preview)(resolve.NewResolver(st, cfg.Resolve), ctx, args[0], args[1])
		if err != nil {
			return err
		}
		formatMergeResult(os.Stdout, res)
		return nil
	}
}

func formatMergeResult(w io.Writer, res model.MergeResult) {
	verb := "Merged"
	switch {
	case res.NoOp:
		verb = "Already merged"
	case res.DryRun:
		verb = "Would merge"
	}
	fmt.Fprintf(w, "%s %s into %s\n", verb, res.SourceID, res.TargetID)
	if res.NoOp {
		return
	}
	c := res.Counts
	rows := [][]string{
		{"aliases", fmt.Sprint(c.Aliases)},
		{"duplicate aliases", fmt.Sprint(c.DuplicateAliases)},
		{"knowledge points", fmt.Sprint(c.KnowledgePoints)},
		{"hints", fmt.Sprint(c.Hints)},
		{"blocks", fmt.Sprint(c.Blocks)},
		{"contents", fmt.Sprint(c.Contents)},
		{"concepts", fmt.Sprint(c.Concepts)},
		{"redirected merges", fmt.Sprint(c.RedirectedMerges)},
	}
	fmt.Fprintln(w, renderTable([]string{"MOVED", "COUNT"}, rows, []columnAlignment{alignLeft, alignRight}))
}

var conceptsMergeCmd = &cobra.Command{
	Use:   "merge <source-id> <target-id>",
	Short: "Merge a concept (or subtopic) into another",
	Args:  cobra.ExactArgs(2),
	RunE:  mergeRunE(false),
}

var conceptsPreviewCmd = &cobra.Command{
	Use:   "preview <source-id> <target-id>",
	Short: "Show what a merge would move without writing",
	Args:  cobra.ExactArgs(2),
	RunE:  mergeRunE(true),
}

func init() {
	for _, c := range []*cobra.Command{conceptsMergeCmd, conceptsPreviewCmd} {
		c.Flags().Bool("subtopic", false, "merge subtopics instead of concepts")
		conceptsCmd.AddCommand(c)
	}
	rootCmd.AddCommand(conceptsCmd)
}
