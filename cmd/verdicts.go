package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/store"
)

var (
	verdictsSince time.Duration
	verdictsLimit int
)

var verdictsCmd = &cobra.Command{
	Use:   "verdicts",
	Short: "List recent run verdicts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := store.VerdictFilter{Limit: verdictsLimit}
		if verdictsSince > 0 {
			filter.Since = time.Now().Add(-verdictsSince)
		}
		verdicts, err := st.ListRunVerdicts(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "list verdicts")
		}
		formatVerdicts(os.Stdout, verdicts)
		return nil
	},
}

func init() {
	verdictsCmd.Flags().DurationVar(&verdictsSince, "since", 7*24*time.Hour, "only show runs started within this window (0 for all)")
	verdictsCmd.Flags().IntVar(&verdictsLimit, "limit", 20, "maximum number of verdicts")
	rootCmd.AddCommand(verdictsCmd)
}

func formatVerdicts(out io.Writer, verdicts []model.RunVerdict) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STARTED\tRUN\tDURATION\tCOST\tEVENTS\tOPPS\tEXCELLENT\tGOOD\tPOOR")
	for _, v := range verdicts {
		c := v.Judgement.Counts
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t$%.4f\t%d\t%d\t%d\t%d\t%d\n",
			v.StartedAt.UTC().Format(time.RFC3339), v.RunID,
			(time.Duration(v.DurationMs) * time.Millisecond).Round(time.Second),
			v.Cost.TotalUSD, v.Stats.EventsSynthesized, v.Stats.OpportunitiesCreated,
			c[model.RatingExcellent], c[model.RatingGood], c[model.RatingPoor])
	}
	_ = w.Flush()
}
