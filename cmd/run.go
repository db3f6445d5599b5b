package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/model"
)

var runJSON bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the intelligence pipeline once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		verdict, err := env.Pipeline.Run(ctx)
		if err != nil {
			zap.L().Error("pipeline run failed", zap.Error(err))
			return err
		}

		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(verdict)
		}
		formatVerdict(os.Stdout, verdict)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run verdict as JSON")
	rootCmd.AddCommand(runCmd)
}

// formatVerdict writes a human-readable run summary to w.
func formatVerdict(out io.Writer, v *model.RunVerdict) {
	s := v.Stats
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", v.RunID)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", (time.Duration(v.DurationMs) * time.Millisecond).Round(time.Second))
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", v.Cost.TotalUSD)
	_, _ = fmt.Fprintf(w, "Sources:\t%d ok / %d failed\n", s.SourcesSucceeded, s.SourcesFailed)
	_, _ = fmt.Fprintf(w, "Articles:\t%d new, %d already seen\n", s.ArticlesScraped, s.ArticlesSkippedSeen)
	_, _ = fmt.Fprintf(w, "Triage:\t%s\n", formatBuckets(s.TriageBuckets))
	_, _ = fmt.Fprintf(w, "Assessed:\t%d (%d errored)\n", s.ArticlesAssessed, s.ArticlesErrored)
	_, _ = fmt.Fprintf(w, "Events:\t%d from %d clusters\n", s.EventsSynthesized, s.Clusters)
	_, _ = fmt.Fprintf(w, "Opportunities:\t%d (%d dropped)\n", s.OpportunitiesCreated, s.OpportunitiesDropped)
	if s.PersistenceErrors > 0 {
		_, _ = fmt.Fprintf(w, "Persistence errors:\t%d\n", s.PersistenceErrors)
	}
	j := v.Judgement
	if j.Error != "" {
		_, _ = fmt.Fprintf(w, "Judge:\tfailed: %s\n", j.Error)
	} else {
		var parts []string
		for _, r := range model.AllRatings() {
			if n := j.Counts[r]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s %d", r, n))
			}
		}
		_, _ = fmt.Fprintf(w, "Ratings:\t%s\n", joinOrDash(parts))
	}
	if j.Narrative != "" {
		_, _ = fmt.Fprintf(w, "Narrative:\t%s\n", j.Narrative)
	}
	_ = w.Flush()
}

func formatBuckets(buckets map[string]int) string {
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s %d", k, buckets[k])
	}
	return joinOrDash(parts)
}

func joinOrDash(parts []string) string {
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}
