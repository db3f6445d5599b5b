package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/store"
)

var (
	sourcesFile   string
	sourcesStatus []string
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage scrape sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources with their health analytics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := store.SourceFilter{}
		for _, s := range sourcesStatus {
			filter.Status = append(filter.Status, model.SourceStatus(s))
		}
		sources, err := st.ListSources(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "list sources")
		}
		formatSources(os.Stdout, sources)
		return nil
	},
}

var sourcesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import sources from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		sources, err := loadSourcesFile(sourcesFile)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := st.UpsertSources(ctx, sources)
		if err != nil {
			return eris.Wrap(err, "import sources")
		}
		zap.L().Info("sources imported",
			zap.Int("upserted", res.Upserted()),
			zap.Int("failed", len(res.Failed)),
		)
		return nil
	},
}

func init() {
	sourcesListCmd.Flags().StringSliceVar(&sourcesStatus, "status", nil, "filter by status (active, paused, pruned)")
	sourcesImportCmd.Flags().StringVar(&sourcesFile, "file", "", "YAML file with a top-level sources list")
	_ = sourcesImportCmd.MarkFlagRequired("file")

	sourcesCmd.AddCommand(sourcesListCmd, sourcesImportCmd)
	rootCmd.AddCommand(sourcesCmd)
}

type sourcesFileDoc struct {
	Sources []model.Source `yaml:"sources"`
}

// loadSourcesFile reads and normalizes a sources YAML document.
func loadSourcesFile(path string) ([]model.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read sources file %s", path)
	}
	var doc sourcesFileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "parse sources file %s", path)
	}
	return normalizeSources(doc.Sources)
}

func normalizeSources(in []model.Source) ([]model.Source, error) {
	out := make([]model.Source, 0, len(in))
	for i, s := range in {
		if s.URL == "" || s.HeadlineSelector == "" {
			return nil, eris.Errorf("source %d (%q): url and headline_selector are required", i, s.Name)
		}
		if s.Name == "" {
			s.Name = s.URL
		}
		if s.ID == "" {
			s.ID = model.Slug(s.Name)
		}
		switch s.Method {
		case "":
			s.Method = model.ScrapeMethodHTTP
		case model.ScrapeMethodHTTP, model.ScrapeMethodBrowser:
		default:
			return nil, eris.Errorf("source %q: unknown method %q", s.Name, s.Method)
		}
		if s.Status == "" {
			s.Status = model.SourceStatusActive
		}
		out = append(out, s)
	}
	return out, nil
}

func formatSources(out io.Writer, sources []model.Source) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tRUNS\tSUCCESS\tCONSEC FAIL\tRELEVANT\tLAST ERROR")
	for _, s := range sources {
		a := s.Analytics
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f%%\t%d\t%d\t%s\n",
			s.ID, s.Name, s.Status, a.TotalRuns, a.SuccessRate()*100,
			a.ConsecutiveFailures, a.TotalRelevant, a.LastError)
	}
	_ = w.Flush()
}
