package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/pipeline"
)

var watchlistFile string

var watchlistCmd = &cobra.Command{
	Use:   "watchlist",
	Short: "Manage tracked people, families and companies",
}

var watchlistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watchlist entities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entities, err := st.ListWatchlist(ctx)
		if err != nil {
			return eris.Wrap(err, "list watchlist")
		}
		formatWatchlist(os.Stdout, entities)
		return nil
	},
}

var watchlistImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import watchlist entities from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		entities, err := loadWatchlistFile(watchlistFile)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := st.UpsertWatchlist(ctx, entities)
		if err != nil {
			return eris.Wrap(err, "import watchlist")
		}
		zap.L().Info("watchlist imported",
			zap.Int("upserted", res.Upserted()),
			zap.Int("failed", len(res.Failed)),
		)
		return nil
	},
}

func init() {
	watchlistImportCmd.Flags().StringVar(&watchlistFile, "file", "", "YAML file with a top-level entities list")
	_ = watchlistImportCmd.MarkFlagRequired("file")

	watchlistCmd.AddCommand(watchlistListCmd, watchlistImportCmd)
	rootCmd.AddCommand(watchlistCmd)
}

type watchlistEntry struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	SearchTerms []string `yaml:"search_terms"`
}

type watchlistFileDoc struct {
	Entities []watchlistEntry `yaml:"entities"`
}

func loadWatchlistFile(path string) ([]model.WatchlistEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read watchlist file %s", path)
	}
	var doc watchlistFileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "parse watchlist file %s", path)
	}

	out := make([]model.WatchlistEntity, 0, len(doc.Entities))
	for i, e := range doc.Entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, eris.Errorf("entity %d: name is required", i)
		}
		terms := e.SearchTerms
		if len(terms) == 0 {
			terms = []string{name}
		}
		id := e.ID
		if id == "" {
			id = model.Slug(name)
		}
		out = append(out, model.WatchlistEntity{
			ID:          id,
			Name:        name,
			Type:        pipeline.ParseEntityType(e.Type),
			SearchTerms: terms,
		})
	}
	return out, nil
}

func formatWatchlist(out io.Writer, entities []model.WatchlistEntity) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tSEARCH TERMS")
	for _, e := range entities {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Type, strings.Join(e.SearchTerms, ", "))
	}
	_ = w.Flush()
}
