package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/store"
)

var companyCmd = &cobra.Command{
	Use:   "company",
	Short: "Manage research companies and their sources",
}

var companyImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Upsert companies and add their sources from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "company import: open")
		}
		defer f.Close() //nolint:errcheck

		companies, err := parseCompanyFile(f)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		added, err := importCompanies(ctx, st, companies)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d companies, %d new sources\n", len(companies), added)
		return nil
	},
}

var companyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List companies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		companies, err := st.ListCompanies(ctx)
		if err != nil {
			return eris.Wrap(err, "company list")
		}
		w := newTabWriter(cmd.OutOrStdout())
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSECTOR\tURL")
		for _, c := range companies {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.DisplayName(), c.Sector, c.URL)
		}
		return w.Flush()
	},
}

func init() {
	companyCmd.AddCommand(companyImportCmd)
	companyCmd.AddCommand(companyListCmd)
	rootCmd.AddCommand(companyCmd)
}

// companyFile is the import format.
type companyFile struct {
	Companies []companyEntry `yaml:"companies"`
}

type companyEntry struct {
	ID      string        `yaml:"id"`
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Ticker  string        `yaml:"ticker"`
	Sector  string        `yaml:"sector"`
	Country string        `yaml:"country"`
	Sources []sourceEntry `yaml:"sources"`
}

type sourceEntry struct {
	ID          string     `yaml:"id"`
	Title       string     `yaml:"title"`
	URL         string     `yaml:"url"`
	Kind        string     `yaml:"kind"`
	Content     string     `yaml:"content"`
	PublishedAt *time.Time `yaml:"published_at"`
}

func parseCompanyFile(r io.Reader) ([]companyEntry, error) {
	var file companyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, eris.Wrap(err, "company import: parse")
	}
	seen := make(map[string]bool, len(file.Companies))
	for i, c := range file.Companies {
		if c.ID == "" {
			return nil, eris.Errorf("company import: entry %d has no id", i)
		}
		if seen[c.ID] {
			return nil, eris.Errorf("company import: duplicate company %s", c.ID)
		}
		seen[c.ID] = true
	}
	return file.Companies, nil
}

// importCompanies upserts each company and adds sources whose ids are not
// stored yet. It returns the number of sources added.
func importCompanies(ctx context.Context, st store.Store, entries []companyEntry) (int, error) {
	added := 0
	for _, e := range entries {
		c := model.Company{ID: e.ID, Name: e.Name, URL: e.URL, Ticker: e.Ticker, Sector: e.Sector, Country: e.Country}
		if err := st.UpsertCompany(ctx, &c); err != nil {
			return added, eris.Wrapf(err, "company import: upsert %s", e.ID)
		}

		existing, err := st.ListSources(ctx, e.ID)
		if err != nil {
			return added, eris.Wrapf(err, "company import: sources of %s", e.ID)
		}
		have := make(map[string]bool, len(existing))
		for _, s := range existing {
			have[s.ID] = true
		}

		for _, s := range e.Sources {
			if s.ID != "" && have[s.ID] {
				continue
			}
			src := model.Source{
				ID:          s.ID,
				CompanyID:   e.ID,
				Title:       s.Title,
				URL:         s.URL,
				Kind:        s.Kind,
				Content:     s.Content,
				PublishedAt: s.PublishedAt,
			}
			if err := st.AddSource(ctx, &src); err != nil {
				return added, eris.Wrapf(err, "company import: add source to %s", e.ID)
			}
			added++
		}
	}
	return added, nil
}
