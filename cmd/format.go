package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sells-group/nb-research/internal/cost"
	"github.com/sells-group/nb-research/internal/model"
)

func newTabWriter(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func usd(v float64) string {
	return cost.FormatUSD(v)
}

// formatEstimate writes an estimate with its per-step breakdown.
func formatEstimate(out io.Writer, e *model.CostEstimate) {
	if e == nil {
		return
	}
	w := newTabWriter(out)
	_, _ = fmt.Fprintf(w, "Company:\t%s\n", e.CompanyID)
	if e.TargetCompanyID != "" {
		_, _ = fmt.Fprintf(w, "Target:\t%s\n", e.TargetCompanyID)
	}
	_, _ = fmt.Fprintf(w, "Model:\t%s\n", e.Model)
	_, _ = fmt.Fprintf(w, "Steps to run:\t%d\n", len(e.Breakdown))
	_, _ = fmt.Fprintf(w, "Estimated tokens:\t%d\n", e.TotalTokens)
	_, _ = fmt.Fprintf(w, "Estimated cost:\t%s\n", usd(e.TotalCost))
	if len(e.ReusedSteps) > 0 {
		_, _ = fmt.Fprintf(w, "Reused steps:\t%d (saves %s)\n", len(e.ReusedSteps), usd(e.ReuseSavings))
	}
	_ = w.Flush()

	if len(e.Breakdown) > 0 {
		_, _ = fmt.Fprintln(out)
		w = newTabWriter(out)
		_, _ = fmt.Fprintln(w, "SUBJECT\tSTEP\tTOKENS\tCOST")
		for _, l := range e.Breakdown {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", l.Subject, l.StepCode, l.Tokens, usd(l.Cost))
		}
		_ = w.Flush()
	}

	for _, warn := range e.Warnings {
		_, _ = fmt.Fprintf(out, "WARNING: %s\n", warn)
	}
	if !e.CanProceed {
		_, _ = fmt.Fprintln(out, "Run would be refused: estimate exceeds the hard limit.")
	}
}

// formatHistory writes a company's snapshot history.
func formatHistory(out io.Writer, hist []model.SnapshotSummary) {
	w := newTabWriter(out)
	_, _ = fmt.Fprintln(w, "SNAPSHOT\tRUN\tMODE\tSTATUS\tCREATED\tDURATION\tUSER")
	_, _ = fmt.Fprintln(w, "--------\t---\t----\t------\t-------\t--------\t----")
	for _, h := range hist {
		dur := ""
		if h.Duration > 0 {
			dur = h.Duration.String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			h.SnapshotID,
			truncateID(h.RunID),
			h.Mode,
			h.Status,
			h.CreatedFormatted,
			dur,
			h.UserID,
		)
	}
	_ = w.Flush()
}
