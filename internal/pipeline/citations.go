package pipeline

import (
	"errors"
	"strings"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/store"
)

// resolveCitations matches each citation to a source of the subject by id,
// falling back to the source URL. Resolved citations inherit the source
// URL when they carry none. Duplicates are dropped.
func resolveCitations(cites []model.Citation, sources []model.Source, runID, step string) ([]model.Citation, []*model.CitationError) {
	byID := make(map[string]model.Source, len(sources))
	byURL := make(map[string]model.Source, len(sources))
	for _, s := range sources {
		byID[s.ID] = s
		if s.URL != "" {
			byURL[normalizeURL(s.URL)] = s
		}
	}

	resolved := make([]model.Citation, 0, len(cites))
	seen := make(map[string]bool, len(cites))
	var unresolved []*model.CitationError
	for _, c := range cites {
		src, ok := byID[c.SourceID]
		if !ok {
			src, ok = byURL[normalizeURL(c.SourceID)]
		}
		if !ok && c.URL != "" {
			src, ok = byURL[normalizeURL(c.URL)]
		}
		if !ok {
			url := c.URL
			if url == "" {
				url = c.SourceID
			}
			ce := model.NewCitationError(url, runID, step, "no matching source", map[string]any{
				"known_sources": len(sources),
			}, nil)
			ce.SourceID = c.SourceID
			unresolved = append(unresolved, ce)
			continue
		}
		if seen[src.ID] {
			continue
		}
		seen[src.ID] = true
		c.SourceID = src.ID
		if c.URL == "" {
			c.URL = src.URL
		}
		resolved = append(resolved, c)
	}
	return resolved, unresolved
}

func normalizeURL(u string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(u)), "/")
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
