package nb

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/nb-research/internal/model"
)

// SystemPrompt is shared by every step.
const SystemPrompt = "You are a senior research analyst preparing account intelligence. " +
	"Work only from the supplied sources. Return a single JSON object matching the requested schema. " +
	"Cite sources by their id in a top-level \"citations\" array of {\"source_id\", \"quote\"} objects."

// Context budgets, in characters.
const (
	maxSourceChars = 6000
	maxPriorChars  = 1200
	maxSources     = 12
)

// PriorResult is a completed earlier step made available to later prompts.
type PriorResult struct {
	Code    string
	Title   string
	Payload map[string]any
}

// PromptContext carries everything a step prompt is built from.
type PromptContext struct {
	Company       model.Company
	Sources       []model.Source
	Target        *model.Company
	TargetSources []model.Source
	Subject       model.Subject
	Prior         []PriorResult
}

const stepPrompt = `Research step %s: %s

Task: %s

Company: %s
%s
%s
Sources:
%s
%s
Respond with JSON only.`

// BuildPrompt renders the user prompt for step.
func BuildPrompt(step Step, pc PromptContext) string {
	subject := pc.Company
	sources := pc.Sources
	comparison := ""
	if pc.Target != nil {
		if pc.Subject == model.SubjectTarget {
			subject = *pc.Target
			sources = pc.TargetSources
			comparison = fmt.Sprintf("Comparison: analyze %s as a comparison target for %s.\n",
				pc.Target.DisplayName(), pc.Company.DisplayName())
		} else {
			comparison = fmt.Sprintf("Comparison: findings will be compared against %s.\n", pc.Target.DisplayName())
		}
	}

	return fmt.Sprintf(stepPrompt,
		step.Code, step.Title,
		step.Focus,
		subject.DisplayName(),
		formatCompany(subject),
		comparison,
		FormatSources(sources),
		formatPrior(pc.Prior),
	)
}

func formatCompany(c model.Company) string {
	var parts []string
	if c.Ticker != "" {
		parts = append(parts, "Ticker: "+c.Ticker)
	}
	if c.Sector != "" {
		parts = append(parts, "Sector: "+c.Sector)
	}
	if c.Country != "" {
		parts = append(parts, "Country: "+c.Country)
	}
	if c.URL != "" {
		parts = append(parts, "Website: "+c.URL)
	}
	return strings.Join(parts, "\n")
}

// FormatSources renders sources with ids the model can cite.
func FormatSources(sources []model.Source) string {
	if len(sources) == 0 {
		return "(no sources supplied)"
	}
	if len(sources) > maxSources {
		sources = sources[:maxSources]
	}
	var b strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&b, "[%s] %s", s.ID, NormalizeText(s.Title, 200))
		if s.URL != "" {
			fmt.Fprintf(&b, " <%s>", s.URL)
		}
		b.WriteString("\n")
		if content := NormalizeText(s.Content, maxSourceChars); content != "" {
			b.WriteString(content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPrior(prior []PriorResult) string {
	if len(prior) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nEarlier findings:\n")
	for _, p := range prior {
		summary, _ := p.Payload["summary"].(string)
		if summary == "" {
			raw, err := json.Marshal(p.Payload)
			if err != nil {
				continue
			}
			summary = string(raw)
		}
		fmt.Fprintf(&b, "- %s %s: %s\n", p.Code, p.Title, NormalizeText(summary, maxPriorChars))
	}
	return b.String()
}

// NormalizeText converts s to NFC, collapses whitespace and truncates to
// limit runes.
func NormalizeText(s string, limit int) string {
	s = strings.Join(strings.Fields(norm.NFC.String(s)), " ")
	r := []rune(s)
	if limit > 0 && len(r) > limit {
		return string(r[:limit]) + "…"
	}
	return s
}
