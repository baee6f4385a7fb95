package model

import "time"

// Company is a research subject. Runs are always scoped to one company and
// optionally compared against a target company.
type Company struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	URL       string         `json:"url,omitempty"`
	Ticker    string         `json:"ticker,omitempty"`
	Sector    string         `json:"sector,omitempty"`
	Country   string         `json:"country,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// DisplayName returns the company name, falling back to the URL and then the ID.
func (c Company) DisplayName() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.URL != "":
		return c.URL
	default:
		return c.ID
	}
}

// Source is a document attached to a company that NB prompts draw from and
// citations point at.
type Source struct {
	ID          string     `json:"id"`
	CompanyID   string     `json:"company_id"`
	Title       string     `json:"title"`
	URL         string     `json:"url,omitempty"`
	Kind        string     `json:"kind,omitempty"` // "filing", "news", "transcript", "web"
	Content     string     `json:"content,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
