package models

import (
	"strings"
	"time"
)

// Term is a glossary entry. TermSet is the owning agent's id.
type Term struct {
	ID          string    `json:"id"`
	TermSet     string    `json:"term_set"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Synonyms    []string  `json:"synonyms,omitempty"`
	CreationUTC time.Time `json:"creation_utc"`
}

// IndexText assembles the string the vector index is keyed by:
// "name[, synonyms]: description".
func (t *Term) IndexText() string {
	var b strings.Builder
	b.WriteString(t.Name)
	if len(t.Synonyms) > 0 {
		b.WriteString(", ")
		b.WriteString(strings.Join(t.Synonyms, ", "))
	}
	b.WriteString(": ")
	b.WriteString(t.Description)
	return b.String()
}
