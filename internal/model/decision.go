package model

import "time"

// Decision is an inclusion/exclusion decision for one article.
type Decision string

const (
	DecisionNone    Decision = ""
	DecisionInclude Decision = "include"
	DecisionExclude Decision = "exclude"
)

// Valid reports whether d may be used as an override target.
func (d Decision) Valid() bool {
	return d == DecisionInclude || d == DecisionExclude
}

// ArticleDecision is the automated decision delivered by a screening job.
type ArticleDecision struct {
	ProjectID string   `json:"project_id"`
	ArticleID string   `json:"article_id"`
	Decision  Decision `json:"decision"`
}

// OverrideEntry is one append-only manual correction of a decision.
// Entries are never edited; a correction is a new entry.
type OverrideEntry struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	ArticleID        string    `json:"article_id"`
	PreviousDecision Decision  `json:"previous_decision"`
	NewDecision      Decision  `json:"new_decision"`
	Rationale        string    `json:"rationale"`
	Actor            string    `json:"actor"`
	Timestamp        time.Time `json:"timestamp"`
}
