package model

import (
	"time"
)

// ProjectStatus represents the lifecycle state of a review project.
type ProjectStatus string

const (
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusOnHold    ProjectStatus = "on_hold"
	ProjectStatusArchived  ProjectStatus = "archived"
)

// Valid reports whether s is a known project status.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectStatusActive, ProjectStatusCompleted, ProjectStatusOnHold, ProjectStatusArchived:
		return true
	}
	return false
}

// Project is a systematic-literature-review project. The pipeline only reads
// its identity, criteria and IFU reference.
type Project struct {
	ID          string        `json:"id" yaml:"id"`
	Title       string        `json:"title" yaml:"title"`
	Owner       string        `json:"owner" yaml:"owner"`
	Status      ProjectStatus `json:"status" yaml:"status"`
	StartDate   *time.Time    `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate     *time.Time    `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	Criteria    string        `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	IFUDocument string        `json:"ifu_document,omitempty" yaml:"ifu_document,omitempty"` // opaque document reference
	CreatedAt   time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" yaml:"updated_at"`
}
