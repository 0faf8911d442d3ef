package model

// DocumentAvailability reports how many full-text documents of a project are
// present. It is recomputed on every check and never cached.
type DocumentAvailability struct {
	ProjectID     string `json:"project_id"`
	TotalExpected int    `json:"total_expected"`
	TotalPresent  int    `json:"total_present"`
}

// Exists reports whether at least one document is present.
func (a DocumentAvailability) Exists() bool {
	return a.TotalPresent > 0
}
