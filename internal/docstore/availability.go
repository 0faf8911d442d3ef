package docstore

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screening-cli/internal/model"
)

// IncludedCounter reports how many articles in a project are currently
// included after overrides are applied.
type IncludedCounter interface {
	CountIncluded(ctx context.Context, projectID string) (int, error)
}

// AvailabilityChecker derives document availability from the store itself:
// present is the number of stored PDFs, expected the number of included
// articles.
type AvailabilityChecker struct {
	docs     Store
	included IncludedCounter
}

// NewAvailabilityChecker returns a checker over docs and included.
func NewAvailabilityChecker(docs Store, included IncludedCounter) *AvailabilityChecker {
	return &AvailabilityChecker{docs: docs, included: included}
}

func (a *AvailabilityChecker) CheckAvailability(ctx context.Context, projectID string) (model.DocumentAvailability, error) {
	present, err := a.docs.Count(ctx, projectID)
	if err != nil {
		return model.DocumentAvailability{}, eris.Wrap(err, "docstore: count documents")
	}
	expected, err := a.included.CountIncluded(ctx, projectID)
	if err != nil {
		return model.DocumentAvailability{}, eris.Wrap(err, "docstore: count included articles")
	}
	return model.DocumentAvailability{
		ProjectID:     projectID,
		TotalExpected: expected,
		TotalPresent:  present,
	}, nil
}
