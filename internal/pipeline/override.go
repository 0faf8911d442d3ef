package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/store"
	"github.com/sells-group/screening-cli/internal/telemetry"
)

// OverrideLedger records manual include/exclude corrections on top of the
// automated primary screening decisions. Entries are only ever appended.
type OverrideLedger struct {
	store store.Store
	now   func() time.Time
}

// NewOverrideLedger returns a ledger over st.
func NewOverrideLedger(st store.Store) *OverrideLedger {
	return &OverrideLedger{store: st, now: time.Now}
}

// ResolvedDecision is an article's decision after overrides.
type ResolvedDecision struct {
	ArticleID     string         `json:"article_id"`
	Automated     model.Decision `json:"automated,omitempty"`
	Current       model.Decision `json:"current"`
	Overrides     int            `json:"overrides"`
	LastRationale string         `json:"last_rationale,omitempty"`
	LastActor     string         `json:"last_actor,omitempty"`
}

// ResolveDecision is the single rule for an article's current decision:
// the newest override if any exists, else the automated decision.
func ResolveDecision(automated model.Decision, history []model.OverrideEntry) model.Decision {
	if len(history) == 0 {
		return automated
	}
	return history[len(history)-1].NewDecision
}

// Override validates and appends an entry. PreviousDecision is the decision
// in force before this override.
func (l *OverrideLedger) Override(ctx context.Context, projectID, articleID string, decision model.Decision, rationale, actor string) (*model.OverrideEntry, error) {
	articleID = strings.TrimSpace(articleID)
	rationale = strings.TrimSpace(rationale)
	switch {
	case articleID == "":
		return nil, newError(model.ErrorKindValidation, "override", ErrEmptyArticle)
	case !decision.Valid():
		return nil, newError(model.ErrorKindValidation, "override", ErrInvalidDecision)
	case rationale == "":
		return nil, newError(model.ErrorKindValidation, "override", ErrEmptyRationale)
	}

	previous, err := l.Current(ctx, projectID, articleID)
	if err != nil {
		return nil, err
	}

	entry := &model.OverrideEntry{
		ProjectID:        projectID,
		ArticleID:        articleID,
		PreviousDecision: previous,
		NewDecision:      decision,
		Rationale:        rationale,
		Actor:            actor,
		Timestamp:        l.now().UTC(),
	}
	if err := l.store.AppendOverride(ctx, entry); err != nil {
		return nil, eris.Wrap(err, "pipeline: append override")
	}

	telemetry.Overrides.Inc()
	zap.L().Info("pipeline: decision overridden",
		zap.String("project_id", projectID),
		zap.String("article_id", articleID),
		zap.String("previous", string(previous)),
		zap.String("new", string(decision)),
		zap.String("actor", actor),
	)
	return entry, nil
}

// History returns an article's overrides, oldest first.
func (l *OverrideLedger) History(ctx context.Context, projectID, articleID string) ([]model.OverrideEntry, error) {
	h, err := l.store.ListOverrides(ctx, projectID, articleID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: override history")
	}
	return h, nil
}

// Current resolves an article's decision now.
func (l *OverrideLedger) Current(ctx context.Context, projectID, articleID string) (model.Decision, error) {
	automated, err := l.store.GetDecision(ctx, projectID, articleID)
	if err != nil {
		return model.DecisionNone, eris.Wrap(err, "pipeline: automated decision")
	}
	history, err := l.History(ctx, projectID, articleID)
	if err != nil {
		return model.DecisionNone, err
	}
	return ResolveDecision(automated, history), nil
}

// CurrentDecisions resolves every article that has an automated decision or
// an override, ordered by article ID.
func (l *OverrideLedger) CurrentDecisions(ctx context.Context, projectID string) ([]ResolvedDecision, error) {
	automated, err := l.store.ListDecisions(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list decisions")
	}
	overrides, err := l.store.ListProjectOverrides(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list overrides")
	}

	auto := make(map[string]model.Decision, len(automated))
	for _, d := range automated {
		auto[d.ArticleID] = d.Decision
	}
	history := make(map[string][]model.OverrideEntry)
	for _, o := range overrides {
		history[o.ArticleID] = append(history[o.ArticleID], o)
	}

	ids := make([]string, 0, len(auto)+len(history))
	for id := range auto {
		ids = append(ids, id)
	}
	for id := range history {
		if _, ok := auto[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]ResolvedDecision, 0, len(ids))
	for _, id := range ids {
		h := history[id]
		r := ResolvedDecision{
			ArticleID: id,
			Automated: auto[id],
			Current:   ResolveDecision(auto[id], h),
			Overrides: len(h),
		}
		if len(h) > 0 {
			r.LastRationale = h[len(h)-1].Rationale
			r.LastActor = h[len(h)-1].Actor
		}
		out = append(out, r)
	}
	return out, nil
}

// CountIncluded counts articles whose current decision is include.
func (l *OverrideLedger) CountIncluded(ctx context.Context, projectID string) (int, error) {
	all, err := l.CurrentDecisions(ctx, projectID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range all {
		if d.Current == model.DecisionInclude {
			n++
		}
	}
	return n, nil
}
