package resolve

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/store"
)

// maxMergeHops bounds merged_into chains when following a record to its
// live target.
const maxMergeHops = 16

// Config holds matching thresholds.
type Config struct {
	MatchThreshold   float64 `yaml:"match_threshold" mapstructure:"match_threshold"`
	SuggestThreshold float64 `yaml:"suggest_threshold" mapstructure:"suggest_threshold"`
}

func (c Config) withDefaults() Config {
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		c.MatchThreshold = DefaultMatchThreshold
	}
	if c.SuggestThreshold <= 0 || c.SuggestThreshold > c.MatchThreshold {
		c.SuggestThreshold = DefaultSuggestThreshold
	}
	if c.SuggestThreshold > c.MatchThreshold {
		c.SuggestThreshold = c.MatchThreshold
	}
	return c
}

// Store is the slice of persistence the resolver needs.
type Store interface {
	LiveAliases(ctx context.Context) ([]store.AliasEntry, error)

	CreateConcept(ctx context.Context, c *model.Concept) error
	GetConcept(ctx context.Context, id string) (*model.Concept, error)
	UpdateConcept(ctx context.Context, id string, patch store.ConceptPatch) (*model.Concept, error)
	SearchConcepts(ctx context.Context, filter store.ConceptFilter) ([]model.Concept, error)
	AddAlias(ctx context.Context, a *model.Alias) error
	SetAliasEnabled(ctx context.Context, aliasID string, enabled bool) (*model.Alias, error)
	ConceptMergeCounts(ctx context.Context, sourceID, targetID string) (model.MergeCounts, error)
	MergeConcepts(ctx context.Context, sourceID, targetID string, check store.MergeCheck[model.Concept]) (model.MergeResult, error)

	GetSubtopic(ctx context.Context, id string) (*model.Subtopic, error)
	SubtopicMergeCounts(ctx context.Context, sourceID, targetID string) (model.MergeCounts, error)
	MergeSubtopics(ctx context.Context, sourceID, targetID string, check store.MergeCheck[model.Subtopic]) (model.MergeResult, error)

	GetHint(ctx context.Context, id string) (*model.UnresolvedHint, error)
	ListHints(ctx context.Context, filter store.HintFilter) ([]model.UnresolvedHint, error)
	HintStats(ctx context.Context, top int) (*store.HintStats, error)
	CreateConceptFromHint(ctx context.Context, hintID string, c *model.Concept) (*model.UnresolvedHint, error)
	AliasHint(ctx context.Context, hintID, conceptID string) (*model.UnresolvedHint, error)
	IgnoreHint(ctx context.Context, hintID, reason string) (*model.UnresolvedHint, error)
}

// Resolver owns the concept graph: matching, hint review, CRUD and merges.
type Resolver struct {
	store Store
	cfg   Config
	log   *zap.Logger
}

// NewResolver creates a Resolver over st.
func NewResolver(st Store, cfg Config) *Resolver {
	return &Resolver{
		store: st,
		cfg:   cfg.withDefaults(),
		log:   zap.L().With(zap.String("component", "resolve")),
	}
}

// Matcher snapshots the live aliases into a read-only matcher.
func (r *Resolver) Matcher(ctx context.Context) (*Matcher, error) {
	entries, err := r.store.LiveAliases(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: load aliases")
	}
	return NewMatcher(entries, r.cfg), nil
}

// Match resolves mentions without writing anything.
func (r *Resolver) Match(ctx context.Context, mentions []Mention) ([]Match, error) {
	m, err := r.Matcher(ctx)
	if err != nil {
		return nil, err
	}
	return m.MatchAll(mentions), nil
}

// LiveConcept follows merged_into from id to the concept that absorbed it.
func (r *Resolver) LiveConcept(ctx context.Context, id string) (*model.Concept, error) {
	c, err := r.store.GetConcept(ctx, id)
	for hops := 0; err == nil && c.Status == model.ConceptMerged && c.MergedInto != ""; hops++ {
		if hops >= maxMergeHops {
			return nil, eris.Errorf("resolve: concept %s merge chain exceeds %d hops", id, maxMergeHops)
		}
		c, err = r.store.GetConcept(ctx, c.MergedInto)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// LiveSubtopic follows merged_into from id to the subtopic that absorbed it.
func (r *Resolver) LiveSubtopic(ctx context.Context, id string) (*model.Subtopic, error) {
	s, err := r.store.GetSubtopic(ctx, id)
	for hops := 0; err == nil && s.Status == model.SubtopicMerged && s.MergedInto != ""; hops++ {
		if hops >= maxMergeHops {
			return nil, eris.Errorf("resolve: subtopic %s merge chain exceeds %d hops", id, maxMergeHops)
		}
		s, err = r.store.GetSubtopic(ctx, s.MergedInto)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateConcept stores a new concept; its preferred label becomes an alias.
func (r *Resolver) CreateConcept(ctx context.Context, c *model.Concept) error {
	if err := r.store.CreateConcept(ctx, c); err != nil {
		return err
	}
	r.log.Info("concept created", zap.String("concept_id", c.ID), zap.String("label", c.PreferredLabel))
	return nil
}

// GetConcept returns the live concept for id.
func (r *Resolver) GetConcept(ctx context.Context, id string) (*model.Concept, error) {
	return r.LiveConcept(ctx, id)
}

// UpdateConcept patches the concept stored under id.
func (r *Resolver) UpdateConcept(ctx context.Context, id string, patch store.ConceptPatch) (*model.Concept, error) {
	return r.store.UpdateConcept(ctx, id, patch)
}

// DisableConcept takes a concept out of matching without deleting it.
func (r *Resolver) DisableConcept(ctx context.Context, id string) (*model.Concept, error) {
	disabled := model.ConceptDisabled
	return r.store.UpdateConcept(ctx, id, store.ConceptPatch{Status: &disabled})
}

// SearchConcepts searches labels and aliases.
func (r *Resolver) SearchConcepts(ctx context.Context, filter store.ConceptFilter) ([]model.Concept, error) {
	return r.store.SearchConcepts(ctx, filter)
}

// AddAlias attaches a manual alias to the live target of a.ConceptID.
func (r *Resolver) AddAlias(ctx context.Context, a *model.Alias) error {
	c, err := r.LiveConcept(ctx, a.ConceptID)
	if err != nil {
		return err
	}
	a.ConceptID = c.ID
	return r.store.AddAlias(ctx, a)
}

// SetAliasEnabled toggles an alias.
func (r *Resolver) SetAliasEnabled(ctx context.Context, aliasID string, enabled bool) (*model.Alias, error) {
	return r.store.SetAliasEnabled(ctx, aliasID, enabled)
}

// ListHints lists unresolved mentions.
func (r *Resolver) ListHints(ctx context.Context, filter store.HintFilter) ([]model.UnresolvedHint, error) {
	return r.store.ListHints(ctx, filter)
}

// HintStats summarizes the hint table.
func (r *Resolver) HintStats(ctx context.Context, top int) (*store.HintStats, error) {
	return r.store.HintStats(ctx, top)
}

// CreateConceptFromHint resolves a hint by creating a new concept from it.
func (r *Resolver) CreateConceptFromHint(ctx context.Context, hintID string, c *model.Concept) (*model.UnresolvedHint, error) {
	h, err := r.store.CreateConceptFromHint(ctx, hintID, c)
	if err != nil {
		return nil, err
	}
	r.log.Info("hint resolved", zap.String("hint_id", hintID), zap.String("outcome", string(h.Outcome)), zap.String("concept_id", h.ConceptID))
	return h, nil
}

// AddAliasFromHint resolves a hint by aliasing it to the live target of
// conceptID.
func (r *Resolver) AddAliasFromHint(ctx context.Context, hintID, conceptID string) (*model.UnresolvedHint, error) {
	c, err := r.LiveConcept(ctx, conceptID)
	if err != nil {
		return nil, err
	}
	h, err := r.store.AliasHint(ctx, hintID, c.ID)
	if err != nil {
		return nil, err
	}
	r.log.Info("hint resolved", zap.String("hint_id", hintID), zap.String("outcome", string(h.Outcome)), zap.String("concept_id", h.ConceptID))
	return h, nil
}

// IgnoreHint resolves a hint without touching the concept graph.
func (r *Resolver) IgnoreHint(ctx context.Context, hintID, reason string) (*model.UnresolvedHint, error) {
	return r.store.IgnoreHint(ctx, hintID, reason)
}

// BulkResult reports one item of a bulk hint operation.
type BulkResult struct {
	HintID    string            `json:"hint_id"`
	Outcome   model.HintOutcome `json:"outcome,omitempty"`
	ConceptID string            `json:"concept_id,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// BulkIgnore ignores each hint independently.
func (r *Resolver) BulkIgnore(ctx context.Context, ids []string, reason string) []BulkResult {
	out := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, bulkItem(id, func() (*model.UnresolvedHint, error) {
			return r.store.IgnoreHint(ctx, id, reason)
		}))
	}
	return out
}

// BulkApprove aliases each hint to its suggested concept when that concept
// is still usable, otherwise creates a concept of defaultType from it.
func (r *Resolver) BulkApprove(ctx context.Context, ids []string, defaultType model.ConceptType) []BulkResult {
	out := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, bulkItem(id, func() (*model.UnresolvedHint, error) {
			return r.approveHint(ctx, id, defaultType)
		}))
	}
	return out
}

func (r *Resolver) approveHint(ctx context.Context, id string, defaultType model.ConceptType) (*model.UnresolvedHint, error) {
	h, err := r.store.GetHint(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.SuggestedConceptID != "" {
		c, err := r.LiveConcept(ctx, h.SuggestedConceptID)
		if err == nil && c.Status == model.ConceptActive {
			return r.AddAliasFromHint(ctx, id, c.ID)
		}
		if err != nil && !model.IsNotFound(err) {
			return nil, err
		}
	}
	return r.CreateConceptFromHint(ctx, id, &model.Concept{Type: defaultType})
}

func bulkItem(id string, fn func() (*model.UnresolvedHint, error)) BulkResult {
	res := BulkResult{HintID: id}
	h, err := fn()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Outcome, res.ConceptID = h.Outcome, h.ConceptID
	return res
}
