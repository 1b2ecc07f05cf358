package resolve

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/model"
)

// planConceptMerge decides whether source may be merged into target. The
// check order is fixed so the same pair always fails the same way.
// noop means the merge already happened.
func planConceptMerge(src, tgt *model.Concept) (noop bool, err error) {
	switch {
	case src.ID == tgt.ID:
		return false, refuseInvalid(ErrSelfMerge, "target")
	case src.Status == model.ConceptMerged && src.MergedInto == tgt.ID:
		return true, nil
	case src.Status == model.ConceptMerged && tgt.Status == model.ConceptMerged:
		return false, refuseConflict(ErrBothMerged, "concept", src.ID, string(src.Status), src.MergedInto)
	case src.Status == model.ConceptMerged:
		return false, refuseConflict(ErrMergeConflict, "concept", src.ID, string(src.Status), src.MergedInto)
	case tgt.Status == model.ConceptMerged:
		return false, refuseConflict(ErrTargetMerged, "concept", tgt.ID, string(tgt.Status), tgt.MergedInto)
	case src.Status == model.ConceptDisabled:
		return false, refuseConflict(ErrConceptDisabled, "concept", src.ID, string(src.Status), "")
	case tgt.Status == model.ConceptDisabled:
		return false, refuseConflict(ErrConceptDisabled, "concept", tgt.ID, string(tgt.Status), "")
	case src.Type != tgt.Type:
		return false, refuseInvalid(ErrIncompatibleTypes, "type")
	}
	return false, nil
}

// planSubtopicMerge applies the concept rules to subtopics. Subtopics of
// different topics are incompatible.
func planSubtopicMerge(src, tgt *model.Subtopic) (noop bool, err error) {
	switch {
	case src.ID == tgt.ID:
		return false, refuseInvalid(ErrSelfMerge, "target")
	case src.Status == model.SubtopicMerged && src.MergedInto == tgt.ID:
		return true, nil
	case src.Status == model.SubtopicMerged && tgt.Status == model.SubtopicMerged:
		return false, refuseConflict(ErrBothMerged, "subtopic", src.ID, string(src.Status), src.MergedInto)
	case src.Status == model.SubtopicMerged:
		return false, refuseConflict(ErrMergeConflict, "subtopic", src.ID, string(src.Status), src.MergedInto)
	case tgt.Status == model.SubtopicMerged:
		return false, refuseConflict(ErrTargetMerged, "subtopic", tgt.ID, string(tgt.Status), tgt.MergedInto)
	case src.Topic != tgt.Topic:
		return false, refuseInvalid(ErrIncompatibleTypes, "topic")
	}
	return false, nil
}

// MergeConcepts absorbs source into target. Repeating a completed merge is
// a no-op.
func (r *Resolver) MergeConcepts(ctx context.Context, sourceID, targetID string) (model.MergeResult, error) {
	if sourceID == targetID {
		return model.MergeResult{}, refuseInvalid(ErrSelfMerge, "target")
	}
	res, err := r.store.MergeConcepts(ctx, sourceID, targetID, planConceptMerge)
	if err != nil {
		return model.MergeResult{}, eris.Wrapf(err, "resolve: merge concept %s into %s", sourceID, targetID)
	}
	r.log.Info("concept merge",
		zap.String("source_id", sourceID),
		zap.String("target_id", targetID),
		zap.Bool("no_op", res.NoOp),
		zap.Int("aliases", res.Counts.Aliases),
		zap.Int("knowledge_points", res.Counts.KnowledgePoints),
	)
	return res, nil
}

// PreviewConceptMerge runs the same checks as MergeConcepts and reports
// what would move, without writing.
func (r *Resolver) PreviewConceptMerge(ctx context.Context, sourceID, targetID string) (model.MergeResult, error) {
	res := model.MergeResult{SourceID: sourceID, TargetID: targetID, DryRun: true}
	src, err := r.store.GetConcept(ctx, sourceID)
	if err != nil {
		return res, err
	}
	tgt, err := r.store.GetConcept(ctx, targetID)
	if err != nil {
		return res, err
	}
	noop, err := planConceptMerge(src, tgt)
	if err != nil {
		return res, err
	}
	if noop {
		res.NoOp = true
		return res, nil
	}
	res.Counts, err = r.store.ConceptMergeCounts(ctx, sourceID, targetID)
	return res, err
}

// MergeSubtopics absorbs source into target.
func (r *Resolver) MergeSubtopics(ctx context.Context, sourceID, targetID string) (model.MergeResult, error) {
	if sourceID == targetID {
		return model.MergeResult{}, refuseInvalid(ErrSelfMerge, "target")
	}
	res, err := r.store.MergeSubtopics(ctx, sourceID, targetID, planSubtopicMerge)
	if err != nil {
		return model.MergeResult{}, eris.Wrapf(err, "resolve: merge subtopic %s into %s", sourceID, targetID)
	}
	r.log.Info("subtopic merge",
		zap.String("source_id", sourceID),
		zap.String("target_id", targetID),
		zap.Bool("no_op", res.NoOp),
		zap.Int("blocks", res.Counts.Blocks),
	)
	return res, nil
}

// PreviewSubtopicMerge is the dry run of MergeSubtopics.
func (r *Resolver) PreviewSubtopicMerge(ctx context.Context, sourceID, targetID string) (model.MergeResult, error) {
	res := model.MergeResult{SourceID: sourceID, TargetID: targetID, DryRun: true}
	src, err := r.store.GetSubtopic(ctx, sourceID)
	if err != nil {
		return res, err
	}
	tgt, err := r.store.GetSubtopic(ctx, targetID)
	if err != nil {
		return res, err
	}
	noop, err := planSubtopicMerge(src, tgt)
	if err != nil {
		return res, err
	}
	if noop {
		res.NoOp = true
		return res, nil
	}
	res.Counts, err = r.store.SubtopicMergeCounts(ctx, sourceID, targetID)
	return res, err
}
