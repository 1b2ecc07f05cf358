package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/textnorm"
)

const hintColumns = `id, normalized, raw_text, occurrences, status, outcome, concept_id, suggested_concept_id,
	suggested_score, reason, created_at, updated_at, resolved_at`

func scanHint(row db.Row) (*model.UnresolvedHint, error) {
	var h model.UnresolvedHint
	err := row.Scan(&h.ID, &h.Normalized, &h.RawText, &h.Occurrences, &h.Status, &h.Outcome, &h.ConceptID,
		&h.SuggestedConceptID, &h.SuggestedScore, &h.Reason, &h.CreatedAt, &h.UpdatedAt, &h.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// upsertHint records one occurrence of an unresolved mention. The first
// occurrence creates the hint; later ones bump the counter, keep the best
// suggestion seen so far and add the source. Resolved hints still count.
func upsertHint(ctx context.Context, q db.Querier, m model.HintMention, src model.HintSource, now time.Time) error {
	normalized := m.Normalized
	if normalized == "" {
		normalized = textnorm.Normalize(m.RawText)
	}
	if normalized == "" {
		return nil
	}
	raw := m.RawText
	if raw == "" {
		raw = normalized
	}

	var id string
	err := q.QueryRow(ctx, `INSERT INTO unresolved_hints
			(id, normalized, raw_text, occurrences, status, suggested_concept_id, suggested_score, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT (normalized) DO UPDATE SET
			occurrences = unresolved_hints.occurrences + 1,
			suggested_concept_id = CASE WHEN excluded.suggested_score > unresolved_hints.suggested_score
				THEN excluded.suggested_concept_id ELSE unresolved_hints.suggested_concept_id END,
			suggested_score = CASE WHEN excluded.suggested_score > unresolved_hints.suggested_score
				THEN excluded.suggested_score ELSE unresolved_hints.suggested_score END,
			updated_at = excluded.updated_at
		RETURNING id`,
		newID(), normalized, raw, string(model.HintPending), m.SuggestedConceptID, model.Clamp01(m.SuggestedScore),
		now, now).Scan(&id)
	if err != nil {
		return eris.Wrapf(err, "store: upsert hint %q", normalized)
	}

	if src.BatchID == "" && src.PageID == "" {
		return nil
	}
	_, err = q.Exec(ctx, `INSERT INTO hint_sources (hint_id, batch_id, page_id) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`, id, src.BatchID, src.PageID)
	return eris.Wrap(err, "store: add hint source")
}

func getHint(ctx context.Context, q db.Querier, id string) (*model.UnresolvedHint, error) {
	h, err := scanHint(q.QueryRow(ctx, `SELECT `+hintColumns+` FROM unresolved_hints WHERE id = ?`, id))
	if db.IsNoRows(err) {
		return nil, model.NewNotFound("hint", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get hint %s", id)
	}

	rows, err := q.Query(ctx, `SELECT batch_id, page_id FROM hint_sources WHERE hint_id = ? ORDER BY batch_id, page_id`, id)
	if err != nil {
		return nil, eris.Wrap(err, "store: list hint sources")
	}
	defer rows.Close()
	for rows.Next() {
		var src model.HintSource
		if err := rows.Scan(&src.BatchID, &src.PageID); err != nil {
			return nil, eris.Wrap(err, "store: scan hint source")
		}
		h.Sources = append(h.Sources, src)
	}
	return h, eris.Wrap(rows.Err(), "store: iterate hint sources")
}

// GetHint returns a hint with every source it was seen in.
func (s *SQLStore) GetHint(ctx context.Context, id string) (*model.UnresolvedHint, error) {
	return getHint(ctx, s.db, id)
}

// ListHints lists hints, most frequent first.
func (s *SQLStore) ListHints(ctx context.Context, filter HintFilter) ([]model.UnresolvedHint, error) {
	query := `SELECT ` + hintColumns + ` FROM unresolved_hints WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if q := textnorm.Normalize(filter.Search); q != "" {
		query += ` AND normalized LIKE ? ESCAPE '\'`
		args = append(args, likePattern(q))
	}
	if filter.BatchID != "" {
		query += ` AND id IN (SELECT hint_id FROM hint_sources WHERE batch_id = ?)`
		args = append(args, filter.BatchID)
	}
	query += ` ORDER BY occurrences DESC, normalized` + limitOffset(filter.Limit, filter.Offset, 50)
	return s.queryHints(ctx, query, args...)
}

func (s *SQLStore) queryHints(ctx context.Context, query string, args ...any) ([]model.UnresolvedHint, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list hints")
	}
	defer rows.Close()

	var out []model.UnresolvedHint
	for rows.Next() {
		h, err := scanHint(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan hint")
		}
		out = append(out, *h)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate hints")
}

// HintStats summarizes hints by status and outcome and lists the top
// pending ones by occurrence.
func (s *SQLStore) HintStats(ctx context.Context, top int) (*HintStats, error) {
	out := &HintStats{
		ByStatus:  make(map[model.HintStatus]int),
		ByOutcome: make(map[model.HintOutcome]int),
	}

	rows, err := s.db.Query(ctx, `SELECT status, outcome, CAST(COUNT(*) AS BIGINT),
		CAST(COALESCE(SUM(occurrences), 0) AS BIGINT)
		FROM unresolved_hints GROUP BY status, outcome`)
	if err != nil {
		return nil, eris.Wrap(err, "store: hint stats")
	}
	for rows.Next() {
		var (
			status      model.HintStatus
			outcome     model.HintOutcome
			n, occurred int
		)
		if err := rows.Scan(&status, &outcome, &n, &occurred); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "store: scan hint stats")
		}
		out.Total += n
		out.ByStatus[status] += n
		if outcome != "" {
			out.ByOutcome[outcome] += n
		}
		if status == model.HintPending {
			out.PendingOccurrences += occurred
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, eris.Wrap(err, "store: iterate hint stats")
	}

	if top <= 0 {
		top = 10
	}
	out.TopPending, err = s.queryHints(ctx, `SELECT `+hintColumns+` FROM unresolved_hints
		WHERE status = ? ORDER BY occurrences DESC, normalized`+limitOffset(top, 0, top), string(model.HintPending))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resolveHint closes a pending hint. A hint that is already resolved is a
// conflict.
func resolveHint(ctx context.Context, q db.Querier, h *model.UnresolvedHint, outcome model.HintOutcome,
	conceptID, reason string, now time.Time) error {
	n, err := q.Exec(ctx, `UPDATE unresolved_hints SET status = ?, outcome = ?, concept_id = ?, reason = ?,
		resolved_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.HintResolved), string(outcome), conceptID, reason, now, now, h.ID, string(model.HintPending))
	err = affectedOne(n, err, func() error { return hintResolvedConflict(h) })
	if err != nil {
		return eris.Wrapf(err, "store: resolve hint %s", h.ID)
	}
	h.Status, h.Outcome, h.ConceptID, h.Reason = model.HintResolved, outcome, conceptID, reason
	h.ResolvedAt, h.UpdatedAt = &now, now
	return nil
}

func hintResolvedConflict(h *model.UnresolvedHint) error {
	return &model.StateConflictError{
		Entity: "hint", ID: h.ID, Current: string(model.HintResolved), Expected: string(model.HintPending),
		Reason: "hint already resolved", Handle: h.ConceptID,
	}
}

func pendingHint(ctx context.Context, q db.Querier, id string) (*model.UnresolvedHint, error) {
	h, err := getHint(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if h.Status != model.HintPending {
		return nil, hintResolvedConflict(h)
	}
	return h, nil
}

// CreateConceptFromHint creates a concept whose aliases include the hint's
// raw text and resolves the hint as created.
func (s *SQLStore) CreateConceptFromHint(ctx context.Context, hintID string, c *model.Concept) (*model.UnresolvedHint, error) {
	var out *model.UnresolvedHint
	err := s.tx(ctx, func(tx db.Tx) error {
		h, err := pendingHint(ctx, tx, hintID)
		if err != nil {
			return err
		}
		if c.PreferredLabel == "" {
			c.PreferredLabel = h.RawText
		}
		c.Aliases = append(c.Aliases, model.Alias{Label: h.RawText, Provenance: model.ProvenanceHint})
		now := s.now()
		if err := insertConcept(ctx, tx, c, now); err != nil {
			return err
		}
		if err := resolveHint(ctx, tx, h, model.OutcomeCreated, c.ID, "", now); err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

// AliasHint adds the hint text as an alias of an active concept and
// resolves the hint as aliased. An alias the concept already has is
// reused.
func (s *SQLStore) AliasHint(ctx context.Context, hintID, conceptID string) (*model.UnresolvedHint, error) {
	var out *model.UnresolvedHint
	err := s.tx(ctx, func(tx db.Tx) error {
		h, err := pendingHint(ctx, tx, hintID)
		if err != nil {
			return err
		}
		c, err := getConceptRow(ctx, tx, conceptID)
		if err != nil {
			return err
		}
		if c.Status != model.ConceptActive {
			return &model.StateConflictError{
				Entity: "concept", ID: c.ID, Current: string(c.Status), Expected: string(model.ConceptActive),
				Reason: "hints can only be aliased to active concepts", Handle: c.MergedInto,
			}
		}

		now := s.now()
		// An existing alias for the text is re-enabled so the mention resolves.
		n, err := tx.Exec(ctx, `UPDATE aliases SET enabled = ? WHERE concept_id = ? AND normalized = ?`,
			true, conceptID, textnorm.Normalize(h.RawText))
		if err != nil {
			return eris.Wrap(err, "store: enable hint alias")
		}
		if n == 0 {
			if err := insertAlias(ctx, tx, &model.Alias{
				ConceptID: conceptID, Label: h.RawText, Provenance: model.ProvenanceHint,
			}, now); err != nil {
				return err
			}
		}
		if err := resolveHint(ctx, tx, h, model.OutcomeAliased, conceptID, "", now); err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

// IgnoreHint resolves a hint without touching the concept graph.
func (s *SQLStore) IgnoreHint(ctx context.Context, hintID, reason string) (*model.UnresolvedHint, error) {
	var out *model.UnresolvedHint
	err := s.tx(ctx, func(tx db.Tx) error {
		h, err := pendingHint(ctx, tx, hintID)
		if err != nil {
			return err
		}
		if err := resolveHint(ctx, tx, h, model.OutcomeIgnored, "", reason, s.now()); err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}
