package store

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/textnorm"
)

const conceptColumns = `id, type, status, preferred_label, description, subtopic_id, merged_into, created_at, updated_at`

func scanConcept(row db.Row) (*model.Concept, error) {
	var c model.Concept
	err := row.Scan(&c.ID, &c.Type, &c.Status, &c.PreferredLabel, &c.Description, &c.SubtopicID,
		&c.MergedInto, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const aliasColumns = `id, concept_id, label, normalized, language, provenance, enabled, created_at`

func scanAlias(row db.Row) (*model.Alias, error) {
	var a model.Alias
	err := row.Scan(&a.ID, &a.ConceptID, &a.Label, &a.Normalized, &a.Language, &a.Provenance, &a.Enabled, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func getConceptRow(ctx context.Context, q db.Querier, id string) (*model.Concept, error) {
	c, err := scanConcept(q.QueryRow(ctx, `SELECT `+conceptColumns+` FROM concepts WHERE id = ?`, id))
	if db.IsNoRows(err) {
		return nil, model.NewNotFound("concept", id)
	}
	return c, eris.Wrapf(err, "store: get concept %s", id)
}

// insertConcept writes a new concept and its aliases. The preferred label
// is always stored as an alias.
func insertConcept(ctx context.Context, q db.Querier, c *model.Concept, now time.Time) error {
	if !c.Type.Valid() {
		return model.NewValidationError("type", "unknown concept type %q", c.Type)
	}
	if textnorm.Normalize(c.PreferredLabel) == "" {
		return model.NewValidationError("preferred_label", "must not be empty")
	}
	if c.ID == "" {
		c.ID = newID()
	}
	c.Status = model.ConceptActive
	c.MergedInto = ""
	c.CreatedAt, c.UpdatedAt = now, now

	if _, err := q.Exec(ctx, `INSERT INTO concepts (`+conceptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Type), string(c.Status), c.PreferredLabel, c.Description, c.SubtopicID,
		c.MergedInto, c.CreatedAt, c.UpdatedAt); err != nil {
		return eris.Wrap(err, "store: insert concept")
	}

	aliases := append([]model.Alias{{Label: c.PreferredLabel, Provenance: model.ProvenancePreferred}}, c.Aliases...)
	c.Aliases = c.Aliases[:0]
	seen := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		a.ConceptID = c.ID
		a.Normalized = textnorm.Normalize(a.Label)
		if a.Normalized == "" || seen[a.Normalized] {
			continue
		}
		seen[a.Normalized] = true
		if err := insertAlias(ctx, q, &a, now); err != nil {
			return err
		}
		c.Aliases = append(c.Aliases, a)
	}
	return nil
}

func insertAlias(ctx context.Context, q db.Querier, a *model.Alias, now time.Time) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.Language == "" {
		a.Language = "en"
	}
	if a.Provenance == "" {
		a.Provenance = model.ProvenanceManual
	}
	a.Normalized = textnorm.Normalize(a.Label)
	if a.Normalized == "" {
		return model.NewValidationError("label", "must not be empty")
	}
	a.Enabled = true
	a.CreatedAt = now
	_, err := q.Exec(ctx, `INSERT INTO aliases (`+aliasColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ConceptID, a.Label, a.Normalized, a.Language, string(a.Provenance), a.Enabled, a.CreatedAt)
	if isUniqueViolation(err) {
		return &model.StateConflictError{
			Entity: "concept", ID: a.ConceptID, Current: "alias exists",
			Reason: "concept already has alias " + a.Normalized,
		}
	}
	return eris.Wrap(err, "store: insert alias")
}

// CreateConcept stores a new active concept with its preferred label as
// the first alias.
func (s *SQLStore) CreateConcept(ctx context.Context, c *model.Concept) error {
	return s.tx(ctx, func(tx db.Tx) error {
		return insertConcept(ctx, tx, c, s.now())
	})
}

// GetConcept returns a concept with all of its aliases. It does not follow
// merged_into.
func (s *SQLStore) GetConcept(ctx context.Context, id string) (*model.Concept, error) {
	c, err := getConceptRow(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	byConcept, err := aliasesFor(ctx, s.db, []string{id})
	if err != nil {
		return nil, err
	}
	c.Aliases = byConcept[id]
	return c, nil
}

func aliasesFor(ctx context.Context, q db.Querier, conceptIDs []string) (map[string][]model.Alias, error) {
	out := make(map[string][]model.Alias, len(conceptIDs))
	if len(conceptIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(conceptIDs))
	for i, id := range conceptIDs {
		args[i] = id
	}
	rows, err := q.Query(ctx, `SELECT `+aliasColumns+` FROM aliases WHERE concept_id IN (`+db.Placeholders(len(args))+`)
		ORDER BY created_at, normalized`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list aliases")
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan alias")
		}
		out[a.ConceptID] = append(out[a.ConceptID], *a)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate aliases")
}

// UpdateConcept applies a patch. Merged concepts are read-only and MERGED
// can only be reached through a merge. A new preferred label is added as
// an alias when the concept does not have it yet.
func (s *SQLStore) UpdateConcept(ctx context.Context, id string, patch ConceptPatch) (*model.Concept, error) {
	err := s.tx(ctx, func(tx db.Tx) error {
		c, err := getConceptRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if c.Status == model.ConceptMerged {
			return &model.StateConflictError{
				Entity: "concept", ID: id, Current: string(c.Status), Reason: "merged concepts cannot be edited",
				Handle: c.MergedInto,
			}
		}
		if patch.Status != nil && *patch.Status != c.Status {
			if *patch.Status == model.ConceptMerged {
				return model.NewValidationError("status", "use merge to retire a concept")
			}
			if err := model.ConceptLifecycle.Check(id, c.Status, *patch.Status); err != nil {
				return err
			}
			c.Status = *patch.Status
		}
		if patch.Type != nil {
			if !patch.Type.Valid() {
				return model.NewValidationError("type", "unknown concept type %q", *patch.Type)
			}
			c.Type = *patch.Type
		}
		if patch.Description != nil {
			c.Description = *patch.Description
		}
		if patch.SubtopicID != nil {
			c.SubtopicID = *patch.SubtopicID
		}
		now := s.now()
		if patch.PreferredLabel != nil && *patch.PreferredLabel != c.PreferredLabel {
			norm := textnorm.Normalize(*patch.PreferredLabel)
			if norm == "" {
				return model.NewValidationError("preferred_label", "must not be empty")
			}
			c.PreferredLabel = *patch.PreferredLabel
			var n int
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM aliases WHERE concept_id = ? AND normalized = ?`, id, norm).
				Scan(&n); err != nil {
				return eris.Wrap(err, "store: check alias")
			}
			if n == 0 {
				if err := insertAlias(ctx, tx, &model.Alias{ConceptID: id, Label: c.PreferredLabel, Provenance: model.ProvenancePreferred}, now); err != nil {
					return err
				}
			}
		}

		_, err = tx.Exec(ctx, `UPDATE concepts SET type = ?, status = ?, preferred_label = ?, description = ?,
			subtopic_id = ?, updated_at = ? WHERE id = ? AND status <> ?`,
			string(c.Type), string(c.Status), c.PreferredLabel, c.Description, c.SubtopicID, now, id,
			string(model.ConceptMerged))
		return eris.Wrapf(err, "store: update concept %s", id)
	})
	if err != nil {
		return nil, err
	}
	return s.GetConcept(ctx, id)
}

// SearchConcepts matches the normalized query against preferred labels and
// aliases.
func (s *SQLStore) SearchConcepts(ctx context.Context, filter ConceptFilter) ([]model.Concept, error) {
	query := `SELECT ` + conceptColumns + ` FROM concepts WHERE 1 = 1`
	var args []any
	if q := textnorm.Normalize(filter.Query); q != "" {
		pattern := likePattern(q)
		query += ` AND (LOWER(preferred_label) LIKE ? ESCAPE '\' OR id IN (
			SELECT concept_id FROM aliases WHERE normalized LIKE ? ESCAPE '\'))`
		args = append(args, pattern, pattern)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY preferred_label, id` + limitOffset(filter.Limit, filter.Offset, 50)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: search concepts")
	}
	var out []model.Concept
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "store: scan concept")
		}
		out = append(out, *c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, eris.Wrap(err, "store: iterate concepts")
	}

	ids := make([]string, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	byConcept, err := aliasesFor(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Aliases = byConcept[out[i].ID]
	}
	return out, nil
}

// AddAlias attaches a new alias to an active or disabled concept.
func (s *SQLStore) AddAlias(ctx context.Context, a *model.Alias) error {
	return s.tx(ctx, func(tx db.Tx) error {
		c, err := getConceptRow(ctx, tx, a.ConceptID)
		if err != nil {
			return err
		}
		if c.Status == model.ConceptMerged {
			return &model.StateConflictError{
				Entity: "concept", ID: c.ID, Current: string(c.Status),
				Reason: "aliases must be added to the merge target", Handle: c.MergedInto,
			}
		}
		return insertAlias(ctx, tx, a, s.now())
	})
}

// SetAliasEnabled enables or disables one alias.
func (s *SQLStore) SetAliasEnabled(ctx context.Context, aliasID string, enabled bool) (*model.Alias, error) {
	n, err := s.db.Exec(ctx, `UPDATE aliases SET enabled = ? WHERE id = ?`, enabled, aliasID)
	if err != nil {
		return nil, eris.Wrapf(err, "store: set alias %s enabled", aliasID)
	}
	if n == 0 {
		return nil, model.NewNotFound("alias", aliasID)
	}
	a, err := scanAlias(s.db.QueryRow(ctx, `SELECT `+aliasColumns+` FROM aliases WHERE id = ?`, aliasID))
	return a, eris.Wrapf(err, "store: get alias %s", aliasID)
}

// LiveAliases lists enabled aliases of active concepts.
func (s *SQLStore) LiveAliases(ctx context.Context) ([]AliasEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT a.id, a.concept_id, c.type, c.preferred_label, a.label, a.normalized
		FROM aliases a JOIN concepts c ON c.id = a.concept_id
		WHERE a.enabled = ? AND c.status = ?
		ORDER BY a.normalized, a.concept_id`, true, string(model.ConceptActive))
	if err != nil {
		return nil, eris.Wrap(err, "store: list live aliases")
	}
	defer rows.Close()

	var out []AliasEntry
	for rows.Next() {
		var e AliasEntry
		if err := rows.Scan(&e.AliasID, &e.ConceptID, &e.ConceptType, &e.PreferredLabel, &e.Label, &e.Normalized); err != nil {
			return nil, eris.Wrap(err, "store: scan live alias")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate live aliases")
}

func countOf(ctx context.Context, q db.Querier, query string, args ...any) (int, error) {
	var n int
	if err := q.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "store: count")
	}
	return n, nil
}

// conceptMergeCounts computes what merging source into target moves. Both
// the preview and the merge itself use it.
func conceptMergeCounts(ctx context.Context, q db.Querier, sourceID, targetID string) (model.MergeCounts, error) {
	var (
		c   model.MergeCounts
		err error
	)
	if c.DuplicateAliases, err = countOf(ctx, q, `SELECT COUNT(*) FROM aliases
		WHERE concept_id = ? AND normalized IN (SELECT normalized FROM aliases WHERE concept_id = ?)`,
		sourceID, targetID); err != nil {
		return c, err
	}
	total, err := countOf(ctx, q, `SELECT COUNT(*) FROM aliases WHERE concept_id = ?`, sourceID)
	if err != nil {
		return c, err
	}
	c.Aliases = total - c.DuplicateAliases
	if c.KnowledgePoints, err = countOf(ctx, q, `SELECT COUNT(*) FROM kp_concepts WHERE concept_id = ?`, sourceID); err != nil {
		return c, err
	}
	if c.Hints, err = countOf(ctx, q, `SELECT COUNT(*) FROM unresolved_hints
		WHERE concept_id = ? OR suggested_concept_id = ?`, sourceID, sourceID); err != nil {
		return c, err
	}
	if c.RedirectedMerges, err = countOf(ctx, q, `SELECT COUNT(*) FROM concepts WHERE merged_into = ? AND status = ?`,
		sourceID, string(model.ConceptMerged)); err != nil {
		return c, err
	}
	return c, nil
}

// ConceptMergeCounts is the read-only merge preview.
func (s *SQLStore) ConceptMergeCounts(ctx context.Context, sourceID, targetID string) (model.MergeCounts, error) {
	return conceptMergeCounts(ctx, s.db, sourceID, targetID)
}

// lockPair takes advisory locks on two entity keys in a stable order.
func lockPair(ctx context.Context, q db.Querier, kind, a, b string) error {
	keys := []string{kind + ":" + a, kind + ":" + b}
	sort.Strings(keys)
	for _, k := range keys {
		if err := db.AdvisoryLock(ctx, q, k); err != nil {
			return err
		}
	}
	return nil
}

// MergeConcepts absorbs source into target. check runs against both rows
// read under the merge locks; a no-op result writes nothing. Execution
// drops aliases the target already has, moves the rest with merge
// provenance, relinks knowledge points and hint references, redirects
// earlier merges into source, then retires source with a conditional
// update. Source is never deleted.
func (s *SQLStore) MergeConcepts(ctx context.Context, sourceID, targetID string, check MergeCheck[model.Concept]) (model.MergeResult, error) {
	res := model.MergeResult{SourceID: sourceID, TargetID: targetID}
	err := s.tx(ctx, func(tx db.Tx) error {
		if err := lockPair(ctx, tx, "concept", sourceID, targetID); err != nil {
			return err
		}
		src, err := getConceptRow(ctx, tx, sourceID)
		if err != nil {
			return err
		}
		tgt, err := getConceptRow(ctx, tx, targetID)
		if err != nil {
			return err
		}
		noop, err := check(src, tgt)
		if err != nil {
			return err
		}
		if noop {
			res.NoOp = true
			return nil
		}

		if res.Counts, err = conceptMergeCounts(ctx, tx, sourceID, targetID); err != nil {
			return err
		}

		now := s.now()
		for _, step := range []struct {
			sql  string
			args []any
		}{
			{`DELETE FROM aliases WHERE concept_id = ? AND normalized IN (SELECT normalized FROM aliases WHERE concept_id = ?)`,
				[]any{sourceID, targetID}},
			{`UPDATE aliases SET concept_id = ?, provenance = ? WHERE concept_id = ?`,
				[]any{targetID, string(model.ProvenanceMerge), sourceID}},
			{`UPDATE kp_concepts SET concept_id = ? WHERE concept_id = ? AND kp_id NOT IN (SELECT kp_id FROM kp_concepts WHERE concept_id = ?)`,
				[]any{targetID, sourceID, targetID}},
			{`DELETE FROM kp_concepts WHERE concept_id = ?`, []any{sourceID}},
			{`UPDATE unresolved_hints SET concept_id = ? WHERE concept_id = ?`, []any{targetID, sourceID}},
			{`UPDATE unresolved_hints SET suggested_concept_id = ? WHERE suggested_concept_id = ?`, []any{targetID, sourceID}},
			{`UPDATE concepts SET merged_into = ?, updated_at = ? WHERE merged_into = ? AND status = ?`,
				[]any{targetID, now, sourceID, string(model.ConceptMerged)}},
		} {
			if _, err := tx.Exec(ctx, step.sql, step.args...); err != nil {
				return eris.Wrapf(err, "store: merge concept %s into %s", sourceID, targetID)
			}
		}

		n, err := tx.Exec(ctx, `UPDATE concepts SET status = ?, merged_into = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.ConceptMerged), targetID, now, sourceID, string(model.ConceptActive))
		return affectedOne(n, err, func() error {
			return &model.StateConflictError{
				Entity: "concept", ID: sourceID, Current: "changed", Expected: string(model.ConceptActive),
				Reason: "concurrent merge",
			}
		})
	})
	if err != nil {
		return model.MergeResult{}, err
	}
	return res, nil
}
