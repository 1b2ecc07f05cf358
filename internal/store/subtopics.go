package store

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/textnorm"
)

const subtopicColumns = `id, topic, name, status, merged_into, created_at`

func scanSubtopic(row db.Row) (*model.Subtopic, error) {
	var st model.Subtopic
	if err := row.Scan(&st.ID, &st.Topic, &st.Name, &st.Status, &st.MergedInto, &st.CreatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func getSubtopic(ctx context.Context, q db.Querier, id string) (*model.Subtopic, error) {
	st, err := scanSubtopic(q.QueryRow(ctx, `SELECT `+subtopicColumns+` FROM subtopics WHERE id = ?`, id))
	if db.IsNoRows(err) {
		return nil, model.NewNotFound("subtopic", id)
	}
	return st, eris.Wrapf(err, "store: get subtopic %s", id)
}

// maxMergeHops bounds merged_into chains so a corrupted cycle cannot spin.
const maxMergeHops = 16

// liveSubtopic follows merged_into until it reaches an active subtopic.
func liveSubtopic(ctx context.Context, q db.Querier, st *model.Subtopic) (*model.Subtopic, error) {
	for hops := 0; st.Status == model.SubtopicMerged; hops++ {
		if hops == maxMergeHops || st.MergedInto == "" {
			return nil, eris.Errorf("store: subtopic %s has a broken merge chain", st.ID)
		}
		next, err := getSubtopic(ctx, q, st.MergedInto)
		if err != nil {
			return nil, err
		}
		st = next
	}
	return st, nil
}

// ensureSubtopic returns the active subtopic named name under topic,
// creating it when neither it nor a merged subtopic of that name exists.
// A merged match resolves to its live target.
func ensureSubtopic(ctx context.Context, q db.Querier, topic, name string, now time.Time) (*model.Subtopic, error) {
	topic = strings.TrimSpace(topic)
	name = strings.TrimSpace(name)
	normalized := textnorm.Normalize(name)
	if topic == "" {
		return nil, model.NewValidationError("topic", "must not be empty")
	}
	if normalized == "" {
		return nil, model.NewValidationError("name", "must not be empty")
	}

	find := func() (*model.Subtopic, error) {
		st, err := scanSubtopic(q.QueryRow(ctx, `SELECT `+subtopicColumns+` FROM subtopics
			WHERE topic = ? AND normalized = ? ORDER BY CASE WHEN status = ? THEN 0 ELSE 1 END, created_at LIMIT 1`,
			topic, normalized, string(model.SubtopicActive)))
		if db.IsNoRows(err) {
			return nil, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "store: find subtopic")
		}
		return liveSubtopic(ctx, q, st)
	}

	if st, err := find(); err != nil || st != nil {
		return st, err
	}

	id := newID()
	if _, err := q.Exec(ctx, `INSERT INTO subtopics (id, topic, name, normalized, status, merged_into, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT (topic, normalized) WHERE status = 'ACTIVE' DO NOTHING`,
		id, topic, name, normalized, string(model.SubtopicActive), now, now); err != nil {
		return nil, eris.Wrap(err, "store: insert subtopic")
	}
	st, err := find()
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, eris.Errorf("store: subtopic %s/%s vanished after insert", topic, name)
	}
	return st, nil
}

// EnsureSubtopic creates or reuses a subtopic by normalized name.
func (s *SQLStore) EnsureSubtopic(ctx context.Context, topic, name string) (*model.Subtopic, error) {
	var out *model.Subtopic
	err := s.tx(ctx, func(tx db.Tx) error {
		st, err := ensureSubtopic(ctx, tx, topic, name, s.now())
		out = st
		return err
	})
	return out, err
}

// GetSubtopic returns the stored row without following merges.
func (s *SQLStore) GetSubtopic(ctx context.Context, id string) (*model.Subtopic, error) {
	return getSubtopic(ctx, s.db, id)
}

// ListSubtopics lists active subtopics, optionally for one topic.
func (s *SQLStore) ListSubtopics(ctx context.Context, topic string) ([]model.Subtopic, error) {
	query := `SELECT ` + subtopicColumns + ` FROM subtopics WHERE status = ?`
	args := []any{string(model.SubtopicActive)}
	if topic != "" {
		query += ` AND topic = ?`
		args = append(args, topic)
	}
	rows, err := s.db.Query(ctx, query+` ORDER BY topic, name, id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list subtopics")
	}
	defer rows.Close()

	var out []model.Subtopic
	for rows.Next() {
		st, err := scanSubtopic(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan subtopic")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate subtopics")
}

func subtopicMergeCounts(ctx context.Context, q db.Querier, sourceID string) (model.MergeCounts, error) {
	var (
		c   model.MergeCounts
		err error
	)
	if c.Blocks, err = countOf(ctx, q, `SELECT COUNT(*) FROM blocks WHERE subtopic_id = ?`, sourceID); err != nil {
		return c, err
	}
	if c.Contents, err = countOf(ctx, q, `SELECT COUNT(*) FROM approved_contents WHERE subtopic_id = ?`, sourceID); err != nil {
		return c, err
	}
	if c.KnowledgePoints, err = countOf(ctx, q, `SELECT COUNT(*) FROM knowledge_points WHERE subtopic_id = ?`, sourceID); err != nil {
		return c, err
	}
	if c.Concepts, err = countOf(ctx, q, `SELECT COUNT(*) FROM concepts WHERE subtopic_id = ?`, sourceID); err != nil {
		return c, err
	}
	if c.RedirectedMerges, err = countOf(ctx, q, `SELECT COUNT(*) FROM subtopics WHERE merged_into = ? AND status = ?`,
		sourceID, string(model.SubtopicMerged)); err != nil {
		return c, err
	}
	return c, nil
}

// SubtopicMergeCounts is the read-only merge preview.
func (s *SQLStore) SubtopicMergeCounts(ctx context.Context, sourceID, _ string) (model.MergeCounts, error) {
	return subtopicMergeCounts(ctx, s.db, sourceID)
}

// MergeSubtopics absorbs source into target. Blocks, contents, knowledge
// points and concepts are relinked, earlier merges into source are
// redirected and source is retired with a conditional update.
func (s *SQLStore) MergeSubtopics(ctx context.Context, sourceID, targetID string, check MergeCheck[model.Subtopic]) (model.MergeResult, error) {
	res := model.MergeResult{SourceID: sourceID, TargetID: targetID}
	err := s.tx(ctx, func(tx db.Tx) error {
		if err := lockPair(ctx, tx, "subtopic", sourceID, targetID); err != nil {
			return err
		}
		src, err := getSubtopic(ctx, tx, sourceID)
		if err != nil {
			return err
		}
		tgt, err := getSubtopic(ctx, tx, targetID)
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
		if res.Counts, err = subtopicMergeCounts(ctx, tx, sourceID); err != nil {
			return err
		}

		now := s.now()
		for _, table := range []string{"blocks", "approved_contents", "knowledge_points", "concepts"} {
			if _, err := tx.Exec(ctx, `UPDATE `+table+` SET subtopic_id = ? WHERE subtopic_id = ?`, targetID, sourceID); err != nil {
				return eris.Wrapf(err, "store: relink %s to subtopic %s", table, targetID)
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE subtopics SET merged_into = ?, updated_at = ? WHERE merged_into = ? AND status = ?`,
			targetID, now, sourceID, string(model.SubtopicMerged)); err != nil {
			return eris.Wrap(err, "store: redirect subtopic merges")
		}

		n, err := tx.Exec(ctx, `UPDATE subtopics SET status = ?, merged_into = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.SubtopicMerged), targetID, now, sourceID, string(model.SubtopicActive))
		return affectedOne(n, err, func() error {
			return &model.StateConflictError{
				Entity: "subtopic", ID: sourceID, Current: "changed", Expected: string(model.SubtopicActive),
				Reason: "concurrent merge",
			}
		})
	})
	if err != nil {
		return model.MergeResult{}, err
	}
	return res, nil
}
