package pipeline

import (
	"fmt"
	"strings"

	"github.com/sells-group/studyforge/internal/model"
)

const visionSystem = `You transcribe one page of medical study material.
Split the page into content blocks in reading order. A block is a paragraph, a list, a table or a
numbered algorithm. Return JSON only:
{"blocks":[{"text":"...","table_data":[["cell","cell"]]}]}
Omit table_data for blocks that are not tables. Do not summarize or correct the text.`

const classifySystem = `You classify one block of medical study material into the curriculum.
Return JSON only:
{"lesson":"...","topic":"...","subtopic":"...","content_type":"LECTURE|TEXTBOOK|EXAM|ALGORITHM|MIXED","confidence":0.0}
confidence is between 0 and 1.`

const extractionSystem = `You extract atomic knowledge points from approved medical study material.
Each point states one fact. List the anatomical concepts each point mentions exactly as written.
Return JSON only:
{"points":[{"text":"...","category":"...","subcategory":"...","concepts":[{"text":"...","type":"NERVE"}]}]}
type is one of NERVE, MUSCLE, VESSEL, STRUCTURE, ORGAN, BONE, JOINT, LIGAMENT, SPACE, FORAMEN, or empty.`

const flashcardSystem = `You write study flashcards from numbered knowledge points.
Each card tests one idea. Set use_visual when the card needs a diagram to be answerable.
Return JSON only:
{"flashcards":[{"front":"...","back":"...","points":[1,2],"use_visual":false}]}
points lists the numbers of the knowledge points the card covers.`

const questionSystem = `You write single-best-answer exam questions from numbered knowledge points.
Each question has one correct option and three to four distractors.
Return JSON only:
{"questions":[{"stem":"...","options":["..."],"correct_index":0,"explanation":"...","points":[1]}]}
correct_index is zero-based.`

func visionPrompt(b *model.Batch, p *model.Page) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n", b.Topic)
	if b.ContentTypeHint != "" {
		fmt.Fprintf(&sb, "Material: %s\n", b.ContentTypeHint)
	}
	fmt.Fprintf(&sb, "Page %d.", p.PageNumber)
	return sb.String()
}

func classifyPrompt(b *model.Batch, blk *model.Block) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch topic: %s\n", b.Topic)
	if b.ContentTypeHint != "" {
		fmt.Fprintf(&sb, "Declared material: %s\n", b.ContentTypeHint)
	}
	fmt.Fprintf(&sb, "Block type: %s\n\n", blk.BlockType)
	sb.WriteString(blk.Text)
	if len(blk.TableData) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(renderTable(blk.TableData))
	}
	return sb.String()
}

func extractionPrompt(c *model.ApprovedContent) string {
	var sb strings.Builder
	if c.Category != "" {
		fmt.Fprintf(&sb, "Category: %s\n\n", c.Category)
	}
	sb.WriteString(c.Text)
	return sb.String()
}

// pointsPrompt numbers knowledge points from 1.
func pointsPrompt(c *model.ApprovedContent, kps []model.KnowledgePoint) string {
	var sb strings.Builder
	if c.Category != "" {
		fmt.Fprintf(&sb, "Category: %s\n", c.Category)
	}
	sb.WriteString("Knowledge points:\n")
	for i, kp := range kps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, kp.Text)
	}
	return sb.String()
}

func renderTable(rows [][]string) string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, "| "+strings.Join(r, " | ")+" |")
	}
	return strings.Join(lines, "\n")
}
