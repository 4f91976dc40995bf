package draft

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/wolfeidau/tablepipe/internal/models"
)

// PromptVersion is folded into the prompt hash so a template change never
// replays drafts generated from the old template.
const PromptVersion = "v1.0"

const maxSampleRows = 3

// BuildPrompt renders the draft prompt for a table: dimensions, the header
// row and up to three sample rows.
func BuildPrompt(t *models.ParsedTable) string {
	rows := make(map[int][]models.Cell)
	for _, c := range t.Cells {
		rows[c.Row] = append(rows[c.Row], c)
	}
	rowNums := make([]int, 0, len(rows))
	for r := range rows {
		rowNums = append(rowNums, r)
	}
	sort.Ints(rowNums)

	var b strings.Builder
	b.WriteString(`Convert the following table schema to a faithful, concise natural language description for compliance guidelines.

INSTRUCTIONS:
- Analyze the table structure and content carefully
- Generate a clear description that preserves exact numbers, units, and ranges
- Identify key rules, patterns, and exceptions
- Do NOT fabricate or assume information not present in the data
- Structure your response in the specified sections below

TABLE INFORMATION:
`)
	fmt.Fprintf(&b, "- Dimensions: %d rows × %d columns\n", t.NRows, t.NCols)
	fmt.Fprintf(&b, "- Detection method: %s\n", t.Meta.Detector)
	fmt.Fprintf(&b, "- Confidence: %.2f\n", t.Meta.Confidence)
	fmt.Fprintf(&b, "- Page number: %d\n\n", t.Page)

	b.WriteString("HEADER ROW:\n")
	if header := rowText(rows[0]); header != "" {
		b.WriteString(header)
	} else {
		b.WriteString("No clear headers identified")
	}
	b.WriteString("\n\nSAMPLE DATA ROWS:\n")

	samples := 0
	for _, r := range rowNums {
		if r == 0 {
			continue
		}
		if samples == maxSampleRows {
			break
		}
		samples++
		fmt.Fprintf(&b, "Row %d: %s\n", samples, rowText(rows[r]))
	}
	if samples == 0 {
		b.WriteString("No data rows available\n")
	}

	b.WriteString(`
RESPONSE FORMAT:
Structure your response with these sections:

**Purpose**
[Brief description of what this table contains and its purpose]

**Structure**
[Description of the table organization, columns, and data types]

**Key Rules**
[Main rules, requirements, or patterns identified in the data]

**Exceptions**
[Any exceptions, special cases, or variations noted]

**Data Quality Notes**
[Any observations about data completeness, consistency, or quality issues]

Generate the description now:`)

	return b.String()
}

// PromptHash identifies a prompt under the current template version.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(PromptVersion + "\n" + prompt))
	return hex.EncodeToString(sum[:])
}

func rowText(cells []models.Cell) string {
	sorted := make([]models.Cell, len(cells))
	copy(sorted, cells)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Col < sorted[j].Col })

	parts := make([]string, 0, len(sorted))
	for _, c := range sorted {
		parts = append(parts, strings.TrimSpace(c.Text))
	}
	return strings.Join(parts, " | ")
}
