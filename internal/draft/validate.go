package draft

import (
	"fmt"
	"strings"
)

var requiredSections = []string{"Purpose", "Structure", "Key Rules", "Exceptions"}

var placeholderPhrases = []string{"[Brief description", "[Description of", "[Main rules"}

const (
	minDraftLength = 100
	maxDraftLength = 2000
)

// ValidateDraft returns quality issues found in generated text. Drafts with
// issues are still kept; the annotator sees the issues next to the text.
func ValidateDraft(text string) []string {
	var issues []string

	var missing []string
	for _, section := range requiredSections {
		if !strings.Contains(text, "**"+section+"**") && !strings.Contains(text, section+":") {
			missing = append(missing, section)
		}
	}
	if len(missing) > 0 {
		issues = append(issues, fmt.Sprintf("missing sections: %s", strings.Join(missing, ", ")))
	}

	switch n := len(text); {
	case n < minDraftLength:
		issues = append(issues, "draft is too short")
	case n > maxDraftLength:
		issues = append(issues, "draft is very long")
	}

	for _, phrase := range placeholderPhrases {
		if strings.Contains(text, phrase) {
			issues = append(issues, "contains placeholder text")
			break
		}
	}

	return issues
}
