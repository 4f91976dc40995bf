package taskflow

import (
	"fmt"
	"slices"

	"github.com/wolfeidau/tablepipe/internal/models"
)

// edges lists every legal transition. submitted_for_qa is folded into qa_pending.
var edges = map[models.TaskState][]models.TaskState{
	models.TaskStateCreated:              {models.TaskStateAwaitingDraft},
	models.TaskStateAwaitingDraft:        {models.TaskStateDraftGenerating},
	models.TaskStateDraftGenerating:      {models.TaskStateDraftReady, models.TaskStateDraftFailed},
	models.TaskStateDraftFailed:          {models.TaskStateAwaitingDraft, models.TaskStateDraftFailedPermanent},
	models.TaskStateDraftFailedPermanent: {models.TaskStateAwaitingDraft},
	models.TaskStateDraftReady:           {models.TaskStateInProgress},
	models.TaskStateInProgress:           {models.TaskStateQAPending},
	models.TaskStateQAPending:            {models.TaskStateCompleted, models.TaskStateRejected},
	models.TaskStateRejected:             {models.TaskStateInProgress},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to models.TaskState) bool {
	return slices.Contains(edges[from], to)
}

// RequiresOverride reports whether the edge is only taken by an explicit
// manual override, never by automatic retry.
func RequiresOverride(from, to models.TaskState) bool {
	return from == models.TaskStateDraftFailedPermanent && to == models.TaskStateAwaitingDraft
}

// ValidatePath checks that logs, ordered by seq, form a legal walk starting
// at created with no gaps in the sequence.
func ValidatePath(logs []*models.TransitionLog) error {
	expectFrom := models.TaskStateCreated
	var expectSeq int64 = 1
	for _, l := range logs {
		if l.Seq != expectSeq {
			return fmt.Errorf("seq %d where %d expected", l.Seq, expectSeq)
		}
		if l.From != expectFrom {
			return fmt.Errorf("seq %d starts from %s but task was %s", l.Seq, l.From, expectFrom)
		}
		if !CanTransition(l.From, l.To) {
			return fmt.Errorf("seq %d: illegal edge %s -> %s", l.Seq, l.From, l.To)
		}
		expectFrom = l.To
		expectSeq++
	}
	return nil
}
