package pipeline

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mehmetymw/rec2table/internal/types"
)

// tally collects the results of one work item.
type tally struct {
	item     types.WorkItem
	read     int
	failed   int
	firstErr error
	state    types.ItemState
	started  time.Time
}

func (t *tally) add(results []types.SubmissionResult) {
	for _, r := range results {
		if !r.OK() {
			t.fail(r.Err)
		}
	}
}

func (t *tally) fail(err error) {
	t.failed++
	if t.firstErr == nil {
		t.firstErr = err
	}
}

// reconcile turns a tally into the single outcome for its work item. The
// item's attributes are copied, never mutated.
func reconcile(t *tally, uri string, now time.Time) types.Outcome {
	attrs := make(map[string]string, len(t.item.Attributes)+3)
	for k, v := range t.item.Attributes {
		attrs[k] = v
	}
	attrs[types.AttrRecordCount] = strconv.Itoa(t.read)

	item := t.item
	item.Attributes = attrs

	if t.failed > 0 {
		attrs[types.AttrErrorCount] = strconv.Itoa(t.failed)
		attrs[types.AttrErrorMessage] = t.firstErr.Error()
		return types.Outcome{Item: item, Relationship: types.RelFailure, State: types.StateFailed}
	}
	return types.Outcome{
		Item:         item,
		Relationship: types.RelSuccess,
		State:        types.StateSucceeded,
		Provenance: &types.ProvenanceEvent{
			ID:          uuid.NewString(),
			Kind:        types.ProvenanceSend,
			URI:         uri,
			WorkItemID:  t.item.ID,
			Filename:    t.item.Filename(),
			RecordCount: t.read,
			Timestamp:   now,
			Duration:    now.Sub(t.started),
		},
	}
}

// failedOutcome routes item to failure when the invocation carrying it
// could not complete.
func failedOutcome(item types.WorkItem, err error) types.Outcome {
	attrs := make(map[string]string, len(item.Attributes)+2)
	for k, v := range item.Attributes {
		attrs[k] = v
	}
	attrs[types.AttrErrorCount] = "1"
	attrs[types.AttrErrorMessage] = err.Error()
	item.Attributes = attrs
	return types.Outcome{Item: item, Relationship: types.RelFailure, State: types.StateFailed}
}
