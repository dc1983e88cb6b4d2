package taskgraph

import (
	"github.com/msageha/conductor/internal/model"
)

// Select picks the next task for an idle worker. activeLabels holds the
// labels of tasks currently assigned to other workers; excluded holds ids
// already lost to another claimant this cycle.
//
// Tasks whose label is not active win over tasks that share one, unless
// none remain. Then lowest priority, then lowest id.
func Select(eligible []model.Task, activeLabels map[string]bool, excluded map[string]bool) (model.Task, bool) {
	var candidates []model.Task
	for _, t := range eligible {
		if !excluded[t.ID] {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return model.Task{}, false
	}

	var distinct []model.Task
	for _, t := range candidates {
		label := t.Label()
		if label == "" || !activeLabels[label] {
			distinct = append(distinct, t)
		}
	}
	if len(distinct) > 0 {
		candidates = distinct
	}

	best := candidates[0]
	for _, t := range candidates[1:] {
		if better(t, best) {
			best = t
		}
	}
	return best, true
}

func better(a, b model.Task) bool {
	pa, pb := a.Priority(), b.Priority()
	if pa != pb {
		return pa < pb
	}
	return model.CompareIDs(a.ID, b.ID) < 0
}
