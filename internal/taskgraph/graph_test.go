package taskgraph

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/model"
)

func task(id string, status model.TaskStatus, blockedBy ...string) model.Task {
	return model.Task{ID: id, Status: status, BlockedBy: blockedBy, Blocks: []string{}}
}

func withMeta(t model.Task, priority int, label string) model.Task {
	t.Metadata = map[string]json.RawMessage{}
	p, _ := json.Marshal(priority)
	t.Metadata["priority"] = p
	if label != "" {
		l, _ := json.Marshal(label)
		t.Metadata["label"] = l
	}
	return t
}

func ids(tasks []model.Task) []string {
	var out []string
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestEligible_DependencyGating(t *testing.T) {
	for _, status := range []model.TaskStatus{model.TaskPending, model.TaskInProgress} {
		x := task("X", status)
		if status == model.TaskInProgress {
			x.Owner = "auto-1"
		}
		g := Build([]model.Task{x, task("Y", model.TaskPending, "X")})
		require.NoError(t, g.Validate())
		assert.NotContains(t, ids(g.Eligible()), "Y", "Y must wait while X is %s", status)
	}

	g := Build([]model.Task{task("X", model.TaskCompleted), task("Y", model.TaskPending, "X")})
	assert.Equal(t, []string{"Y"}, ids(g.Eligible()))
}

func TestEligible_BlocksEdgeGatesTarget(t *testing.T) {
	x := task("X", model.TaskPending)
	x.Blocks = []string{"Y"}
	g := Build([]model.Task{x, task("Y", model.TaskPending)})
	assert.Equal(t, []string{"X"}, ids(g.Eligible()))
}

func TestEligible_SkipsOwnedAndCompleted(t *testing.T) {
	owned := task("2", model.TaskInProgress)
	owned.Owner = "auto-1"
	g := Build([]model.Task{task("1", model.TaskCompleted), owned, task("3", model.TaskPending)})
	assert.Equal(t, []string{"3"}, ids(g.Eligible()))
}

func TestValidate_TwoNodeCycle(t *testing.T) {
	g := Build([]model.Task{
		task("A", model.TaskPending, "B"),
		task("B", model.TaskPending, "A"),
		task("C", model.TaskPending),
	})

	var ce *CycleError
	require.True(t, errors.As(g.Validate(), &ce))
	assert.Equal(t, []string{"A", "B"}, ce.Members)
	assert.Equal(t, []string{"C"}, ids(g.Eligible()))

	sel, ok := Select(g.Eligible(), nil, nil)
	require.True(t, ok)
	assert.Equal(t, "C", sel.ID)
}

func TestValidate_CycleReachedThroughFinishedNode(t *testing.T) {
	// A -> B -> C -> A plus B -> D -> C: D is on a cycle too.
	g := Build([]model.Task{
		task("A", model.TaskPending, "B"),
		task("B", model.TaskPending, "C", "D"),
		task("C", model.TaskPending, "A"),
		task("D", model.TaskPending, "C"),
		task("E", model.TaskPending, "A"),
	})
	var ce *CycleError
	require.True(t, errors.As(g.Validate(), &ce))
	assert.Equal(t, []string{"A", "B", "C", "D"}, ce.Members)
}

func TestValidate_SelfLoop(t *testing.T) {
	g := Build([]model.Task{task("1", model.TaskPending, "1")})
	var ce *CycleError
	require.True(t, errors.As(g.Validate(), &ce))
	assert.Equal(t, []string{"1"}, ce.Members)
	assert.Empty(t, g.Eligible())
}

func TestValidate_MissingReference(t *testing.T) {
	g := Build([]model.Task{task("1", model.TaskPending, "404"), task("2", model.TaskPending)})

	var me *MissingError
	require.True(t, errors.As(g.Validate(), &me))
	assert.Equal(t, "1", me.TaskID)
	assert.Equal(t, "404", me.MissingID)
	assert.Equal(t, []string{"2"}, ids(g.Eligible()))
}

func TestSelect_LabelDistinctBeatsPriority(t *testing.T) {
	eligible := []model.Task{
		withMeta(task("1", model.TaskPending), 0, "ui"),
		withMeta(task("2", model.TaskPending), 4, "backend"),
	}
	sel, ok := Select(eligible, map[string]bool{"ui": true}, nil)
	require.True(t, ok)
	assert.Equal(t, "2", sel.ID)
}

func TestSelect_FallsBackWhenOnlySharedLabels(t *testing.T) {
	eligible := []model.Task{
		withMeta(task("1", model.TaskPending), 2, "ui"),
		withMeta(task("2", model.TaskPending), 1, "ui"),
	}
	sel, ok := Select(eligible, map[string]bool{"ui": true}, nil)
	require.True(t, ok)
	assert.Equal(t, "2", sel.ID)
}

func TestSelect_UnlabeledIsDistinct(t *testing.T) {
	eligible := []model.Task{
		withMeta(task("1", model.TaskPending), 0, "ui"),
		withMeta(task("2", model.TaskPending), 3, ""),
	}
	sel, ok := Select(eligible, map[string]bool{"ui": true}, nil)
	require.True(t, ok)
	assert.Equal(t, "2", sel.ID)
}

func TestSelect_PriorityThenID(t *testing.T) {
	eligible := []model.Task{
		withMeta(task("10", model.TaskPending), 1, ""),
		withMeta(task("9", model.TaskPending), 1, ""),
		withMeta(task("1", model.TaskPending), 3, ""),
	}
	sel, ok := Select(eligible, nil, nil)
	require.True(t, ok)
	assert.Equal(t, "9", sel.ID)
}

func TestSelect_Excluded(t *testing.T) {
	eligible := []model.Task{task("1", model.TaskPending), task("2", model.TaskPending)}
	sel, ok := Select(eligible, nil, map[string]bool{"1": true})
	require.True(t, ok)
	assert.Equal(t, "2", sel.ID)

	_, ok = Select(eligible, nil, map[string]bool{"1": true, "2": true})
	assert.False(t, ok)
}

func TestSelect_PriorityOrderAcrossCompletion(t *testing.T) {
	t1 := withMeta(task("T1", model.TaskPending), 0, "")
	t2 := withMeta(task("T2", model.TaskPending, "T1"), 1, "")
	t3 := withMeta(task("T3", model.TaskPending), 2, "")

	sel, ok := Select(Build([]model.Task{t1, t2, t3}).Eligible(), nil, nil)
	require.True(t, ok)
	assert.Equal(t, "T1", sel.ID)

	t1.Status = model.TaskCompleted
	sel, ok = Select(Build([]model.Task{t1, t2, t3}).Eligible(), nil, nil)
	require.True(t, ok)
	assert.Equal(t, "T2", sel.ID)

	t2.Status = model.TaskCompleted
	sel, ok = Select(Build([]model.Task{t1, t2, t3}).Eligible(), nil, nil)
	require.True(t, ok)
	assert.Equal(t, "T3", sel.ID)
}
