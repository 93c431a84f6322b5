package decider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/maestro/pkg/api"
)

func refNames(tasks []*api.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ReferenceName
	}
	return out
}

// A fresh decision workflow schedules the decision marker and the selected
// branch head together.
func TestMapper_DecisionSelectsBranch(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:          "deciding",
		Version:       1,
		SchemaVersion: 2,
		Tasks: []api.WorkflowTask{
			{
				Name:           "decide_path",
				ReferenceName:  "D",
				Type:           api.TaskTypeDecision,
				CaseValueParam: "case",
				InputParameters: map[string]any{
					"case": "${workflow.input.path}",
				},
				DecisionCases: map[string][]api.WorkflowTask{
					"fast": {{Name: "taskFast", ReferenceName: "F"}},
					"slow": {{Name: "taskSlow", ReferenceName: "S"}},
				},
				DefaultCase: []api.WorkflowTask{{Name: "taskDefault", ReferenceName: "DF"}},
			},
		},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	w.Name = def.Name
	w.Input = map[string]any{"path": "fast"}

	out, err := f.decider.Decide(context.Background(), w, def)
	require.NoError(t, err)
	require.Equal(t, []string{"D", "F"}, refNames(out.TasksToBeScheduled))

	decision := out.TasksToBeScheduled[0]
	assert.Equal(t, api.TaskTypeDecision, decision.Type)
	assert.Equal(t, api.TaskInProgress, decision.Status)
	assert.Equal(t, "fast", decision.Input["case"])
	assert.Equal(t, true, decision.Input["hasChildren"])
}

// An unmatched case falls into the default branch.
func TestMapper_DecisionFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:          "deciding",
		Version:       1,
		SchemaVersion: 2,
		Tasks: []api.WorkflowTask{
			{
				Name:           "decide_path",
				ReferenceName:  "D",
				Type:           api.TaskTypeDecision,
				CaseValueParam: "case",
				InputParameters: map[string]any{
					"case": "${workflow.input.path}",
				},
				DecisionCases: map[string][]api.WorkflowTask{
					"fast": {{Name: "taskFast", ReferenceName: "F"}},
				},
				DefaultCase: []api.WorkflowTask{{Name: "taskDefault", ReferenceName: "DF"}},
			},
		},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	w.Input = map[string]any{"path": "unknown"}

	out, err := f.decider.Decide(context.Background(), w, def)
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "DF"}, refNames(out.TasksToBeScheduled))
}

// A case expression computes the branch from the resolved input.
func TestMapper_DecisionCaseExpression(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:          "deciding",
		Version:       1,
		SchemaVersion: 2,
		Tasks: []api.WorkflowTask{
			{
				Name:           "decide_path",
				ReferenceName:  "D",
				Type:           api.TaskTypeDecision,
				CaseExpression: `value > 3 ? "big" : "small"`,
				InputParameters: map[string]any{
					"value": "${workflow.input.value}",
				},
				DecisionCases: map[string][]api.WorkflowTask{
					"big":   {{Name: "taskBig", ReferenceName: "BIG"}},
					"small": {{Name: "taskSmall", ReferenceName: "SMALL"}},
				},
			},
		},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	w.Input = map[string]any{"value": 5}

	out, err := f.decider.Decide(context.Background(), w, def)
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "BIG"}, refNames(out.TasksToBeScheduled))
}

// A static fork schedules the marker, every branch head and the join.
func TestMapper_StaticFork(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:    "forking",
		Version: 1,
		Tasks: []api.WorkflowTask{
			{
				Name:          "fan_out",
				ReferenceName: "F",
				Type:          api.TaskTypeFork,
				ForkTasks: [][]api.WorkflowTask{
					{{Name: "taskB1", ReferenceName: "B1"}},
					{{Name: "taskB2", ReferenceName: "B2"}},
				},
			},
			{
				Name:          "fan_in",
				ReferenceName: "J",
				Type:          api.TaskTypeJoin,
				JoinOn:        []string{"B1", "B2"},
			},
		},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	out, err := f.decider.Decide(context.Background(), w, def)
	require.NoError(t, err)
	require.Equal(t, []string{"F", "B1", "B2", "J"}, refNames(out.TasksToBeScheduled))

	fork := out.TasksToBeScheduled[0]
	assert.Equal(t, api.TaskCompleted, fork.Status)

	join := out.TasksToBeScheduled[3]
	assert.Equal(t, api.TaskTypeJoin, join.Type)
	assert.Equal(t, api.TaskInProgress, join.Status)
	assert.Equal(t, []string{"B1", "B2"}, joinRefs(t, join))
}

// A dynamic fork resolves its fan-out and per-branch inputs from data.
func TestMapper_DynamicFork(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:          "dynfork",
		Version:       1,
		SchemaVersion: 2,
		Tasks: []api.WorkflowTask{
			{
				Name:                           "fan_out",
				ReferenceName:                  "DF",
				Type:                           api.TaskTypeForkJoinDynamic,
				DynamicForkTasksParam:          "forkedTasks",
				DynamicForkTasksInputParamName: "forkedTaskInputs",
				InputParameters: map[string]any{
					"forkedTasks":      "${workflow.input.forkedTasks}",
					"forkedTaskInputs": "${workflow.input.forkedTaskInputs}",
				},
			},
			{
				Name:          "fan_in",
				ReferenceName: "J",
				Type:          api.TaskTypeJoin,
			},
		},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	w.Input = map[string]any{
		"forkedTasks": []any{
			map[string]any{"name": "taskD1", "taskReferenceName": "D1"},
			map[string]any{"name": "taskD2", "taskReferenceName": "D2"},
		},
		"forkedTaskInputs": map[string]any{
			"D1": map[string]any{"shard": 1.0},
			"D2": map[string]any{"shard": 2.0},
		},
	}

	out, err := f.decider.Decide(context.Background(), w, def)
	require.NoError(t, err)
	require.Equal(t, []string{"DF", "D1", "D2", "J"}, refNames(out.TasksToBeScheduled))

	d1 := out.TasksToBeScheduled[1]
	assert.Equal(t, map[string]any{"shard": 1.0}, d1.Input)

	join := out.TasksToBeScheduled[3]
	assert.Equal(t, []string{"D1", "D2"}, joinRefs(t, join))
}

// A sub-workflow task carries the child workflow coordinates in its input.
func TestMapper_SubWorkflow(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:    "parent",
		Version: 1,
		Tasks: []api.WorkflowTask{
			{
				Name:             "spawn_child",
				ReferenceName:    "SW",
				Type:             api.TaskTypeSubWorkflow,
				SubWorkflowParam: &api.SubWorkflowParams{Name: "child", Version: 2},
			},
		},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	out, err := f.decider.Decide(context.Background(), w, def)
	require.NoError(t, err)
	require.Len(t, out.TasksToBeScheduled, 1)

	sub := out.TasksToBeScheduled[0]
	assert.Equal(t, api.TaskTypeSubWorkflow, sub.Type)
	assert.Equal(t, "child", sub.Input["subWorkflowName"])
	assert.Equal(t, 2, sub.Input["subWorkflowVersion"])
}

// WAIT tasks start in progress; EVENT tasks record their sink.
func TestMapper_WaitAndEvent(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:    "misc",
		Version: 1,
		Tasks: []api.WorkflowTask{
			{Name: "hold", ReferenceName: "W", Type: api.TaskTypeWait},
			{Name: "notify", ReferenceName: "E", Type: api.TaskTypeEvent, Sink: "events:audit"},
		},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	out, err := f.decider.Decide(context.Background(), w, def)
	require.NoError(t, err)
	require.Len(t, out.TasksToBeScheduled, 1)
	wait := out.TasksToBeScheduled[0]
	assert.Equal(t, api.TaskTypeWait, wait.Type)
	assert.Equal(t, api.TaskInProgress, wait.Status)

	w.Tasks = append(w.Tasks, wait)
	wait.Status = api.TaskCompleted

	out, err = f.decider.Decide(context.Background(), w, def)
	require.NoError(t, err)
	require.Len(t, out.TasksToBeScheduled, 1)
	event := out.TasksToBeScheduled[0]
	assert.Equal(t, api.TaskTypeEvent, event.Type)
	assert.Equal(t, "events:audit", event.Input["sink"])
}

func joinRefs(t *testing.T, join *api.Task) []string {
	t.Helper()
	raw, ok := join.Input["joinOn"]
	require.True(t, ok)
	switch refs := raw.(type) {
	case []string:
		return refs
	case []any:
		out := make([]string, 0, len(refs))
		for _, r := range refs {
			out = append(out, r.(string))
		}
		return out
	}
	t.Fatalf("unexpected joinOn type %T", raw)
	return nil
}
