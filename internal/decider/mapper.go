package decider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/maestro/internal/idgen"
	"github.com/petrijr/maestro/pkg/api"
)

// MapperContext carries everything a task mapper needs to materialize task
// instances from a template. Mappers must be deterministic given their
// context and must not mutate the workflow.
type MapperContext struct {
	Def      *api.WorkflowDef
	Workflow *api.Workflow // payload-populated copy
	TaskDef  *api.TaskDef
	Template *api.WorkflowTask

	// Input is the resolved input-parameter map for the template.
	Input map[string]any

	RetryCount    int
	RetriedTaskID string

	// TaskID is the freshly generated id for the primary task; IDs yields
	// further ids for mappers that emit more than one task.
	TaskID string
	IDs    idgen.Generator

	// Now is the decider's evaluation timestamp in epoch milliseconds.
	Now int64

	// Decider allows recursive mapping of nested templates (decision
	// branches, fork branch heads).
	Decider *Decider
}

// TaskMapper materializes one or more task instances from a template.
type TaskMapper func(ctx context.Context, mc *MapperContext) ([]*api.Task, error)

// MapperRegistry dispatches templates to mappers by task-type tag. The set
// of supported tags is closed at construction time; Register replaces or
// extends it before first use.
type MapperRegistry struct {
	mappers map[api.TaskType]TaskMapper
}

// NewMapperRegistry returns a registry with all built-in mappers installed.
func NewMapperRegistry() *MapperRegistry {
	r := &MapperRegistry{mappers: make(map[api.TaskType]TaskMapper)}
	r.Register(api.TaskTypeSimple, mapSimpleTask)
	r.Register(api.TaskTypeUserDefined, mapSimpleTask)
	r.Register(api.TaskTypeDecision, mapDecisionTask)
	r.Register(api.TaskTypeFork, mapForkTask)
	r.Register(api.TaskTypeForkJoinDynamic, mapDynamicForkTask)
	r.Register(api.TaskTypeJoin, mapJoinTask)
	r.Register(api.TaskTypeSubWorkflow, mapSubWorkflowTask)
	r.Register(api.TaskTypeWait, mapWaitTask)
	r.Register(api.TaskTypeEvent, mapEventTask)
	return r
}

// Register installs or replaces the mapper for a type tag.
func (r *MapperRegistry) Register(t api.TaskType, m TaskMapper) {
	r.mappers[t] = m
}

// Get returns the mapper for a type tag.
func (r *MapperRegistry) Get(t api.TaskType) (TaskMapper, bool) {
	m, ok := r.mappers[t]
	return m, ok
}

// baseTask fills the fields shared by every mapped task.
func baseTask(mc *MapperContext, id string) *api.Task {
	tpl := mc.Template
	return &api.Task{
		ID:                   id,
		WorkflowID:           mc.Workflow.ID,
		WorkflowType:         mc.Workflow.Name,
		ReferenceName:        tpl.ReferenceName,
		DefName:              tpl.Name,
		Type:                 tpl.TypeOrDefault(),
		Status:               api.TaskScheduled,
		Input:                mc.Input,
		ScheduledTime:        mc.Now,
		StartDelaySeconds:    tpl.StartDelay,
		CallbackAfterSeconds: tpl.StartDelay,
		RetryCount:           mc.RetryCount,
		RetriedTaskID:        mc.RetriedTaskID,
		WorkflowTask:         tpl,
	}
}

// mapSimpleTask is the 1:1 mapping for worker-executed tasks. The instance
// type tag becomes the definition name, which is what workers poll by and
// what names the task's queue.
func mapSimpleTask(ctx context.Context, mc *MapperContext) ([]*api.Task, error) {
	t := baseTask(mc, mc.TaskID)
	if mc.Template.Name != "" {
		t.Type = api.TaskType(mc.Template.Name)
	}
	return []*api.Task{t}, nil
}

// mapDecisionTask evaluates the case and emits the decision marker followed
// by the head of the selected branch. The marker carries hasChildren so a
// later decide pass does not walk past it into the linear flow.
func mapDecisionTask(ctx context.Context, mc *MapperContext) ([]*api.Task, error) {
	caseValue := mc.Decider.evaluateCase(mc.Template, mc.Input)

	branch, ok := mc.Template.DecisionCases[caseValue]
	if !ok {
		branch = mc.Template.DefaultCase
	}

	decision := baseTask(mc, mc.TaskID)
	decision.Status = api.TaskInProgress
	decision.StartTime = mc.Now
	decision.Input = map[string]any{
		"case":        caseValue,
		"hasChildren": true,
	}

	tasks := []*api.Task{decision}
	if len(branch) > 0 {
		children, err := mc.Decider.mapTemplate(ctx, mc.Def, mc.Workflow, &branch[0], mc.RetryCount, "")
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, children...)
	}
	return tasks, nil
}

// mapForkTask emits the fork marker, the head of each branch and the join
// that collects them. The template following the fork must be a JOIN.
func mapForkTask(ctx context.Context, mc *MapperContext) ([]*api.Task, error) {
	fork := baseTask(mc, mc.TaskID)
	fork.Status = api.TaskCompleted
	fork.StartTime = mc.Now
	fork.EndTime = mc.Now

	tasks := []*api.Task{fork}
	for i := range mc.Template.ForkTasks {
		branch := mc.Template.ForkTasks[i]
		if len(branch) == 0 {
			continue
		}
		head, err := mc.Decider.mapTemplate(ctx, mc.Def, mc.Workflow, &branch[0], mc.RetryCount, "")
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, head...)
	}

	joinTemplate := mc.Def.NextTask(mc.Template.ReferenceName)
	if joinTemplate == nil || joinTemplate.TypeOrDefault() != api.TaskTypeJoin {
		return nil, fmt.Errorf("fork %s is not followed by a join", mc.Template.ReferenceName)
	}
	join := joinFromTemplate(mc, joinTemplate, joinTemplate.JoinOn)
	return append(tasks, join), nil
}

// mapDynamicForkTask resolves the fan-out at runtime from the resolved
// input: the template list under DynamicForkTasksParam and their inputs
// under DynamicForkTasksInputParamName.
func mapDynamicForkTask(ctx context.Context, mc *MapperContext) ([]*api.Task, error) {
	templates, err := dynamicForkTemplates(mc.Template, mc.Input)
	if err != nil {
		return nil, err
	}
	inputs, _ := mc.Input[mc.Template.DynamicForkTasksInputParamName].(map[string]any)

	fork := baseTask(mc, mc.TaskID)
	fork.Type = api.TaskTypeFork
	fork.Status = api.TaskCompleted
	fork.StartTime = mc.Now
	fork.EndTime = mc.Now

	tasks := []*api.Task{fork}
	joinOn := make([]string, 0, len(templates))
	for i := range templates {
		tpl := &templates[i]
		joinOn = append(joinOn, tpl.ReferenceName)

		branchInput, _ := inputs[tpl.ReferenceName].(map[string]any)
		branch, err := mc.Decider.mapTemplateWithInput(ctx, mc.Def, mc.Workflow, tpl, branchInput, mc.RetryCount, "")
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, branch...)
	}

	joinTemplate := mc.Def.NextTask(mc.Template.ReferenceName)
	if joinTemplate == nil || joinTemplate.TypeOrDefault() != api.TaskTypeJoin {
		return nil, fmt.Errorf("dynamic fork %s is not followed by a join", mc.Template.ReferenceName)
	}
	join := joinFromTemplate(mc, joinTemplate, joinOn)
	return append(tasks, join), nil
}

func dynamicForkTemplates(tpl *api.WorkflowTask, input map[string]any) ([]api.WorkflowTask, error) {
	raw, ok := input[tpl.DynamicForkTasksParam]
	if !ok {
		return nil, fmt.Errorf("dynamic fork %s: input %q missing", tpl.ReferenceName, tpl.DynamicForkTasksParam)
	}
	// The fan-out arrives as loosely typed data; round-trip through JSON to
	// produce templates.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var templates []api.WorkflowTask
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("dynamic fork %s: %w", tpl.ReferenceName, err)
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("dynamic fork %s resolved to no tasks", tpl.ReferenceName)
	}
	return templates, nil
}

func joinFromTemplate(mc *MapperContext, tpl *api.WorkflowTask, joinOn []string) *api.Task {
	join := &api.Task{
		ID:            mc.IDs.Generate(),
		WorkflowID:    mc.Workflow.ID,
		WorkflowType:  mc.Workflow.Name,
		ReferenceName: tpl.ReferenceName,
		DefName:       tpl.Name,
		Type:          api.TaskTypeJoin,
		Status:        api.TaskInProgress,
		ScheduledTime: mc.Now,
		StartTime:     mc.Now,
		Input:         map[string]any{"joinOn": joinOn},
		WorkflowTask:  tpl,
	}
	return join
}

// mapJoinTask emits a standalone join; forks normally pre-create their
// join, so this covers joins scheduled directly.
func mapJoinTask(ctx context.Context, mc *MapperContext) ([]*api.Task, error) {
	join := baseTask(mc, mc.TaskID)
	join.Status = api.TaskInProgress
	join.StartTime = mc.Now
	join.Input = map[string]any{"joinOn": mc.Template.JoinOn}
	return []*api.Task{join}, nil
}

// mapSubWorkflowTask emits a task carrying the child workflow coordinates;
// starting the child is the embedding application's concern.
func mapSubWorkflowTask(ctx context.Context, mc *MapperContext) ([]*api.Task, error) {
	sub := baseTask(mc, mc.TaskID)
	if sub.Input == nil {
		sub.Input = make(map[string]any)
	}
	if p := mc.Template.SubWorkflowParam; p != nil {
		if _, ok := sub.Input["subWorkflowName"]; !ok {
			sub.Input["subWorkflowName"] = p.Name
		}
		if _, ok := sub.Input["subWorkflowVersion"]; !ok {
			sub.Input["subWorkflowVersion"] = p.Version
		}
	}
	return []*api.Task{sub}, nil
}

// mapWaitTask emits an in-progress task that parks until an external update
// completes it.
func mapWaitTask(ctx context.Context, mc *MapperContext) ([]*api.Task, error) {
	wait := baseTask(mc, mc.TaskID)
	wait.Status = api.TaskInProgress
	wait.StartTime = mc.Now
	return []*api.Task{wait}, nil
}

// mapEventTask emits a task that records its sink queue name; publishing is
// handled outside the core.
func mapEventTask(ctx context.Context, mc *MapperContext) ([]*api.Task, error) {
	event := baseTask(mc, mc.TaskID)
	if event.Input == nil {
		event.Input = make(map[string]any)
	}
	event.Input["sink"] = mc.Template.Sink
	return []*api.Task{event}, nil
}

// nowMillis converts the decider clock to the epoch-millisecond timestamps
// carried on tasks.
func nowMillis(clock func() time.Time) int64 {
	return clock().UnixMilli()
}
