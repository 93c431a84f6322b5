package api

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowRunning    WorkflowStatus = "RUNNING"
	WorkflowPaused     WorkflowStatus = "PAUSED"
	WorkflowCompleted  WorkflowStatus = "COMPLETED"
	WorkflowFailed     WorkflowStatus = "FAILED"
	WorkflowTimedOut   WorkflowStatus = "TIMED_OUT"
	WorkflowTerminated WorkflowStatus = "TERMINATED"
)

// IsTerminal reports whether the workflow can no longer transition.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowTimedOut, WorkflowTerminated:
		return true
	}
	return false
}

// IsSuccessful reports whether the workflow ended well.
func (s WorkflowStatus) IsSuccessful() bool {
	return s == WorkflowCompleted
}

// Workflow is the mutable runtime record of one execution of a WorkflowDef.
type Workflow struct {
	ID            string         `json:"workflowId"`
	Name          string         `json:"workflowType"`
	Version       int            `json:"version"`
	Status        WorkflowStatus `json:"status"`
	CorrelationID string         `json:"correlationId,omitempty"`

	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`

	Tasks []*Task `json:"tasks,omitempty"`

	ReRunFromWorkflowID   string `json:"reRunFromWorkflowId,omitempty"`
	ParentWorkflowID      string `json:"parentWorkflowId,omitempty"`
	ReasonForIncompletion string `json:"reasonForIncompletion,omitempty"`
	SchemaVersion         int    `json:"schemaVersion,omitempty"`

	ExternalInputPath  string `json:"externalInputPayloadStoragePath,omitempty"`
	ExternalOutputPath string `json:"externalOutputPayloadStoragePath,omitempty"`

	CreateTime int64 `json:"createTime,omitempty"`
	UpdateTime int64 `json:"updateTime,omitempty"`
	EndTime    int64 `json:"endTime,omitempty"`
}

// TaskByRefName returns the latest non-executed task instance for the given
// reference name, or nil when no such instance exists.
//
// A retried task's predecessor is not marked executed, but its successor
// attempt comes later in the task list and is the one returned.
func (w *Workflow) TaskByRefName(ref string) *Task {
	var found *Task
	for _, t := range w.Tasks {
		if t.ReferenceName == ref && !t.Executed {
			found = t
		}
	}
	return found
}

// TaskByID returns the task instance with the given id, or nil.
func (w *Workflow) TaskByID(id string) *Task {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Copy returns a deep copy of the workflow, including its task list.
func (w *Workflow) Copy() *Workflow {
	c := *w
	c.Input = copyMap(w.Input)
	c.Output = copyMap(w.Output)
	c.Tasks = make([]*Task, len(w.Tasks))
	for i, t := range w.Tasks {
		c.Tasks[i] = t.Copy()
	}
	return &c
}

// SubWorkflowParams names the child workflow started by a SUB_WORKFLOW task.
type SubWorkflowParams struct {
	Name    string `json:"name"`
	Version int    `json:"version,omitempty"`
}

// WorkflowTask is a node in a workflow definition: the template from which
// task instances are mapped.
type WorkflowTask struct {
	Name          string   `json:"name"`
	ReferenceName string   `json:"taskReferenceName"`
	Type          TaskType `json:"type,omitempty"`
	Description   string   `json:"description,omitempty"`

	// Optional tasks do not fail the workflow; a non-successful terminal
	// status is rewritten to COMPLETED_WITH_ERRORS.
	Optional bool `json:"optional,omitempty"`

	InputParameters map[string]any `json:"inputParameters,omitempty"`
	StartDelay      int64          `json:"startDelay,omitempty"`

	// DECISION
	CaseExpression string                    `json:"caseExpression,omitempty"`
	CaseValueParam string                    `json:"caseValueParam,omitempty"`
	DecisionCases  map[string][]WorkflowTask `json:"decisionCases,omitempty"`
	DefaultCase    []WorkflowTask            `json:"defaultCase,omitempty"`

	// FORK / FORK_JOIN_DYNAMIC / JOIN
	ForkTasks                      [][]WorkflowTask `json:"forkTasks,omitempty"`
	JoinOn                         []string         `json:"joinOn,omitempty"`
	DynamicForkTasksParam          string           `json:"dynamicForkTasksParam,omitempty"`
	DynamicForkTasksInputParamName string           `json:"dynamicForkTasksInputParamName,omitempty"`

	// SUB_WORKFLOW
	SubWorkflowParam *SubWorkflowParams `json:"subWorkflowParam,omitempty"`

	// EVENT
	Sink string `json:"sink,omitempty"`
}

// TypeOrDefault returns the template's type tag, defaulting to SIMPLE.
func (t *WorkflowTask) TypeOrDefault() TaskType {
	if t.Type == "" {
		return TaskTypeSimple
	}
	return t.Type
}

// has reports whether this template, or any template nested under its
// branches, carries the given reference name.
func (t *WorkflowTask) has(ref string) bool {
	if t.ReferenceName == ref {
		return true
	}
	for _, branch := range t.children() {
		for i := range branch {
			if branch[i].has(ref) {
				return true
			}
		}
	}
	return false
}

// next returns the template following ref within this template's nested
// branches, or nil when ref is not found inside or is a branch tail.
func (t *WorkflowTask) next(ref string) *WorkflowTask {
	for _, branch := range t.children() {
		for i := range branch {
			if branch[i].ReferenceName == ref {
				if i+1 < len(branch) {
					return &branch[i+1]
				}
				return nil
			}
			if nested := branch[i].next(ref); nested != nil {
				return nested
			}
		}
	}
	return nil
}

func (t *WorkflowTask) children() [][]WorkflowTask {
	var out [][]WorkflowTask
	switch t.TypeOrDefault() {
	case TaskTypeDecision:
		for _, c := range t.DecisionCases {
			out = append(out, c)
		}
		if len(t.DefaultCase) > 0 {
			out = append(out, t.DefaultCase)
		}
	case TaskTypeFork:
		out = append(out, t.ForkTasks...)
	}
	return out
}

// WorkflowDef is a declarative DAG of task templates, identified by
// name + version.
type WorkflowDef struct {
	Name          string         `json:"name"`
	Version       int            `json:"version"`
	Description   string         `json:"description,omitempty"`
	SchemaVersion int            `json:"schemaVersion,omitempty"`
	Tasks         []WorkflowTask `json:"tasks"`

	OutputParameters map[string]any `json:"outputParameters,omitempty"`
}

// TaskByRefName finds the template with the given reference name, searching
// nested decision and fork branches.
func (d *WorkflowDef) TaskByRefName(ref string) *WorkflowTask {
	var find func(tasks []WorkflowTask) *WorkflowTask
	find = func(tasks []WorkflowTask) *WorkflowTask {
		for i := range tasks {
			if tasks[i].ReferenceName == ref {
				return &tasks[i]
			}
			for _, branch := range tasks[i].children() {
				if found := find(branch); found != nil {
					return found
				}
			}
		}
		return nil
	}
	return find(d.Tasks)
}

// NextTask returns the template that follows the given reference name in
// the definition, or nil at the end of the flow.
//
// Inside a decision branch the successor is the next template of that
// branch, falling through to the template after the decision when the
// branch is exhausted. Fork branches do not fall through; their tails are
// collected by the join.
func (d *WorkflowDef) NextTask(ref string) *WorkflowTask {
	for i := range d.Tasks {
		task := &d.Tasks[i]
		if task.ReferenceName == ref {
			if i+1 < len(d.Tasks) {
				return &d.Tasks[i+1]
			}
			return nil
		}
		if !task.has(ref) {
			continue
		}
		if n := task.next(ref); n != nil {
			return n
		}
		if task.TypeOrDefault() == TaskTypeDecision && i+1 < len(d.Tasks) {
			return &d.Tasks[i+1]
		}
		return nil
	}
	return nil
}

// RetryLogic selects how retry delays grow across attempts.
type RetryLogic string

const (
	RetryFixed              RetryLogic = "FIXED"
	RetryExponentialBackoff RetryLogic = "EXPONENTIAL_BACKOFF"
)

// TimeoutPolicy selects what happens when a task exceeds its timeout.
type TimeoutPolicy string

const (
	TimeoutAlertOnly     TimeoutPolicy = "ALERT_ONLY"
	TimeoutRetry         TimeoutPolicy = "RETRY"
	TimeoutTimeOutWF     TimeoutPolicy = "TIME_OUT_WF"
	defaultTimeoutPolicy               = TimeoutTimeOutWF
)

// TaskDef is the registered definition of a task type: retry and timeout
// behavior shared by every instance of that type.
type TaskDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	RetryCount        int        `json:"retryCount"`
	RetryDelaySeconds int64      `json:"retryDelaySeconds,omitempty"`
	RetryLogic        RetryLogic `json:"retryLogic,omitempty"`

	TimeoutSeconds         int64         `json:"timeoutSeconds,omitempty"`
	TimeoutPolicy          TimeoutPolicy `json:"timeoutPolicy,omitempty"`
	ResponseTimeoutSeconds int64         `json:"responseTimeoutSeconds,omitempty"`

	// ConcurrentExecLimit caps the number of IN_PROGRESS instances across
	// all workflows; polls beyond the cap are dropped.
	ConcurrentExecLimit int `json:"concurrentExecLimit,omitempty"`

	InputKeys  []string `json:"inputKeys,omitempty"`
	OutputKeys []string `json:"outputKeys,omitempty"`
}

// TimeoutPolicyOrDefault returns the configured policy, defaulting to
// TIME_OUT_WF.
func (d *TaskDef) TimeoutPolicyOrDefault() TimeoutPolicy {
	if d.TimeoutPolicy == "" {
		return defaultTimeoutPolicy
	}
	return d.TimeoutPolicy
}

// RetryLogicOrDefault returns the configured retry logic, defaulting to
// FIXED.
func (d *TaskDef) RetryLogicOrDefault() RetryLogic {
	if d.RetryLogic == "" {
		return RetryFixed
	}
	return d.RetryLogic
}
