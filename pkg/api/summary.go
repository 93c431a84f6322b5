package api

// WorkflowSummary is the search-result projection of a workflow instance.
type WorkflowSummary struct {
	WorkflowID            string         `json:"workflowId"`
	WorkflowType          string         `json:"workflowType"`
	Version               int            `json:"version"`
	Status                WorkflowStatus `json:"status"`
	CorrelationID         string         `json:"correlationId,omitempty"`
	ReasonForIncompletion string         `json:"reasonForIncompletion,omitempty"`
	CreateTime            int64          `json:"createTime,omitempty"`
	UpdateTime            int64          `json:"updateTime,omitempty"`
	EndTime               int64          `json:"endTime,omitempty"`
}

// NewWorkflowSummary projects a workflow instance.
func NewWorkflowSummary(w *Workflow) WorkflowSummary {
	return WorkflowSummary{
		WorkflowID:            w.ID,
		WorkflowType:          w.Name,
		Version:               w.Version,
		Status:                w.Status,
		CorrelationID:         w.CorrelationID,
		ReasonForIncompletion: w.ReasonForIncompletion,
		CreateTime:            w.CreateTime,
		UpdateTime:            w.UpdateTime,
		EndTime:               w.EndTime,
	}
}

// TaskSummary is the search-result projection of a task instance.
type TaskSummary struct {
	TaskID                string     `json:"taskId"`
	TaskType              TaskType   `json:"taskType"`
	TaskDefName           string     `json:"taskDefName"`
	ReferenceName         string     `json:"referenceTaskName"`
	Status                TaskStatus `json:"status"`
	WorkflowID            string     `json:"workflowId"`
	WorkflowType          string     `json:"workflowType,omitempty"`
	ReasonForIncompletion string     `json:"reasonForIncompletion,omitempty"`
	ScheduledTime         int64      `json:"scheduledTime,omitempty"`
	StartTime             int64      `json:"startTime,omitempty"`
	UpdateTime            int64      `json:"updateTime,omitempty"`
	EndTime               int64      `json:"endTime,omitempty"`
	QueueWaitTime         int64      `json:"queueWaitTime,omitempty"`
}

// NewTaskSummary projects a task instance.
func NewTaskSummary(t *Task) TaskSummary {
	return TaskSummary{
		TaskID:                t.ID,
		TaskType:              t.Type,
		TaskDefName:           t.DefName,
		ReferenceName:         t.ReferenceName,
		Status:                t.Status,
		WorkflowID:            t.WorkflowID,
		WorkflowType:          t.WorkflowType,
		ReasonForIncompletion: t.ReasonForIncompletion,
		ScheduledTime:         t.ScheduledTime,
		StartTime:             t.StartTime,
		UpdateTime:            t.UpdateTime,
		EndTime:               t.EndTime,
		QueueWaitTime:         t.QueueWaitTime(),
	}
}
