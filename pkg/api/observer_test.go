package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompositeObserver_FiltersNilAndFansOut(t *testing.T) {
	assert.IsType(t, NoopObserver{}, NewCompositeObserver())
	assert.IsType(t, NoopObserver{}, NewCompositeObserver(nil, nil))

	single := &BasicMetrics{}
	assert.Same(t, single, NewCompositeObserver(nil, single, nil).(*BasicMetrics))

	m1 := &BasicMetrics{}
	m2 := &BasicMetrics{}
	combined := NewCompositeObserver(m1, m2)

	ctx := context.Background()
	w := &Workflow{ID: "wf-1", Name: "order"}
	combined.OnWorkflowStart(ctx, w)
	combined.OnWorkflowCompleted(ctx, w)

	assert.Equal(t, int64(1), m1.Snapshot().WorkflowsStarted)
	assert.Equal(t, int64(1), m2.Snapshot().WorkflowsCompleted)
}

func TestBasicMetrics_Snapshot(t *testing.T) {
	m := &BasicMetrics{}
	ctx := context.Background()
	w := &Workflow{ID: "wf-1"}
	task := &Task{ID: "t-1", DefName: "encode"}

	m.OnWorkflowStart(ctx, w)
	m.OnWorkflowStart(ctx, w)
	m.OnWorkflowCompleted(ctx, w)
	m.OnWorkflowTerminated(ctx, w)
	m.OnTaskScheduled(ctx, task)
	m.OnTaskPoll(ctx, "encode")
	m.OnTaskTimeout(ctx, task)
	m.OnTaskResponseTimeout(ctx, "encode")
	m.OnTaskRetry(ctx, task, 1)
	m.OnQueueWait(ctx, "encode", 100*time.Millisecond)
	m.OnQueueWait(ctx, "encode", 300*time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.WorkflowsStarted)
	assert.Equal(t, int64(1), snap.WorkflowsCompleted)
	assert.Equal(t, int64(1), snap.WorkflowsTerminated)
	assert.Equal(t, int64(0), snap.RunningWorkflows)
	assert.Equal(t, int64(1), snap.TasksScheduled)
	assert.Equal(t, int64(1), snap.TaskPolls)
	assert.Equal(t, int64(1), snap.TaskTimeouts)
	assert.Equal(t, int64(1), snap.ResponseTimeouts)
	assert.Equal(t, int64(1), snap.TaskRetries)
	assert.Equal(t, 200*time.Millisecond, snap.AvgQueueWait)
}
