package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/maestro/pkg/api"
)

type fakeService struct {
	tasks   []*api.Task
	acked   []string
	results []*api.TaskResult
}

func (f *fakeService) PollOne(ctx context.Context, taskType, workerID, domain string, timeout time.Duration) (*api.Task, error) {
	if len(f.tasks) == 0 {
		return nil, nil
	}
	t := f.tasks[0]
	f.tasks = f.tasks[1:]
	return t, nil
}

func (f *fakeService) Ack(ctx context.Context, taskID string) (bool, error) {
	f.acked = append(f.acked, taskID)
	return true, nil
}

func (f *fakeService) UpdateTask(ctx context.Context, result *api.TaskResult) error {
	f.results = append(f.results, result)
	return nil
}

func TestWorker_CompletesTask(t *testing.T) {
	svc := &fakeService{tasks: []*api.Task{{ID: "t-1", WorkflowID: "wf-1", Type: "encode"}}}
	w := New(svc, "encode", "w1", func(ctx context.Context, task *api.Task) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	assert.Equal(t, []string{"t-1"}, svc.acked)
	require.Len(t, svc.results, 1)
	result := svc.results[0]
	assert.Equal(t, api.ResultCompleted, result.Status)
	assert.Equal(t, map[string]any{"ok": true}, result.Output)
	assert.Equal(t, "w1", result.WorkerID)
}

func TestWorker_FailsTaskWithReason(t *testing.T) {
	svc := &fakeService{tasks: []*api.Task{{ID: "t-1", WorkflowID: "wf-1", Type: "encode"}}}
	w := New(svc, "encode", "w1", func(ctx context.Context, task *api.Task) (map[string]any, error) {
		return nil, errors.New("cannot reach upstream")
	})

	processed, err := w.ProcessOne(context.Background())
	assert.True(t, processed)
	assert.EqualError(t, err, "cannot reach upstream")

	require.Len(t, svc.results, 1)
	result := svc.results[0]
	assert.Equal(t, api.ResultFailed, result.Status)
	assert.Equal(t, "cannot reach upstream", result.ReasonForIncompletion)
}

func TestWorker_NothingAvailable(t *testing.T) {
	svc := &fakeService{}
	w := New(svc, "encode", "w1", func(ctx context.Context, task *api.Task) (map[string]any, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})

	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Empty(t, svc.results)
}
