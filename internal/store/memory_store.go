package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/petrijr/maestro/pkg/api"
)

// MemoryStore is a goroutine-safe implementation of MetadataStore,
// ExecutionStore and IndexStore backed by maps. It is the default for tests
// and single-process deployments.
type MemoryStore struct {
	mu sync.RWMutex

	workflowDefs map[string]map[int]*api.WorkflowDef
	taskDefs     map[string]*api.TaskDef

	workflows map[string]*api.Workflow
	tasks     map[string]*api.Task
	// taskOrder preserves scheduling order per workflow id.
	taskOrder map[string][]string

	pollData map[string]api.PollData // key: queueName/domain/workerId
	taskLogs map[string][]api.TaskExecLog
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflowDefs: make(map[string]map[int]*api.WorkflowDef),
		taskDefs:     make(map[string]*api.TaskDef),
		workflows:    make(map[string]*api.Workflow),
		tasks:        make(map[string]*api.Task),
		taskOrder:    make(map[string][]string),
		pollData:     make(map[string]api.PollData),
		taskLogs:     make(map[string][]api.TaskExecLog),
	}
}

// Ensure MemoryStore implements the store interfaces.
var (
	_ MetadataStore  = (*MemoryStore)(nil)
	_ ExecutionStore = (*MemoryStore)(nil)
	_ IndexStore     = (*MemoryStore)(nil)
)

func (s *MemoryStore) SaveWorkflowDef(def *api.WorkflowDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.workflowDefs[def.Name]
	if !ok {
		versions = make(map[int]*api.WorkflowDef)
		s.workflowDefs[def.Name] = versions
	}
	versions[def.Version] = def
	return nil
}

func (s *MemoryStore) GetWorkflowDef(name string, version int) (*api.WorkflowDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.workflowDefs[name][version]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	return def, nil
}

func (s *MemoryStore) GetLatestWorkflowDef(name string) (*api.WorkflowDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.workflowDefs[name]
	if !ok || len(versions) == 0 {
		return nil, ErrDefinitionNotFound
	}
	best := -1
	for v := range versions {
		if v > best {
			best = v
		}
	}
	return versions[best], nil
}

func (s *MemoryStore) AllWorkflowDefs() ([]*api.WorkflowDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var defs []*api.WorkflowDef
	for _, versions := range s.workflowDefs {
		for _, def := range versions {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Name == defs[j].Name {
			return defs[i].Version < defs[j].Version
		}
		return defs[i].Name < defs[j].Name
	})
	return defs, nil
}

func (s *MemoryStore) SaveTaskDef(def *api.TaskDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskDefs[def.Name] = def
	return nil
}

func (s *MemoryStore) GetTaskDef(name string) (*api.TaskDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.taskDefs[name]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	return def, nil
}

func (s *MemoryStore) CreateWorkflow(ctx context.Context, w *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeWorkflow(w)
	return nil
}

func (s *MemoryStore) UpdateWorkflow(ctx context.Context, w *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[w.ID]; !ok {
		return ErrWorkflowNotFound
	}
	s.storeWorkflow(w)
	return nil
}

// storeWorkflow keeps the workflow record without its task list; tasks are
// stored individually and reattached on read.
func (s *MemoryStore) storeWorkflow(w *api.Workflow) {
	c := w.Copy()
	for _, t := range c.Tasks {
		s.storeTask(t)
	}
	c.Tasks = nil
	s.workflows[w.ID] = c
}

func (s *MemoryStore) storeTask(t *api.Task) {
	if _, ok := s.tasks[t.ID]; !ok {
		s.taskOrder[t.WorkflowID] = append(s.taskOrder[t.WorkflowID], t.ID)
	}
	s.tasks[t.ID] = t.Copy()
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string, includeTasks bool) (*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	c := w.Copy()
	if includeTasks {
		for _, taskID := range s.taskOrder[id] {
			if t, ok := s.tasks[taskID]; ok {
				c.Tasks = append(c.Tasks, t.Copy())
			}
		}
	}
	return c, nil
}

func (s *MemoryStore) RemoveWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return ErrWorkflowNotFound
	}
	delete(s.workflows, id)
	for _, taskID := range s.taskOrder[id] {
		delete(s.tasks, taskID)
		delete(s.taskLogs, taskID)
	}
	delete(s.taskOrder, id)
	return nil
}

func (s *MemoryStore) RunningWorkflowIDs(ctx context.Context, workflowName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, w := range s.workflows {
		if w.Name == workflowName && w.Status == api.WorkflowRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) WorkflowsByCorrelationID(ctx context.Context, correlationID string, includeTasks bool) ([]*api.Workflow, error) {
	s.mu.RLock()
	ids := make([]string, 0)
	for id, w := range s.workflows {
		if w.CorrelationID == correlationID {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	out := make([]*api.Workflow, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorkflow(ctx, id, includeTasks)
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *MemoryStore) CreateTasks(ctx context.Context, tasks []*api.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.storeTask(t)
	}
	return nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, t *api.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	s.tasks[t.ID] = t.Copy()
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Copy(), nil
}

func (s *MemoryStore) TasksForType(ctx context.Context, taskType, startKey string, count int) ([]*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)
	for id, t := range s.tasks {
		if string(t.Type) == taskType {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	start := 0
	if startKey != "" {
		start = sort.SearchStrings(ids, startKey)
		if start < len(ids) && ids[start] == startKey {
			start++
		}
	}
	out := make([]*api.Task, 0, count)
	for _, id := range ids[start:] {
		if len(out) >= count {
			break
		}
		out = append(out, s.tasks[id].Copy())
	}
	return out, nil
}

func (s *MemoryStore) PendingTasksForType(ctx context.Context, taskType string) ([]*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Task
	for _, t := range s.tasks {
		if string(t.Type) == taskType && !t.Status.IsTerminal() {
			out = append(out, t.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PendingTaskForWorkflow(ctx context.Context, refName, workflowID string) (*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, taskID := range s.taskOrder[workflowID] {
		t, ok := s.tasks[taskID]
		if !ok {
			continue
		}
		if t.ReferenceName == refName && !t.Executed {
			return t.Copy(), nil
		}
	}
	return nil, ErrTaskNotFound
}

func (s *MemoryStore) InProgressCount(ctx context.Context, taskDefName string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.tasks {
		if t.DefName == taskDefName && t.Status == api.TaskInProgress {
			n++
		}
	}
	return n, nil
}

func pollKey(d api.PollData) string {
	return d.QueueName + "/" + d.Domain + "/" + d.WorkerID
}

func (s *MemoryStore) UpdateLastPoll(ctx context.Context, d api.PollData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollData[pollKey(d)] = d
	return nil
}

func (s *MemoryStore) PollData(ctx context.Context, taskType string) ([]api.PollData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []api.PollData
	for _, d := range s.pollData {
		if d.QueueName == taskType {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return pollKey(out[i]) < pollKey(out[j]) })
	return out, nil
}

func (s *MemoryStore) AddTaskExecLogs(ctx context.Context, logs []api.TaskExecLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range logs {
		s.taskLogs[l.TaskID] = append(s.taskLogs[l.TaskID], l)
	}
	return nil
}

func (s *MemoryStore) TaskExecLogs(ctx context.Context, taskID string) ([]api.TaskExecLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]api.TaskExecLog(nil), s.taskLogs[taskID]...), nil
}

// IndexWorkflow is a no-op beyond what the execution maps already hold;
// the memory index searches live records directly.
func (s *MemoryStore) IndexWorkflow(ctx context.Context, w *api.Workflow) error { return nil }

// IndexTask mirrors IndexWorkflow.
func (s *MemoryStore) IndexTask(ctx context.Context, t *api.Task) error { return nil }

func (s *MemoryStore) SearchWorkflows(ctx context.Context, query, freeText string, start, size int) (api.SearchResult[string], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms, err := parseQuery(query)
	if err != nil {
		return api.SearchResult[string]{}, err
	}

	var matched []*api.Workflow
	for _, w := range s.workflows {
		doc := map[string]string{
			"workflowId":    w.ID,
			"workflowType":  w.Name,
			"status":        string(w.Status),
			"correlationId": w.CorrelationID,
		}
		if matchesQuery(doc, terms, freeText) {
			matched = append(matched, w)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdateTime == matched[j].UpdateTime {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdateTime > matched[j].UpdateTime
	})

	ids := make([]string, len(matched))
	for i, w := range matched {
		ids[i] = w.ID
	}
	return pageIDs(ids, start, size), nil
}

func (s *MemoryStore) SearchTasks(ctx context.Context, query, freeText string, start, size int) (api.SearchResult[string], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms, err := parseQuery(query)
	if err != nil {
		return api.SearchResult[string]{}, err
	}

	var matched []*api.Task
	for _, t := range s.tasks {
		doc := map[string]string{
			"taskId":       t.ID,
			"taskType":     string(t.Type),
			"taskDefName":  t.DefName,
			"status":       string(t.Status),
			"workflowId":   t.WorkflowID,
			"workflowType": t.WorkflowType,
			"workerId":     t.WorkerID,
		}
		if matchesQuery(doc, terms, freeText) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdateTime == matched[j].UpdateTime {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdateTime > matched[j].UpdateTime
	})

	ids := make([]string, len(matched))
	for i, t := range matched {
		ids[i] = t.ID
	}
	return pageIDs(ids, start, size), nil
}

// parseQuery splits "field=value AND field=value" into term pairs. An empty
// or "*" query matches everything.
func parseQuery(query string) (map[string]string, error) {
	terms := make(map[string]string)
	query = strings.TrimSpace(query)
	if query == "" || query == "*" {
		return terms, nil
	}
	for _, clause := range strings.Split(query, " AND ") {
		parts := strings.SplitN(clause, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed query clause: %q", clause)
		}
		field := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		terms[field] = value
	}
	return terms, nil
}

func matchesQuery(doc map[string]string, terms map[string]string, freeText string) bool {
	for field, want := range terms {
		if doc[field] != want {
			return false
		}
	}
	freeText = strings.TrimSpace(freeText)
	if freeText == "" || freeText == "*" {
		return true
	}
	for _, v := range doc {
		if strings.Contains(v, freeText) {
			return true
		}
	}
	return false
}

func pageIDs(ids []string, start, size int) api.SearchResult[string] {
	total := int64(len(ids))
	if start >= len(ids) {
		return api.SearchResult[string]{TotalHits: total, Results: []string{}}
	}
	end := start + size
	if size <= 0 || end > len(ids) {
		end = len(ids)
	}
	return api.SearchResult[string]{TotalHits: total, Results: append([]string(nil), ids[start:end]...)}
}
