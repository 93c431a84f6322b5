// Package payload moves oversized workflow and task payloads out of the
// execution store and into external storage, transparently to the rest of
// the engine.
package payload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/petrijr/maestro/internal/config"
	"github.com/petrijr/maestro/pkg/api"
)

// Storage is the external payload store. Paths are content-addressed, so
// concurrent readers of the same path are safe.
type Storage interface {
	Upload(ctx context.Context, payload map[string]any, kind api.PayloadKind) (string, error)
	Download(ctx context.Context, path string) (map[string]any, error)
}

// MemoryStorage is an in-process Storage for tests and local runs.
type MemoryStorage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blobs: make(map[string][]byte)}
}

// Ensure MemoryStorage implements Storage.
var _ Storage = (*MemoryStorage)(nil)

func (s *MemoryStorage) Upload(ctx context.Context, payload map[string]any, kind api.PayloadKind) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	path := string(kind) + "/" + hex.EncodeToString(sum[:])

	s.mu.Lock()
	s.blobs[path] = data
	s.mu.Unlock()
	return path, nil
}

func (s *MemoryStorage) Download(ctx context.Context, path string) (map[string]any, error) {
	s.mu.RLock()
	data, ok := s.blobs[path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("payload not found: %s", path)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Gateway elects where a payload lives: below the configured threshold it
// stays inline on the entity; above it the map is swapped for an external
// path. Exactly one of the two is authoritative at rest.
type Gateway struct {
	storage  Storage
	cfg      *config.Config
	observer api.Observer
}

// NewGateway constructs a Gateway. A nil observer defaults to the no-op
// observer.
func NewGateway(storage Storage, cfg *config.Config, observer api.Observer) *Gateway {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	if cfg == nil {
		cfg = config.New()
	}
	return &Gateway{storage: storage, cfg: cfg, observer: observer}
}

// Download fetches an externalized payload and records the read against
// name.
func (g *Gateway) Download(ctx context.Context, path, name string, kind api.PayloadKind) (map[string]any, error) {
	payload, err := g.storage.Download(ctx, path)
	if err != nil {
		return nil, err
	}
	g.observer.OnPayloadUsage(ctx, name, api.PayloadRead, kind)
	return payload, nil
}

// VerifyAndUploadTask externalizes the task payload slot named by kind when
// its serialized size exceeds the configured threshold. Below the threshold
// the entity is left untouched.
func (g *Gateway) VerifyAndUploadTask(ctx context.Context, t *api.Task, kind api.PayloadKind) error {
	switch kind {
	case api.PayloadTaskInput:
		path, uploaded, err := g.uploadIfOversized(ctx, t.Input, t.DefName, kind)
		if err != nil {
			return err
		}
		if uploaded {
			t.Input = map[string]any{}
			t.ExternalInputPath = path
		}
	case api.PayloadTaskOutput:
		path, uploaded, err := g.uploadIfOversized(ctx, t.Output, t.DefName, kind)
		if err != nil {
			return err
		}
		if uploaded {
			t.Output = map[string]any{}
			t.ExternalOutputPath = path
		}
	default:
		return fmt.Errorf("payload kind %s does not apply to tasks", kind)
	}
	return nil
}

// VerifyAndUploadWorkflow externalizes the workflow payload slot named by
// kind when its serialized size exceeds the configured threshold.
func (g *Gateway) VerifyAndUploadWorkflow(ctx context.Context, w *api.Workflow, kind api.PayloadKind) error {
	switch kind {
	case api.PayloadWorkflowInput:
		path, uploaded, err := g.uploadIfOversized(ctx, w.Input, w.Name, kind)
		if err != nil {
			return err
		}
		if uploaded {
			w.Input = map[string]any{}
			w.ExternalInputPath = path
		}
	case api.PayloadWorkflowOutput:
		path, uploaded, err := g.uploadIfOversized(ctx, w.Output, w.Name, kind)
		if err != nil {
			return err
		}
		if uploaded {
			w.Output = map[string]any{}
			w.ExternalOutputPath = path
		}
	default:
		return fmt.Errorf("payload kind %s does not apply to workflows", kind)
	}
	return nil
}

func (g *Gateway) uploadIfOversized(ctx context.Context, payload map[string]any, name string, kind api.PayloadKind) (string, bool, error) {
	if len(payload) == 0 {
		return "", false, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", false, err
	}
	if int64(len(data)) <= g.cfg.MaxPayloadBytes(string(kind)) {
		return "", false, nil
	}
	path, err := g.storage.Upload(ctx, payload, kind)
	if err != nil {
		return "", false, err
	}
	g.observer.OnPayloadUsage(ctx, name, api.PayloadWrite, kind)
	return path, true, nil
}
