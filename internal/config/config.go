// Package config exposes the engine's enumerated configuration keys with
// their defaults. Values are read through viper so deployments can override
// them from files or the environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Enumerated configuration keys.
const (
	KeyTaskRequeueTimeout     = "task.requeue.timeout"
	KeyMaxSearchSize          = "workflow.max.search.size"
	KeyQueueVisibilityTimeout = "queue.visibility.timeout"
	KeyQueuePrefix            = "queue.prefix"

	KeyMaxWorkflowInputKB  = "payload.max.workflow.input.kb"
	KeyMaxWorkflowOutputKB = "payload.max.workflow.output.kb"
	KeyMaxTaskInputKB      = "payload.max.task.input.kb"
	KeyMaxTaskOutputKB     = "payload.max.task.output.kb"
)

// Config is a thin wrapper over a viper instance with engine defaults
// applied.
type Config struct {
	v *viper.Viper
}

// New returns a Config backed by a fresh viper instance. Environment
// variables override defaults, with dots mapped to underscores
// (task.requeue.timeout -> TASK_REQUEUE_TIMEOUT).
func New() *Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Config{v: v}
}

// FromViper wraps an existing viper instance, applying defaults for any key
// not already set.
func FromViper(v *viper.Viper) *Config {
	setDefaults(v)
	return &Config{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyTaskRequeueTimeout, 60_000)
	v.SetDefault(KeyMaxSearchSize, 5_000)
	v.SetDefault(KeyQueueVisibilityTimeout, 30_000)
	v.SetDefault(KeyQueuePrefix, "maestro")
	v.SetDefault(KeyMaxWorkflowInputKB, 5_120)
	v.SetDefault(KeyMaxWorkflowOutputKB, 5_120)
	v.SetDefault(KeyMaxTaskInputKB, 3_072)
	v.SetDefault(KeyMaxTaskOutputKB, 3_072)
}

// TaskRequeueTimeout is how long a pending task may go without updates
// before the sweeper pushes it back onto its queue.
func (c *Config) TaskRequeueTimeout() time.Duration {
	return time.Duration(c.v.GetInt(KeyTaskRequeueTimeout)) * time.Millisecond
}

// MaxSearchSize caps the page size of search requests.
func (c *Config) MaxSearchSize() int { return c.v.GetInt(KeyMaxSearchSize) }

// QueueVisibilityTimeout is how long a popped item stays unacked before it
// becomes visible again.
func (c *Config) QueueVisibilityTimeout() time.Duration {
	return time.Duration(c.v.GetInt(KeyQueueVisibilityTimeout)) * time.Millisecond
}

// QueuePrefix namespaces queue keys in shared backends.
func (c *Config) QueuePrefix() string { return c.v.GetString(KeyQueuePrefix) }

// MaxPayloadBytes returns the external-storage threshold for the given
// payload slot, in bytes.
func (c *Config) MaxPayloadBytes(kind string) int64 {
	var key string
	switch kind {
	case "WORKFLOW_INPUT":
		key = KeyMaxWorkflowInputKB
	case "WORKFLOW_OUTPUT":
		key = KeyMaxWorkflowOutputKB
	case "TASK_INPUT":
		key = KeyMaxTaskInputKB
	default:
		key = KeyMaxTaskOutputKB
	}
	return int64(c.v.GetInt(key)) * 1024
}
