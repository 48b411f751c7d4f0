package store

import (
	"context"

	"mesh-nms/pkg/model"
)

// ConfigStore is the read-only source of network instance configs and
// their on-disk topologies.
type ConfigStore interface {
	Load() (*model.Instances, error)
}

// Watcher is implemented by stores that can tell when their content
// changed. onChange may be called more than once per edit.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
