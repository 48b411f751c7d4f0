package store

import (
	"sync"

	"github.com/juju/errors"

	"mesh-nms/pkg/model"
)

// MemoryStore holds the instances file and topology documents in memory.
// It backs tests and embedded use.
type MemoryStore struct {
	mu         sync.RWMutex
	instances  *model.InstancesFile
	topologies map[string]model.Topology
	loads      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{topologies: make(map[string]model.Topology)}
}

// SetInstances replaces the instances document.
func (m *MemoryStore) SetInstances(f model.InstancesFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.Topologies = append([]model.NetworkInstanceConfig(nil), f.Topologies...)
	m.instances = &f
}

// PutTopology stores a topology document under path.
func (m *MemoryStore) PutTopology(path string, t model.Topology) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topologies[path] = t.Clone()
}

// Loads counts successful Load calls.
func (m *MemoryStore) Loads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loads
}

func (m *MemoryStore) Load() (*model.Instances, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances == nil {
		return nil, errors.NotFoundf("instance config")
	}
	out, err := model.ResolveInstances(*m.instances, func(path string) (model.Topology, error) {
		t, ok := m.topologies[path]
		if !ok {
			return model.Topology{}, errors.NotFoundf("topology %s", path)
		}
		return t.Clone(), nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	m.loads++
	return out, nil
}
