package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"mesh-nms/pkg/model"
)

var logger = loggo.GetLogger("nms.store")

// DefaultInstancesFile is used when NETWORK is not set.
const DefaultInstancesFile = "lab_networks.json"

// FileStore reads <dir>/instances/<file>. Relative topology paths are
// resolved under <dir>/networks.
type FileStore struct {
	dir       string
	instances string
	clock     clock.Clock
	debounce  time.Duration
}

func NewFileStore(dir, instances string, clk clock.Clock) *FileStore {
	if instances == "" {
		instances = DefaultInstancesFile
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &FileStore{dir: dir, instances: instances, clock: clk, debounce: 500 * time.Millisecond}
}

// InstancesPath is the full path of the instances file.
func (f *FileStore) InstancesPath() string {
	return filepath.Join(f.dir, "instances", f.instances)
}

func (f *FileStore) networksDir() string {
	return filepath.Join(f.dir, "networks")
}

func (f *FileStore) Load() (*model.Instances, error) {
	path := f.InstancesPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("instance config %s", path)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var file model.InstancesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Annotatef(err, "parse %s", path)
	}
	inst, err := model.ResolveInstances(file, f.readTopology)
	if err != nil {
		return nil, errors.Annotatef(err, "load %s", path)
	}
	logger.Debugf("loaded %d networks from %s", len(inst.Networks), path)
	return inst, nil
}

func (f *FileStore) readTopology(path string) (model.Topology, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.networksDir(), path)
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return model.Topology{}, errors.NotFoundf("topology %s", path)
	} else if err != nil {
		return model.Topology{}, errors.Trace(err)
	}
	var t model.Topology
	if err := json.Unmarshal(data, &t); err != nil {
		return model.Topology{}, errors.Annotatef(err, "parse %s", path)
	}
	return t, nil
}

// Watch calls onChange, debounced, whenever a file under the instances or
// networks directory changes. It returns once the watch is established.
func (f *FileStore) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Trace(err)
	}
	for _, dir := range []string{filepath.Dir(f.InstancesPath()), f.networksDir()} {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return errors.Annotatef(err, "watch %s", dir)
		}
	}
	go f.watchLoop(ctx, w, onChange)
	return nil
}

func (f *FileStore) watchLoop(ctx context.Context, w *fsnotify.Watcher, onChange func()) {
	defer w.Close()
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			logger.Tracef("config change %s", ev)
			pending = f.clock.After(f.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warningf("config watch: %v", err)
		case <-pending:
			pending = nil
			logger.Infof("config files changed; reloading")
			onChange()
		}
	}
}
