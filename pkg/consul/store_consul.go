//go:build consul

package consul

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"mesh-nms/pkg/model"
)

var logger = loggo.GetLogger("nms.consul")

// DefaultPrefix is the KV folder holding instances/ and networks/.
const DefaultPrefix = "mesh-nms/config"

// Store reads the instances file and topologies from Consul KV using the
// same layout as the config directory.
type Store struct {
	cli       *consulapi.Client
	clock     clock.Clock
	prefix    string
	instances string
}

// WatchRetryDelay is how long Watch waits after a failed query.
const WatchRetryDelay = time.Second

func NewStore(addr, prefix, instances string, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		logger.Errorf("consul client for %s: %v", addr, err)
	}
	return &Store{cli: cli, clock: clk, prefix: strings.TrimSuffix(prefix, "/"), instances: instances}
}

func (s *Store) key(parts ...string) string {
	return s.prefix + "/" + strings.Join(parts, "/")
}

func (s *Store) get(key string, out interface{}) error {
	if s.cli == nil {
		return errors.New("consul client not configured")
	}
	kv, _, err := s.cli.KV().Get(key, nil)
	if err != nil {
		return errors.Annotatef(err, "consul get %s", key)
	}
	if kv == nil {
		return errors.NotFoundf("consul key %s", key)
	}
	if err := json.Unmarshal(kv.Value, out); err != nil {
		return errors.Annotatef(err, "parse consul key %s", key)
	}
	return nil
}

func (s *Store) Load() (*model.Instances, error) {
	var file model.InstancesFile
	if err := s.get(s.key("instances", s.instances), &file); err != nil {
		return nil, errors.Trace(err)
	}
	return model.ResolveInstances(file, func(path string) (model.Topology, error) {
		var t model.Topology
		err := s.get(s.key("networks", strings.TrimPrefix(path, "/")), &t)
		return t, err
	})
}

// Watch runs a blocking query on the prefix and calls onChange whenever
// its index moves.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	if s.cli == nil {
		return errors.New("consul client not configured")
	}
	go func() {
		q := (&consulapi.QueryOptions{WaitTime: 5 * time.Minute}).WithContext(ctx)
		var last uint64
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_, meta, err := s.cli.KV().List(s.prefix, q)
			if err != nil {
				logger.Debugf("consul watch %s: %v", s.prefix, err)
				select {
				case <-ctx.Done():
					return
				case <-s.clock.After(WatchRetryDelay):
				}
				continue
			}
			if last != 0 && meta.LastIndex != last {
				logger.Infof("consul config under %s changed; reloading", s.prefix)
				onChange()
			}
			last = meta.LastIndex
			q.WaitIndex = meta.LastIndex
		}
	}()
	return nil
}
