// Package topology merges controller poll results with the on-disk
// topologies into one NetworkState per managed network.
package topology

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"

	"mesh-nms/pkg/ha"
	"mesh-nms/pkg/model"
	"mesh-nms/pkg/poller"
	"mesh-nms/pkg/store"
)

var logger = loggo.GetLogger("nms.topology")

const (
	DefaultFailureThreshold = 1
	DefaultStatusExpiry     = 2 * time.Minute

	// TopicTopologyUpdate carries a model.NetworkState.
	TopicTopologyUpdate = "topology.update"
)

// HighAvailability is the arbitrator as seen by the synchronizer.
type HighAvailability interface {
	State(name string) model.HAState
	Reset(names []string)
}

// Observer is told about controller liveness after every topology result.
type Observer interface {
	ObserveController(network string, online bool, failures int)
	ForgetNetworks()
}

// Config holds the synchronizer's dependencies.
type Config struct {
	Store store.ConfigStore
	HA    HighAvailability
	Clock clock.Clock
	// Hub is created when nil.
	Hub *pubsub.SimpleHub
	// FailureThreshold is the number of consecutive failed topology polls
	// after which a controller is reported offline.
	FailureThreshold int
	StatusExpiry     time.Duration
	Observer         Observer
	// PollSeq, if set, returns the last sequence number handed to a poll.
	// Poller results numbered at or below its value at reload time were
	// issued against the old config and are dropped.
	PollSeq func() uint64
}

func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.HA == nil {
		return errors.NotValidf("nil HA")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.FailureThreshold < 0 {
		return errors.NotValidf("negative FailureThreshold")
	}
	return nil
}

// network is everything cached for one managed network.
type network struct {
	config model.NetworkInstanceConfig
	disk   model.Topology
	base   *model.Topology

	live              *model.Topology
	statusDump        *model.StatusDump
	ignition          []string
	upgrade           *model.UpgradeState
	scan              json.RawMessage
	controllerVersion string

	lastSeq map[poller.ResultType]uint64
	floor   uint64
}

// Synchronizer is the registry of per-network caches. It is the only
// writer of those caches; poller and arbitrator results reach it through
// Apply.
type Synchronizer struct {
	config Config
	hub    *pubsub.SimpleHub

	mu        sync.RWMutex
	networks  map[string]*network
	order     []string
	refresh   time.Duration
	scanEvery time.Duration
}

// New builds an empty synchronizer. Call ReloadInstanceConfig to load
// the networks.
func New(config Config) (*Synchronizer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.StatusExpiry <= 0 {
		config.StatusExpiry = DefaultStatusExpiry
	}
	hub := config.Hub
	if hub == nil {
		hub = pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("nms.topology.hub"),
		})
	}
	return &Synchronizer{
		config:   config,
		hub:      hub,
		networks: map[string]*network{},
	}, nil
}

// ReloadInstanceConfig re-reads the store and replaces every network's
// config and caches wholesale. HA state for every network is reset. On
// error the previous configuration stays in place.
func (s *Synchronizer) ReloadInstanceConfig() error {
	inst, err := s.config.Store.Load()
	if err != nil {
		return errors.Annotate(err, "reload instance config")
	}
	networks := make(map[string]*network, len(inst.Networks))
	for _, cfg := range inst.Networks {
		cfg.ControllerOnline = false
		cfg.ControllerFailures = 0
		cfg.ControllerError = ""
		cfg.ControllerEvents = []model.ControllerEvent{}
		cfg.ControllerIPActive = cfg.ControllerIP
		cfg.ControllerIPPassive = cfg.ControllerIPBackup
		n := &network{
			config:  cfg,
			disk:    inst.Topologies[cfg.Name],
			lastSeq: map[poller.ResultType]uint64{},
		}
		if base, ok := inst.BaseTopologies[cfg.Name]; ok {
			n.base = &base
		}
		networks[cfg.Name] = n
	}
	names := inst.Names()
	var floor uint64
	if s.config.PollSeq != nil {
		floor = s.config.PollSeq()
	}

	s.mu.Lock()
	for name, n := range networks {
		n.floor = floor
		if old, ok := s.networks[name]; ok {
			for t, seq := range old.lastSeq {
				n.lastSeq[t] = seq
			}
		}
	}
	s.networks = networks
	s.order = names
	s.refresh = inst.RefreshInterval
	s.scanEvery = inst.ScanPollInterval
	s.mu.Unlock()

	s.config.HA.Reset(names)
	if s.config.Observer != nil {
		s.config.Observer.ForgetNetworks()
		for _, name := range names {
			s.config.Observer.ObserveController(name, false, 0)
		}
	}
	logger.Infof("loaded %d networks: %v", len(names), names)
	return nil
}

// ListNetworkNames returns the managed networks in config order.
func (s *Synchronizer) ListNetworkNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Configs returns a copy of every network config, as handed to the poller.
func (s *Synchronizer) Configs() []model.NetworkInstanceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.NetworkInstanceConfig, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.networks[name].config.Clone())
	}
	return out
}

// Intervals returns the refresh and scan intervals from the instances
// file; zero means not set.
func (s *Synchronizer) Intervals() (refresh, scan time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh, s.scanEvery
}

// OnTopologyUpdate registers fn to receive the merged state of a network
// after each topology result. Delivery is asynchronous.
func (s *Synchronizer) OnTopologyUpdate(fn func(model.NetworkState)) (unsubscribe func()) {
	return s.hub.Subscribe(TopicTopologyUpdate, func(_ string, data interface{}) {
		if st, ok := data.(model.NetworkState); ok {
			fn(st)
		}
	})
}

// Apply folds one poll result into the caches. Results for unknown
// networks, and results older than one already applied for the same
// network and type, are dropped.
func (s *Synchronizer) Apply(r poller.Result) {
	s.mu.Lock()
	n, ok := s.networks[r.Name]
	if !ok {
		s.mu.Unlock()
		logger.Debugf("dropping %s for unknown network %q", r.Type, r.Name)
		return
	}
	if r.Type != poller.BStarState && r.Seq != 0 && r.Seq <= n.floor {
		s.mu.Unlock()
		logger.Debugf("dropping %s #%d for %q issued before reload", r.Type, r.Seq, r.Name)
		return
	}
	if last := n.lastSeq[r.Type]; r.Seq != 0 && r.Seq < last {
		s.mu.Unlock()
		logger.Debugf("dropping stale %s #%d for %q (have #%d)", r.Type, r.Seq, r.Name, last)
		return
	}
	if r.Seq != 0 {
		n.lastSeq[r.Type] = r.Seq
	}

	publish := false
	switch r.Type {
	case poller.TopologyUpdate:
		publish = s.applyTopology(n, r)
	case poller.StatusDumpUpdate:
		if r.Success && r.StatusDump != nil {
			dump := *r.StatusDump
			dump.StatusReports = make(map[string]model.StatusReport, len(r.StatusDump.StatusReports))
			for mac, report := range r.StatusDump.StatusReports {
				dump.StatusReports[mac] = report
			}
			PruneStatusReports(&dump, s.config.Clock.Now(), s.config.StatusExpiry)
			n.statusDump = &dump
			n.controllerVersion = ControllerVersion(dump.Version)
		}
	case poller.IgnitionState:
		if r.Success && r.IgnitionState != nil {
			n.ignition = r.IgnitionState.LinkNames()
		} else {
			n.ignition = []string{}
		}
	case poller.UpgradeState:
		if r.Success && r.UpgradeState != nil {
			st := *r.UpgradeState
			n.upgrade = &st
		} else {
			n.upgrade = nil
		}
	case poller.ScanStatus:
		if r.Success {
			n.scan = r.ScanStatus
		}
	case poller.BStarState:
		st := s.config.HA.State(r.Name)
		if r.HA != nil {
			st = *r.HA
		}
		s.updateActive(n, st)
	default:
		logger.Warningf("ignoring result with unknown type %q for %q", r.Type, r.Name)
	}
	online, failures := n.config.ControllerOnline, n.config.ControllerFailures
	s.mu.Unlock()

	if r.Type == poller.TopologyUpdate && s.config.Observer != nil {
		s.config.Observer.ObserveController(r.Name, online, failures)
	}
	if publish {
		if st, err := s.GetNetworkState(r.Name); err == nil {
			_ = s.hub.Publish(TopicTopologyUpdate, st)
		}
	}
}

// applyTopology updates liveness and the live snapshot. It reports
// whether readers should be notified. Caller holds s.mu.
func (s *Synchronizer) applyTopology(n *network, r poller.Result) bool {
	cfg := &n.config
	wasOnline := cfg.ControllerOnline
	defer func() {
		if cfg.ControllerOnline != wasOnline {
			cfg.ControllerEvents = model.AppendControllerEvent(cfg.ControllerEvents, model.ControllerEvent{
				Time:   s.config.Clock.Now(),
				Online: cfg.ControllerOnline,
			})
			if cfg.ControllerOnline {
				logger.Infof("controller for %q is online (%s, %v)", cfg.Name, cfg.ControllerIPActive, r.ResponseTime)
			} else {
				logger.Infof("controller for %q is offline (%s): %s", cfg.Name, cfg.ControllerIPActive, offlineReason(cfg, r))
			}
		}
	}()

	if !r.Success || r.Topology == nil {
		cfg.ControllerFailures++
		if cfg.ControllerFailures >= s.config.FailureThreshold {
			cfg.ControllerOnline = false
		}
		return cfg.ControllerOnline != wasOnline
	}

	topo := r.Topology.Clone()
	switch {
	case topo.Name == "":
		topo.Name = cfg.Name
		cfg.ControllerError = fmt.Sprintf("Controller topology has no name; using %s from disk.", cfg.Name)
	case topo.Name != cfg.Name:
		cfg.ControllerOnline = false
		cfg.ControllerError = fmt.Sprintf("Name mis-match between topology on disk and e2e controller topology. %s != %s", cfg.Name, topo.Name)
		logger.Warningf("network %q: %s", cfg.Name, cfg.ControllerError)
		return cfg.ControllerOnline != wasOnline
	default:
		cfg.ControllerError = ""
	}
	cfg.ControllerFailures = 0
	cfg.ControllerOnline = true
	n.live = &topo
	s.updateActive(n, s.config.HA.State(cfg.Name))
	return true
}

func offlineReason(cfg *model.NetworkInstanceConfig, r poller.Result) string {
	if cfg.ControllerError != "" {
		return cfg.ControllerError
	}
	if r.Err != "" {
		return r.Err
	}
	return fmt.Sprintf("%d failed polls", cfg.ControllerFailures)
}

// updateActive recomputes the authoritative controller address. Caller
// holds s.mu.
func (s *Synchronizer) updateActive(n *network, st model.HAState) {
	active, passive := ha.Addresses(n.config, st)
	if active != n.config.ControllerIPActive {
		logger.Infof("network %q controller_ip_active %s -> %s", n.config.Name, n.config.ControllerIPActive, active)
	}
	n.config.ControllerIPActive = active
	n.config.ControllerIPPassive = passive
}

// GetNetworkState returns the merged view of one network. Expired status
// reports are pruned from the cache as part of the read.
func (s *Synchronizer) GetNetworkState(name string) (model.NetworkState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.networks[name]
	if !ok {
		return model.NetworkState{}, errors.NotFoundf("network %q", name)
	}
	now := s.config.Clock.Now()

	var topo model.Topology
	if n.live != nil && len(n.live.Nodes) > 0 {
		topo = n.live.Clone()
	} else {
		topo = n.disk.Clone()
	}
	if topo.Name == "" {
		topo.Name = n.config.Name
	}
	if n.base != nil {
		topo = FilterByBase(topo, *n.base)
	}
	if n.statusDump != nil {
		if pruned := PruneStatusReports(n.statusDump, now, s.config.StatusExpiry); pruned > 0 {
			logger.Debugf("pruned %d expired status reports for %q", pruned, name)
		}
		JoinStatus(&topo, n.statusDump)
	}
	if n.config.SiteCoordsOverride {
		OverrideSiteCoords(&topo, n.disk)
	}
	AnnotateLinks(&topo)

	hast := s.config.HA.State(name)
	active := model.PeerPrimary
	if n.config.HasBackup() {
		active = ha.DetermineActiveController(hast.Primary, hast.Backup)
	}
	return model.NetworkState{
		NetworkInstanceConfig: n.config.Clone(),
		Topology:              topo,
		IgnitionState:         append([]string{}, n.ignition...),
		UpgradeState:          ExpandUpgradeState(n.upgrade, topo),
		HighAvailability:      hast,
		Active:                active,
		Bounds:                ComputeBounds(topo.Sites),
		ControllerVersion:     n.controllerVersion,
		ScanStatus:            append(json.RawMessage(nil), n.scan...),
	}, nil
}
