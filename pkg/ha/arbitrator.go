// Package ha observes the Binary Star role each controller peer reports and
// decides which peer of a network is authoritative.
package ha

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"mesh-nms/pkg/controller"
	"mesh-nms/pkg/model"
	"mesh-nms/pkg/poller"
)

var logger = loggo.GetLogger("nms.ha")

// DetermineActiveController picks the authoritative peer from the last
// reported roles. The primary wins unless the backup says it is active,
// and always wins when the primary runs with HA disabled.
func DetermineActiveController(primary, backup *model.FsmState) model.PeerType {
	if primary != nil && *primary == model.FsmHADisabled {
		return model.PeerPrimary
	}
	if backup != nil && *backup == model.FsmActive {
		return model.PeerBackup
	}
	return model.PeerPrimary
}

// Addresses returns the active and passive controller addresses of cfg
// given its HA state. Without a backup the primary is always active.
func Addresses(cfg model.NetworkInstanceConfig, st model.HAState) (active, passive string) {
	if !cfg.HasBackup() {
		return cfg.ControllerIP, ""
	}
	if DetermineActiveController(st.Primary, st.Backup) == model.PeerBackup {
		return cfg.ControllerIPBackup, cfg.ControllerIP
	}
	return cfg.ControllerIP, cfg.ControllerIPBackup
}

// Config holds the arbitrator's dependencies.
type Config struct {
	Client  controller.Client
	Clock   clock.Clock
	Timeout time.Duration
	// Concurrency caps networks queried at once.
	Concurrency int
	// Notify receives one bstar_state result per network per Poll.
	Notify func(poller.Result)
}

func (c Config) Validate() error {
	if c.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Arbitrator keeps the latest HAState per network.
type Arbitrator struct {
	config Config
	seq    atomic.Uint64

	mu     sync.RWMutex
	gen    uint64
	states map[string]model.HAState
	// seqs is the Poll that wrote each network's state.
	seqs map[string]uint64
}

func New(config Config) (*Arbitrator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Timeout <= 0 {
		config.Timeout = poller.DefaultTimeout
	}
	if config.Concurrency <= 0 {
		config.Concurrency = poller.DefaultConcurrency
	}
	return &Arbitrator{config: config, states: map[string]model.HAState{}, seqs: map[string]uint64{}}, nil
}

// State returns the last known roles for name; unknown networks read as
// both peers unreachable.
func (a *Arbitrator) State(name string) model.HAState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.states[name]
}

// Reset forgets every reported role and tracks exactly names.
func (a *Arbitrator) Reset(names []string) {
	states := make(map[string]model.HAState, len(names))
	for _, name := range names {
		states[name] = model.HAState{}
	}
	a.mu.Lock()
	a.gen++
	a.states = states
	a.seqs = map[string]uint64{}
	a.mu.Unlock()
	logger.Debugf("reset HA state for %d networks", len(names))
}

// Poll asks every peer of every network for its role. A peer that errors
// is recorded as unreachable, never left at its previous role.
func (a *Arbitrator) Poll(ctx context.Context, configs []model.NetworkInstanceConfig) {
	seq := a.seq.Add(1)
	a.mu.RLock()
	gen := a.gen
	a.mu.RUnlock()
	var g errgroup.Group
	g.SetLimit(a.config.Concurrency)
	for _, cfg := range configs {
		cfg := cfg
		g.Go(func() error {
			a.pollNetwork(ctx, gen, seq, cfg)
			return nil
		})
	}
	_ = g.Wait()
}

func (a *Arbitrator) pollNetwork(ctx context.Context, gen, seq uint64, cfg model.NetworkInstanceConfig) {
	start := a.config.Clock.Now()
	var st model.HAState
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		st.Primary = a.query(ctx, cfg.Name, model.PeerPrimary, cfg.Endpoint(cfg.ControllerIP))
	}()
	if cfg.HasBackup() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.Backup = a.query(ctx, cfg.Name, model.PeerBackup, cfg.Endpoint(cfg.ControllerIPBackup))
		}()
	}
	wg.Wait()

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		logger.Debugf("dropping HA result for %q from before reset", cfg.Name)
		return
	}
	if last := a.seqs[cfg.Name]; seq < last {
		a.mu.Unlock()
		logger.Debugf("dropping HA result #%d for %q; have #%d", seq, cfg.Name, last)
		return
	}
	prev, tracked := a.states[cfg.Name]
	a.states[cfg.Name] = st
	a.seqs[cfg.Name] = seq
	a.mu.Unlock()

	if tracked && DetermineActiveController(prev.Primary, prev.Backup) != DetermineActiveController(st.Primary, st.Backup) {
		logger.Infof("network %q active controller is now %s", cfg.Name, DetermineActiveController(st.Primary, st.Backup))
	}
	if a.config.Notify != nil {
		a.config.Notify(poller.Result{
			Type:         poller.BStarState,
			Name:         cfg.Name,
			Seq:          seq,
			Success:      st.Primary != nil || st.Backup != nil,
			ResponseTime: a.config.Clock.Now().Sub(start),
			HA:           &st,
		})
	}
}

func (a *Arbitrator) query(ctx context.Context, name string, peer model.PeerType, addr string) *model.FsmState {
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()
	resp, err := a.config.Client.GetHighAvailabilityState(ctx, addr)
	if err != nil {
		logger.Debugf("network %q %s controller %s: %v", name, peer, addr, err)
		return nil
	}
	if resp.State == nil {
		logger.Warningf("network %q %s controller %s reported no state", name, peer, addr)
		return nil
	}
	if !resp.State.Valid() {
		logger.Warningf("network %q %s controller %s reported unknown state %d", name, peer, addr, int(*resp.State))
		return nil
	}
	return model.FsmStatePtr(*resp.State)
}
