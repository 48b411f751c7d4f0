// Package service wires the poller, the HA arbitrator and the topology
// synchronizer together under one scheduler.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4/catacomb"

	"mesh-nms/pkg/config"
	"mesh-nms/pkg/controller"
	"mesh-nms/pkg/ha"
	"mesh-nms/pkg/metrics"
	"mesh-nms/pkg/model"
	"mesh-nms/pkg/poller"
	"mesh-nms/pkg/scheduler"
	"mesh-nms/pkg/store"
	"mesh-nms/pkg/topology"
)

var logger = loggo.GetLogger("nms.service")

const (
	taskHA   = "ha"
	taskScan = "scan_poll"
)

// Config holds the service's dependencies.
type Config struct {
	Settings config.Settings
	Store    store.ConfigStore
	Client   controller.Client
	Clock    clock.Clock
	// Metrics is optional.
	Metrics *metrics.Registry
}

func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return errors.Trace(c.Settings.Validate())
}

// Service is the running subsystem. Readers use the Synchronizer methods
// it re-exports; none of them block on controller I/O.
type Service struct {
	config Config
	sync   *topology.Synchronizer
	ha     *ha.Arbitrator
	sched  *scheduler.Scheduler

	catacomb catacomb.Catacomb
	ctx      context.Context
	cancel   context.CancelFunc
	seq      atomic.Uint64

	reloadMu sync.Mutex
	stopped  bool

	mu      sync.Mutex
	poller  *poller.Worker
	started chan struct{}
}

// New builds a stopped service.
func New(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Service{config: config, started: make(chan struct{}, 16)}

	var observer topology.Observer
	var sched scheduler.Config
	sched.Clock = config.Clock
	if config.Metrics != nil {
		observer = config.Metrics
		sched.OnSkip = config.Metrics.SkippedTick
	}

	arb, err := ha.New(ha.Config{
		Client:      config.Client,
		Clock:       config.Clock,
		Timeout:     config.Settings.CallTimeout,
		Concurrency: config.Settings.Concurrency,
		Notify:      s.applyHA,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	syncer, err := topology.New(topology.Config{
		Store:            config.Store,
		HA:               arb,
		Clock:            config.Clock,
		FailureThreshold: config.Settings.FailureThreshold,
		StatusExpiry:     config.Settings.StatusExpiry,
		Observer:         observer,
		PollSeq:          s.seq.Load,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	sc, err := scheduler.New(sched)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.ha, s.sync, s.sched = arb, syncer, sc
	return s, nil
}

// Start loads the instance config and begins polling. A config error is
// returned and nothing is started.
func (s *Service) Start() error {
	if err := s.sync.ReloadInstanceConfig(); err != nil {
		return errors.Trace(err)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	})
	if err != nil {
		s.cancel()
		return errors.Trace(err)
	}
	if w, ok := s.config.Store.(store.Watcher); ok && s.config.Settings.WatchConfig {
		if err := w.Watch(s.ctx, s.reloadFromWatch); err != nil {
			logger.Warningf("config watch disabled: %v", err)
		}
	}
	s.reloadMu.Lock()
	s.scheduleAll()
	s.reloadMu.Unlock()
	return nil
}

// Stop cancels every scheduled task, stops the poller and waits for it.
func (s *Service) Stop() error {
	s.reloadMu.Lock()
	s.stopped = true
	s.reloadMu.Unlock()
	s.sched.StopAll()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.catacomb.Kill(nil)
	return s.catacomb.Wait()
}

// Reload re-reads the instance config and reschedules polling. On error
// the previous config stays in place and keeps being polled.
func (s *Service) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.sched.StopAll()
	err := s.sync.ReloadInstanceConfig()
	if err != nil {
		logger.Errorf("reload failed, keeping previous config: %v", err)
	}
	if !s.stopped {
		s.scheduleAll()
	}
	return errors.Trace(err)
}

func (s *Service) reloadFromWatch() {
	_ = s.Reload()
}

// ReloadInstanceConfig is Reload under the name HTTP handlers expect.
func (s *Service) ReloadInstanceConfig() error {
	return s.Reload()
}

func (s *Service) GetNetworkState(name string) (model.NetworkState, error) {
	return s.sync.GetNetworkState(name)
}

func (s *Service) ListNetworkNames() []string {
	return s.sync.ListNetworkNames()
}

func (s *Service) OnTopologyUpdate(fn func(model.NetworkState)) func() {
	return s.sync.OnTopologyUpdate(fn)
}

func (s *Service) intervals() (refresh, scan time.Duration) {
	refresh, scan = s.sync.Intervals()
	if refresh <= 0 {
		refresh = s.config.Settings.RefreshInterval
	}
	if scan <= 0 {
		scan = s.config.Settings.ScanPollInterval
	}
	return refresh, scan
}

// scheduleAll registers one poll task per distinct refresh interval, the
// scan task and the HA task. Each poll task reads the configs at fire
// time so it follows controller_ip_active as the arbitrator moves it.
func (s *Service) scheduleAll() {
	refresh, scan := s.intervals()
	groups := map[time.Duration]bool{}
	for _, cfg := range s.sync.Configs() {
		groups[cfg.RefreshInterval(refresh)] = true
	}
	every := make([]time.Duration, 0, len(groups))
	for d := range groups {
		every = append(every, d)
	}
	sort.Slice(every, func(i, j int) bool { return every[i] < every[j] })
	for _, d := range every {
		d := d
		s.mustSchedule(pollTaskName(d), d, false, func() {
			s.submit(poller.Poll, s.configsWithInterval(d, refresh))
		})
	}
	if s.config.Settings.ScanPolling {
		s.mustSchedule(taskScan, scan, false, func() {
			s.submit(poller.ScanPoll, s.sync.Configs())
		})
	}
	s.mustSchedule(taskHA, s.config.Settings.HAPollInterval, true, func() {
		s.ha.Poll(s.ctx, s.sync.Configs())
	})
}

func (s *Service) mustSchedule(name string, d time.Duration, now bool, task scheduler.Task) {
	var err error
	if now {
		err = s.sched.RunNowAndSchedule(name, d, task)
	} else {
		err = s.sched.Schedule(name, d, task)
	}
	if err != nil {
		logger.Errorf("cannot schedule %s: %v", name, err)
	}
}

func pollTaskName(d time.Duration) string {
	return fmt.Sprintf("poll/%s", d)
}

func (s *Service) configsWithInterval(d, def time.Duration) []model.NetworkInstanceConfig {
	var out []model.NetworkInstanceConfig
	for _, cfg := range s.sync.Configs() {
		if cfg.RefreshInterval(def) == d {
			out = append(out, cfg)
		}
	}
	return out
}

func (s *Service) submit(t poller.RequestType, configs []model.NetworkInstanceConfig) {
	if len(configs) == 0 {
		return
	}
	s.mu.Lock()
	w := s.poller
	s.mu.Unlock()
	if w == nil {
		logger.Warningf("poller not running; dropping %s for %v", t, poller.NetworkNames(configs))
		s.dropped(t)
		return
	}
	seq, ok := w.Submit(poller.Request{Type: t, Topologies: configs})
	if !ok {
		s.dropped(t)
		return
	}
	logger.Debugf("submitted %s #%d for %v", t, seq, poller.NetworkNames(configs))
}

func (s *Service) dropped(t poller.RequestType) {
	if s.config.Metrics != nil {
		s.config.Metrics.DroppedRequest(t)
	}
}

func (s *Service) applyHA(r poller.Result) {
	s.sync.Apply(r)
	if s.config.Metrics != nil && r.HA != nil {
		s.config.Metrics.ObserveActivePeer(r.Name, ha.DetermineActiveController(r.HA.Primary, r.HA.Backup))
	}
}

// loop runs the poller and feeds its results to the synchronizer. A
// poller that dies on its own is restarted after PollerRestartDelay.
func (s *Service) loop() error {
	for {
		w, err := s.startPoller()
		if err != nil {
			return errors.Trace(err)
		}
		if !s.dispatch(w) {
			return s.catacomb.ErrDying()
		}
		select {
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()
		case <-s.config.Clock.After(s.config.Settings.PollerRestartDelay):
		}
		if s.config.Metrics != nil {
			s.config.Metrics.PollerRestarted()
		}
		logger.Infof("restarting poller")
	}
}

func (s *Service) startPoller() (*poller.Worker, error) {
	cfg := poller.Config{
		Client:      s.config.Client,
		Clock:       s.config.Clock,
		Timeout:     s.config.Settings.CallTimeout,
		Concurrency: s.config.Settings.Concurrency,
	}
	if s.config.Metrics != nil {
		cfg.Observer = s.config.Metrics
	}
	w, err := poller.New(cfg, &s.seq)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.Lock()
	s.poller = w
	s.mu.Unlock()
	select {
	case s.started <- struct{}{}:
	default:
	}
	return w, nil
}

// dispatch reports whether the poller died while the service was still
// running.
func (s *Service) dispatch(w *poller.Worker) bool {
	for {
		select {
		case <-s.catacomb.Dying():
			s.clearPoller()
			w.Kill()
			_ = w.Wait()
			return false
		case r := <-w.Results():
			s.sync.Apply(r)
		case <-w.Dead():
			s.clearPoller()
			s.drain(w)
			logger.Errorf("poller stopped (%v); restarting in %v", w.Wait(), s.config.Settings.PollerRestartDelay)
			return true
		}
	}
}

func (s *Service) drain(w *poller.Worker) {
	for {
		select {
		case r := <-w.Results():
			s.sync.Apply(r)
		default:
			return
		}
	}
}

func (s *Service) clearPoller() {
	s.mu.Lock()
	s.poller = nil
	s.mu.Unlock()
}

// OpenStore builds the config store named by settings. The consul store
// is only available in builds with the consul tag and falls back to the
// file store otherwise.
func OpenStore(settings config.Settings, clk clock.Clock) store.ConfigStore {
	file := store.NewFileStore(settings.ConfigDir, settings.InstancesFile, clk)
	if settings.Store == "consul" {
		return store.NewConsulStore(settings.ConsulAddr, settings.ConsulPrefix, settings.InstancesFile, clk, file)
	}
	return file
}
