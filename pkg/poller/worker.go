// Package poller performs the blocking controller calls for every managed
// network off the caller's goroutine and reports each call as a Result.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4/catacomb"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"mesh-nms/pkg/controller"
	"mesh-nms/pkg/model"
)

var logger = loggo.GetLogger("nms.poller")

const (
	DefaultTimeout     = 4 * time.Second
	DefaultConcurrency = 8
)

// Observer receives one callback per finished call.
type Observer interface {
	ObserveCall(network string, rtype ResultType, success bool, d time.Duration)
}

// Config holds the worker's dependencies.
type Config struct {
	Client controller.Client
	Clock  clock.Clock
	// Timeout bounds each individual call.
	Timeout time.Duration
	// Concurrency caps calls in flight across all networks and cycles.
	Concurrency int
	// QueueSize is the inbound request buffer.
	QueueSize int
	// ResultBuffer is the outbound result buffer.
	ResultBuffer int
	Observer     Observer
}

func (c Config) Validate() error {
	if c.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Timeout < 0 {
		return errors.NotValidf("negative Timeout")
	}
	if c.Concurrency < 0 {
		return errors.NotValidf("negative Concurrency")
	}
	return nil
}

// Worker is a long-lived poller. Submit hands it requests; Results yields
// what came back.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	seq      *atomic.Uint64
	requests chan Request
	results  chan Result
	sem      *semaphore.Weighted
}

// New starts a worker. seq is shared between restarts so sequence numbers
// keep increasing; pass nil to start from zero.
func New(config Config, seq *atomic.Uint64) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Concurrency == 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 4
	}
	if config.ResultBuffer <= 0 {
		config.ResultBuffer = 256
	}
	if seq == nil {
		seq = new(atomic.Uint64)
	}
	w := &Worker{
		config:   config,
		seq:      seq,
		requests: make(chan Request, config.QueueSize),
		results:  make(chan Result, config.ResultBuffer),
		sem:      semaphore.NewWeighted(int64(config.Concurrency)),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// Dead is closed once the worker has stopped.
func (w *Worker) Dead() <-chan struct{} {
	return w.catacomb.Dead()
}

// Results is the stream of completed calls.
func (w *Worker) Results() <-chan Result {
	return w.results
}

// Submit queues a request without blocking, stamping it with the next
// sequence number. It reports false when the queue is full or the worker
// is dying; the caller's next tick is the retry.
func (w *Worker) Submit(req Request) (uint64, bool) {
	req.Seq = w.seq.Add(1)
	select {
	case <-w.catacomb.Dying():
		return req.Seq, false
	default:
	}
	select {
	case w.requests <- req:
		return req.Seq, true
	default:
		logger.Warningf("poll queue full, dropping %s request #%d", req.Type, req.Seq)
		return req.Seq, false
	}
}

func (w *Worker) loop() error {
	ctx, cancel := context.WithCancel(context.Background())
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
	}()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case req := <-w.requests:
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				w.run(ctx, req)
			}()
		}
	}
}

type call struct {
	rtype ResultType
	fn    func(ctx context.Context, addr string, r *Result) error
}

func (w *Worker) callsFor(t RequestType) []call {
	cli := w.config.Client
	switch t {
	case Poll:
		return []call{
			{TopologyUpdate, func(ctx context.Context, addr string, r *Result) error {
				topo, err := cli.GetTopology(ctx, addr)
				r.Topology = &topo
				return err
			}},
			{StatusDumpUpdate, func(ctx context.Context, addr string, r *Result) error {
				dump, err := cli.GetStatusDump(ctx, addr)
				r.StatusDump = &dump
				return err
			}},
			{IgnitionState, func(ctx context.Context, addr string, r *Result) error {
				st, err := cli.GetIgnitionState(ctx, addr)
				r.IgnitionState = &st
				return err
			}},
			{UpgradeState, func(ctx context.Context, addr string, r *Result) error {
				st, err := cli.GetUpgradeState(ctx, addr)
				r.UpgradeState = &st
				return err
			}},
		}
	case ScanPoll:
		return []call{
			{ScanStatus, func(ctx context.Context, addr string, r *Result) error {
				st, err := cli.GetScanStatus(ctx, addr)
				r.ScanStatus = st
				return err
			}},
		}
	}
	return nil
}

func (w *Worker) run(ctx context.Context, req Request) {
	calls := w.callsFor(req.Type)
	if len(calls) == 0 {
		logger.Warningf("ignoring request with unknown type %q", req.Type)
		return
	}
	var g errgroup.Group
	for _, topo := range req.Topologies {
		name, addr := topo.Name, topo.ActiveEndpoint()
		for _, c := range calls {
			c := c
			g.Go(func() error {
				if err := w.sem.Acquire(ctx, 1); err != nil {
					return nil
				}
				defer w.sem.Release(1)
				w.emit(ctx, w.do(ctx, req.Seq, name, addr, c))
				return nil
			})
		}
	}
	_ = g.Wait()
	logger.Tracef("%s request #%d done for %d networks", req.Type, req.Seq, len(req.Topologies))
}

func (w *Worker) do(ctx context.Context, seq uint64, name, addr string, c call) Result {
	r := Result{Type: c.rtype, Name: name, Seq: seq}
	callCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()
	start := w.config.Clock.Now()
	err := c.fn(callCtx, addr, &r)
	r.ResponseTime = w.config.Clock.Now().Sub(start)
	if err != nil {
		failed := Result{Type: r.Type, Name: name, Seq: seq, ResponseTime: r.ResponseTime, Err: err.Error()}
		logger.Debugf("%s for %q at %s failed: %v", c.rtype, name, addr, err)
		r = failed
	} else {
		r.Success = true
	}
	if w.config.Observer != nil {
		w.config.Observer.ObserveCall(name, r.Type, r.Success, r.ResponseTime)
	}
	return r
}

func (w *Worker) emit(ctx context.Context, r Result) {
	select {
	case w.results <- r:
	case <-ctx.Done():
	}
}

// NetworkNames is a logging helper.
func NetworkNames(configs []model.NetworkInstanceConfig) []string {
	out := make([]string, len(configs))
	for i, c := range configs {
		out[i] = c.Name
	}
	return out
}
