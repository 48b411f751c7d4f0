package poller_test

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock"
	"go.uber.org/goleak"

	"mesh-nms/pkg/controller/controllertest"
	"mesh-nms/pkg/model"
	"mesh-nms/pkg/poller"
)

const wait = 5 * time.Second

type recordingObserver struct {
	mu    sync.Mutex
	calls map[poller.ResultType]int
}

func (o *recordingObserver) ObserveCall(_ string, rtype poller.ResultType, _ bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = map[poller.ResultType]int{}
	}
	o.calls[rtype]++
}

func newWorker(c *qt.C, fake *controllertest.Fake, timeout time.Duration, obs poller.Observer) *poller.Worker {
	w, err := poller.New(poller.Config{
		Client:   fake,
		Clock:    clock.WallClock,
		Timeout:  timeout,
		Observer: obs,
	}, nil)
	c.Assert(err, qt.IsNil)
	return w
}

func stop(c *qt.C, w *poller.Worker) {
	w.Kill()
	c.Check(w.Wait(), qt.IsNil)
}

func collect(c *qt.C, w *poller.Worker, n int) []poller.Result {
	var out []poller.Result
	for len(out) < n {
		select {
		case r := <-w.Results():
			out = append(out, r)
		case <-time.After(wait):
			c.Fatalf("got %d of %d results", len(out), n)
		}
	}
	return out
}

func byKey(results []poller.Result) map[string]poller.Result {
	out := map[string]poller.Result{}
	for _, r := range results {
		out[r.Name+"/"+string(r.Type)] = r
	}
	return out
}

func healthyPeer() controllertest.Peer {
	return controllertest.Peer{
		Topology:   &model.Topology{Name: "alpha", Nodes: []model.Node{{Name: "n1"}}},
		StatusDump: &model.StatusDump{Version: "RELEASE_M20\n"},
		Ignition:   &model.IgnitionState{IgCandidates: []model.IgnitionCandidate{{LinkName: "l1"}}},
		Upgrade:    &model.UpgradeState{CurBatch: []string{"n1"}},
		Scan:       json.RawMessage(`{"scans":{}}`),
	}
}

func TestPollEmitsOneResultPerCall(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	fake := controllertest.NewFake()
	fake.Set("10.0.0.1", healthyPeer())
	obs := &recordingObserver{}
	w := newWorker(c, fake, time.Second, obs)
	defer stop(c, w)

	seq, ok := w.Submit(poller.Request{Type: poller.Poll, Topologies: []model.NetworkInstanceConfig{
		{Name: "alpha", ControllerIP: "10.0.0.1"},
		{Name: "beta", ControllerIP: "10.0.0.9"},
	}})
	c.Assert(ok, qt.IsTrue)
	c.Assert(seq, qt.Equals, uint64(1))

	got := byKey(collect(c, w, 8))
	c.Assert(got, qt.HasLen, 8)

	topo := got["alpha/topology_update"]
	c.Assert(topo.Success, qt.IsTrue)
	c.Assert(topo.Seq, qt.Equals, uint64(1))
	c.Assert(topo.Topology.Name, qt.Equals, "alpha")
	c.Assert(got["alpha/status_dump_update"].StatusDump.Version, qt.Equals, "RELEASE_M20\n")
	c.Assert(got["alpha/ignition_state"].IgnitionState.IgCandidates, qt.HasLen, 1)
	c.Assert(got["alpha/upgrade_state"].UpgradeState.CurBatch, qt.DeepEquals, []string{"n1"})

	for _, rtype := range []poller.ResultType{poller.TopologyUpdate, poller.StatusDumpUpdate, poller.IgnitionState, poller.UpgradeState} {
		r := got["beta/"+string(rtype)]
		c.Assert(r.Success, qt.IsFalse, qt.Commentf("%s", rtype))
		c.Assert(r.Err, qt.Not(qt.Equals), "")
		c.Assert(r.Topology, qt.IsNil)
		c.Assert(r.StatusDump, qt.IsNil)
	}

	obs.mu.Lock()
	c.Assert(obs.calls[poller.TopologyUpdate], qt.Equals, 2)
	obs.mu.Unlock()
}

func TestPollUsesActiveAddress(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	fake := controllertest.NewFake()
	fake.Set("10.0.0.2", healthyPeer())
	w := newWorker(c, fake, time.Second, nil)
	defer stop(c, w)

	_, ok := w.Submit(poller.Request{Type: poller.Poll, Topologies: []model.NetworkInstanceConfig{
		{Name: "alpha", ControllerIP: "10.0.0.1", ControllerIPBackup: "10.0.0.2", ControllerIPActive: "10.0.0.2"},
	}})
	c.Assert(ok, qt.IsTrue)
	for _, r := range collect(c, w, 4) {
		c.Assert(r.Success, qt.IsTrue)
	}
	c.Assert(fake.Calls("10.0.0.1", "getTopology"), qt.Equals, 0)
	c.Assert(fake.Calls("10.0.0.2", "getTopology"), qt.Equals, 1)
}

func TestPollUsesNetworkAPIPort(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	fake := controllertest.NewFake()
	fake.Set("10.0.0.1:9443", healthyPeer())
	w := newWorker(c, fake, time.Second, nil)
	defer stop(c, w)

	_, ok := w.Submit(poller.Request{Type: poller.Poll, Topologies: []model.NetworkInstanceConfig{
		{Name: "alpha", ControllerIP: "10.0.0.1", APIPort: 9443},
	}})
	c.Assert(ok, qt.IsTrue)
	for _, r := range collect(c, w, 4) {
		c.Assert(r.Success, qt.IsTrue, qt.Commentf("%s: %s", r.Type, r.Err))
	}
	c.Assert(fake.Calls("10.0.0.1", "getTopology"), qt.Equals, 0)
	c.Assert(fake.Calls("10.0.0.1:9443", "getTopology"), qt.Equals, 1)
}

func TestScanPoll(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	fake := controllertest.NewFake()
	fake.Set("10.0.0.1", healthyPeer())
	w := newWorker(c, fake, time.Second, nil)
	defer stop(c, w)

	_, ok := w.Submit(poller.Request{Type: poller.ScanPoll, Topologies: []model.NetworkInstanceConfig{{Name: "alpha", ControllerIP: "10.0.0.1"}}})
	c.Assert(ok, qt.IsTrue)
	r := collect(c, w, 1)[0]
	c.Assert(r.Type, qt.Equals, poller.ScanStatus)
	c.Assert(string(r.ScanStatus), qt.Equals, `{"scans":{}}`)
}

func TestSlowNetworkDoesNotBlockOthers(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	fake := controllertest.NewFake()
	block := make(chan struct{})
	slow := healthyPeer()
	slow.Block = block
	fake.Set("10.0.0.1", slow)
	fake.Set("10.0.0.2", healthyPeer())
	w := newWorker(c, fake, time.Minute, nil)
	defer stop(c, w)
	defer close(block)

	_, ok := w.Submit(poller.Request{Type: poller.Poll, Topologies: []model.NetworkInstanceConfig{
		{Name: "slow", ControllerIP: "10.0.0.1"},
		{Name: "fast", ControllerIP: "10.0.0.2"},
	}})
	c.Assert(ok, qt.IsTrue)
	for _, r := range collect(c, w, 4) {
		c.Assert(r.Name, qt.Equals, "fast")
		c.Assert(r.Success, qt.IsTrue)
	}
}

func TestCallTimeoutReportsFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	fake := controllertest.NewFake()
	block := make(chan struct{})
	defer close(block)
	hung := healthyPeer()
	hung.Block = block
	fake.Set("10.0.0.1", hung)
	w := newWorker(c, fake, 20*time.Millisecond, nil)
	defer stop(c, w)

	_, ok := w.Submit(poller.Request{Type: poller.ScanPoll, Topologies: []model.NetworkInstanceConfig{{Name: "alpha", ControllerIP: "10.0.0.1"}}})
	c.Assert(ok, qt.IsTrue)
	r := collect(c, w, 1)[0]
	c.Assert(r.Success, qt.IsFalse)
	c.Assert(r.Err, qt.Contains, "context deadline exceeded")
}

func TestKillAbandonsInflightCalls(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	fake := controllertest.NewFake()
	hung := healthyPeer()
	hung.Block = make(chan struct{})
	fake.Set("10.0.0.1", hung)
	w, err := poller.New(poller.Config{Client: fake, Clock: clock.WallClock, Timeout: time.Minute}, nil)
	c.Assert(err, qt.IsNil)

	_, ok := w.Submit(poller.Request{Type: poller.Poll, Topologies: []model.NetworkInstanceConfig{{Name: "alpha", ControllerIP: "10.0.0.1"}}})
	c.Assert(ok, qt.IsTrue)

	w.Kill()
	done := make(chan error, 1)
	go func() { done <- w.Wait() }()
	select {
	case err := <-done:
		c.Assert(err, qt.IsNil)
	case <-time.After(wait):
		c.Fatalf("worker did not stop")
	}

	_, ok = w.Submit(poller.Request{Type: poller.Poll})
	c.Assert(ok, qt.IsFalse)
}

func TestSequenceSharedAcrossWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	fake := controllertest.NewFake()
	seq := new(atomic.Uint64)
	first, err := poller.New(poller.Config{Client: fake, Clock: clock.WallClock}, seq)
	c.Assert(err, qt.IsNil)
	s1, _ := first.Submit(poller.Request{Type: poller.Poll})
	first.Kill()
	c.Assert(first.Wait(), qt.IsNil)

	second, err := poller.New(poller.Config{Client: fake, Clock: clock.WallClock}, seq)
	c.Assert(err, qt.IsNil)
	s2, _ := second.Submit(poller.Request{Type: poller.Poll})
	second.Kill()
	c.Assert(second.Wait(), qt.IsNil)
	c.Assert(s2 > s1, qt.IsTrue)
}

func TestConfigValidation(t *testing.T) {
	c := qt.New(t)
	_, err := poller.New(poller.Config{Clock: clock.WallClock}, nil)
	c.Assert(err, qt.ErrorMatches, "nil Client not valid")
}
