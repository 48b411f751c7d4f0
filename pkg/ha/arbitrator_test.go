package ha_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock"

	"mesh-nms/pkg/controller"
	"mesh-nms/pkg/controller/controllertest"
	"mesh-nms/pkg/ha"
	"mesh-nms/pkg/model"
	"mesh-nms/pkg/poller"
)

func state(s model.FsmState) *model.FsmState { return model.FsmStatePtr(s) }

func TestDetermineActiveController(t *testing.T) {
	tests := []struct {
		about   string
		primary *model.FsmState
		backup  *model.FsmState
		expect  model.PeerType
	}{{
		about:   "backup active wins",
		primary: state(model.FsmPassive),
		backup:  state(model.FsmActive),
		expect:  model.PeerBackup,
	}, {
		about:   "primary active, backup unreachable",
		primary: state(model.FsmActive),
		expect:  model.PeerPrimary,
	}, {
		about:  "both unreachable fails open to primary",
		expect: model.PeerPrimary,
	}, {
		about:  "primary unreachable, backup passive",
		backup: state(model.FsmPassive),
		expect: model.PeerPrimary,
	}, {
		about:  "primary unreachable, backup active",
		backup: state(model.FsmActive),
		expect: model.PeerBackup,
	}, {
		about:   "HA disabled on primary overrides backup",
		primary: state(model.FsmHADisabled),
		backup:  state(model.FsmActive),
		expect:  model.PeerPrimary,
	}, {
		about:   "backup still in BACKUP role",
		primary: state(model.FsmPrimary),
		backup:  state(model.FsmBackup),
		expect:  model.PeerPrimary,
	}}
	for _, test := range tests {
		t.Run(test.about, func(t *testing.T) {
			qt.Assert(t, ha.DetermineActiveController(test.primary, test.backup), qt.Equals, test.expect)
		})
	}
}

var pair = model.NetworkInstanceConfig{Name: "lab", ControllerIP: "10.0.0.1", ControllerIPBackup: "10.0.0.2"}

func TestAddresses(t *testing.T) {
	c := qt.New(t)
	active, passive := ha.Addresses(pair, model.HAState{Primary: state(model.FsmPassive), Backup: state(model.FsmActive)})
	c.Assert(active, qt.Equals, "10.0.0.2")
	c.Assert(passive, qt.Equals, "10.0.0.1")

	active, passive = ha.Addresses(pair, model.HAState{Primary: state(model.FsmActive)})
	c.Assert(active, qt.Equals, "10.0.0.1")
	c.Assert(passive, qt.Equals, "10.0.0.2")

	single := model.NetworkInstanceConfig{Name: "solo", ControllerIP: "10.0.0.5"}
	active, passive = ha.Addresses(single, model.HAState{Backup: state(model.FsmActive)})
	c.Assert(active, qt.Equals, "10.0.0.5")
	c.Assert(passive, qt.Equals, "")
}

type notifications struct {
	mu      sync.Mutex
	results []poller.Result
}

func (n *notifications) add(r poller.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, r)
}

func newArbitrator(c *qt.C, fake *controllertest.Fake, n *notifications) *ha.Arbitrator {
	cfg := ha.Config{Client: fake, Clock: clock.WallClock}
	if n != nil {
		cfg.Notify = n.add
	}
	a, err := ha.New(cfg)
	c.Assert(err, qt.IsNil)
	return a
}

func TestPollRecordsBothPeers(t *testing.T) {
	c := qt.New(t)
	fake := controllertest.NewFake()
	fake.Set("10.0.0.1", controllertest.Peer{HA: state(model.FsmPassive)})
	fake.Set("10.0.0.2", controllertest.Peer{HA: state(model.FsmActive)})
	n := &notifications{}
	a := newArbitrator(c, fake, n)

	a.Poll(context.Background(), []model.NetworkInstanceConfig{pair})
	st := a.State("lab")
	c.Assert(*st.Primary, qt.Equals, model.FsmPassive)
	c.Assert(*st.Backup, qt.Equals, model.FsmActive)

	c.Assert(n.results, qt.HasLen, 1)
	c.Assert(n.results[0].Type, qt.Equals, poller.BStarState)
	c.Assert(n.results[0].Success, qt.IsTrue)
	c.Assert(n.results[0].HA, qt.DeepEquals, &st)
}

func TestUnreachablePeerIsNil(t *testing.T) {
	c := qt.New(t)
	fake := controllertest.NewFake()
	fake.Set("10.0.0.1", controllertest.Peer{HA: state(model.FsmActive)})
	fake.Set("10.0.0.2", controllertest.Peer{HA: state(model.FsmPassive)})
	a := newArbitrator(c, fake, nil)
	a.Poll(context.Background(), []model.NetworkInstanceConfig{pair})
	c.Assert(a.State("lab").Backup, qt.Not(qt.IsNil))

	// The backup stops answering: its role must not be kept.
	fake.Update("10.0.0.2", func(p *controllertest.Peer) { p.HA = nil })
	a.Poll(context.Background(), []model.NetworkInstanceConfig{pair})
	st := a.State("lab")
	c.Assert(st.Backup, qt.IsNil)
	c.Assert(*st.Primary, qt.Equals, model.FsmActive)
}

func TestSinglePeerNetworkSkipsBackup(t *testing.T) {
	c := qt.New(t)
	fake := controllertest.NewFake()
	fake.Set("10.0.0.5", controllertest.Peer{HA: state(model.FsmHADisabled)})
	a := newArbitrator(c, fake, nil)
	a.Poll(context.Background(), []model.NetworkInstanceConfig{{Name: "solo", ControllerIP: "10.0.0.5"}})
	c.Assert(*a.State("solo").Primary, qt.Equals, model.FsmHADisabled)
	c.Assert(a.State("solo").Backup, qt.IsNil)
}

func TestResetClearsState(t *testing.T) {
	c := qt.New(t)
	fake := controllertest.NewFake()
	fake.Set("10.0.0.1", controllertest.Peer{HA: state(model.FsmPassive)})
	fake.Set("10.0.0.2", controllertest.Peer{HA: state(model.FsmActive)})
	a := newArbitrator(c, fake, nil)
	a.Poll(context.Background(), []model.NetworkInstanceConfig{pair})

	a.Reset([]string{"lab", "other"})
	c.Assert(a.State("lab"), qt.DeepEquals, model.HAState{})
	c.Assert(a.State("other"), qt.DeepEquals, model.HAState{})
}

func TestBothPeersDownReportsFailure(t *testing.T) {
	c := qt.New(t)
	n := &notifications{}
	a := newArbitrator(c, controllertest.NewFake(), n)
	a.Poll(context.Background(), []model.NetworkInstanceConfig{pair})
	c.Assert(n.results, qt.HasLen, 1)
	c.Assert(n.results[0].Success, qt.IsFalse)
	c.Assert(n.results[0].HA, qt.DeepEquals, &model.HAState{})
}

func TestOlderPollDoesNotOverwriteNewer(t *testing.T) {
	c := qt.New(t)
	fake := controllertest.NewFake()
	block := make(chan struct{})
	defer close(block)
	fake.Set("10.0.0.5", controllertest.Peer{HA: state(model.FsmActive), Block: block})
	n := &notifications{}
	a := newArbitrator(c, fake, n)
	solo := []model.NetworkInstanceConfig{{Name: "solo", ControllerIP: "10.0.0.5"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Poll(ctx, solo)
	}()
	for fake.Calls("10.0.0.5", "getHighAvailabilityState") == 0 {
		time.Sleep(time.Millisecond)
	}

	fake.Update("10.0.0.5", func(p *controllertest.Peer) { p.Block = nil })
	a.Poll(context.Background(), solo)
	c.Assert(*a.State("solo").Primary, qt.Equals, model.FsmActive)

	// The first poll now fails; its result is older and must be ignored.
	cancel()
	<-done
	c.Assert(a.State("solo").Primary, qt.Not(qt.IsNil))
	c.Assert(*a.State("solo").Primary, qt.Equals, model.FsmActive)
	n.mu.Lock()
	defer n.mu.Unlock()
	c.Assert(n.results, qt.HasLen, 1)
	c.Assert(n.results[0].Seq, qt.Equals, uint64(2))
}

func haServer(c *qt.C, body string) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	c.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestMissingStateIsUnreachable(t *testing.T) {
	c := qt.New(t)
	cfg := model.NetworkInstanceConfig{
		Name:               "lab",
		ControllerIP:       haServer(c, `{}`),
		ControllerIPBackup: haServer(c, `{"state":"STATE_ACTIVE"}`),
	}
	a, err := ha.New(ha.Config{Client: controller.NewHTTPClient(0, time.Second), Clock: clock.WallClock})
	c.Assert(err, qt.IsNil)

	a.Poll(context.Background(), []model.NetworkInstanceConfig{cfg})
	st := a.State("lab")
	c.Assert(st.Primary, qt.IsNil)
	c.Assert(*st.Backup, qt.Equals, model.FsmActive)
	c.Assert(ha.DetermineActiveController(st.Primary, st.Backup), qt.Equals, model.PeerBackup)
}

func TestPollUsesNetworkAPIPort(t *testing.T) {
	c := qt.New(t)
	fake := controllertest.NewFake()
	fake.Set("10.0.0.1:9443", controllertest.Peer{HA: state(model.FsmPassive)})
	fake.Set("10.0.0.2:9443", controllertest.Peer{HA: state(model.FsmActive)})
	a := newArbitrator(c, fake, nil)

	withPort := pair
	withPort.APIPort = 9443
	a.Poll(context.Background(), []model.NetworkInstanceConfig{withPort})
	st := a.State("lab")
	c.Assert(*st.Primary, qt.Equals, model.FsmPassive)
	c.Assert(*st.Backup, qt.Equals, model.FsmActive)
	c.Assert(fake.Calls("10.0.0.1", "getHighAvailabilityState"), qt.Equals, 0)
}
