//go:build consul

package consul_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"

	"mesh-nms/pkg/consul"
)

const wait = 5 * time.Second

// kvServer answers KV list queries: the first fails, the next two report
// indexes 1 and 2, and later ones block like a long poll.
func kvServer(c *qt.C) string {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.URL.Path, qt.Equals, "/v1/kv/mesh-nms/config")
		switch n.Add(1) {
		case 1:
			http.Error(w, "no cluster leader", http.StatusInternalServerError)
		case 2:
			writeIndex(w, "1")
		case 3:
			writeIndex(w, "2")
		default:
			<-r.Context().Done()
		}
	}))
	c.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func writeIndex(w http.ResponseWriter, index string) {
	w.Header().Set("X-Consul-Index", index)
	w.Header().Set("X-Consul-LastContact", "0")
	w.Header().Set("X-Consul-KnownLeader", "true")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`[]`))
}

func TestWatchRetriesOnInjectedClock(t *testing.T) {
	c := qt.New(t)
	clk := testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s := consul.NewStore(kvServer(c), consul.DefaultPrefix, "instances.json", clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 1)
	c.Assert(s.Watch(ctx, func() { changed <- struct{}{} }), qt.IsNil)

	// The failed query parks the watcher on the clock; nothing else moves it.
	c.Assert(clk.WaitAdvance(consul.WatchRetryDelay, wait, 1), qt.IsNil)
	select {
	case <-changed:
	case <-time.After(wait):
		c.Fatal("index change not reported")
	}
}
