// Package controllertest provides an in-memory controller.Client.
package controllertest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/errors"

	"mesh-nms/pkg/model"
)

// Peer is the canned state of one controller address. A nil field makes
// the matching call fail.
type Peer struct {
	Topology   *model.Topology
	StatusDump *model.StatusDump
	Ignition   *model.IgnitionState
	Upgrade    *model.UpgradeState
	Scan       json.RawMessage
	HA         *model.FsmState
	// Block, if set, holds every call until it is closed or the context ends.
	Block chan struct{}
}

// Fake serves Peers keyed by address and counts calls.
type Fake struct {
	mu    sync.Mutex
	peers map[string]*Peer
	calls map[string]int
}

func NewFake() *Fake {
	return &Fake{peers: map[string]*Peer{}, calls: map[string]int{}}
}

// Set replaces the state served at addr.
func (f *Fake) Set(addr string, p Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[addr] = &p
}

// Update edits the state served at addr in place.
func (f *Fake) Update(addr string, fn func(*Peer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.peers[addr]
	if p == nil {
		p = &Peer{}
		f.peers[addr] = p
	}
	fn(p)
}

// Calls returns how often method was called against addr.
func (f *Fake) Calls(addr, method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[addr+"/"+method]
}

func (f *Fake) peer(ctx context.Context, addr, method string) (Peer, error) {
	f.mu.Lock()
	f.calls[addr+"/"+method]++
	p := f.peers[addr]
	var block chan struct{}
	if p != nil {
		block = p.Block
	}
	f.mu.Unlock()
	if p == nil {
		return Peer{}, errors.Errorf("%s %s: connection refused", method, addr)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Peer{}, errors.Annotatef(ctx.Err(), "%s %s", method, addr)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.peers[addr], nil
}

func (f *Fake) GetTopology(ctx context.Context, addr string) (model.Topology, error) {
	p, err := f.peer(ctx, addr, "getTopology")
	if err != nil {
		return model.Topology{}, err
	}
	if p.Topology == nil {
		return model.Topology{}, errors.Errorf("getTopology %s: timed out", addr)
	}
	return p.Topology.Clone(), nil
}

func (f *Fake) GetStatusDump(ctx context.Context, addr string) (model.StatusDump, error) {
	p, err := f.peer(ctx, addr, "getCtrlStatusDump")
	if err != nil {
		return model.StatusDump{}, err
	}
	if p.StatusDump == nil {
		return model.StatusDump{}, errors.Errorf("getCtrlStatusDump %s: timed out", addr)
	}
	out := *p.StatusDump
	out.StatusReports = make(map[string]model.StatusReport, len(p.StatusDump.StatusReports))
	for k, v := range p.StatusDump.StatusReports {
		out.StatusReports[k] = v
	}
	return out, nil
}

func (f *Fake) GetIgnitionState(ctx context.Context, addr string) (model.IgnitionState, error) {
	p, err := f.peer(ctx, addr, "getIgnitionState")
	if err != nil {
		return model.IgnitionState{}, err
	}
	if p.Ignition == nil {
		return model.IgnitionState{}, errors.Errorf("getIgnitionState %s: timed out", addr)
	}
	return *p.Ignition, nil
}

func (f *Fake) GetUpgradeState(ctx context.Context, addr string) (model.UpgradeState, error) {
	p, err := f.peer(ctx, addr, "getUpgradeState")
	if err != nil {
		return model.UpgradeState{}, err
	}
	if p.Upgrade == nil {
		return model.UpgradeState{}, errors.Errorf("getUpgradeState %s: timed out", addr)
	}
	return *p.Upgrade, nil
}

func (f *Fake) GetScanStatus(ctx context.Context, addr string) (json.RawMessage, error) {
	p, err := f.peer(ctx, addr, "getScanStatus")
	if err != nil {
		return nil, err
	}
	if p.Scan == nil {
		return nil, errors.Errorf("getScanStatus %s: timed out", addr)
	}
	return p.Scan, nil
}

func (f *Fake) GetHighAvailabilityState(ctx context.Context, addr string) (model.HAStatus, error) {
	p, err := f.peer(ctx, addr, "getHighAvailabilityState")
	if err != nil {
		return model.HAStatus{}, err
	}
	if p.HA == nil {
		return model.HAStatus{}, errors.Errorf("getHighAvailabilityState %s: timed out", addr)
	}
	return model.HAStatus{State: model.FsmStatePtr(*p.HA)}, nil
}
