package topology_test

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"mesh-nms/pkg/model"
	"mesh-nms/pkg/topology"
)

func TestComputeBounds(t *testing.T) {
	c := qt.New(t)
	c.Assert(topology.ComputeBounds(nil), qt.Equals, model.DefaultBounds)
	b := topology.ComputeBounds([]model.Site{
		{Location: model.Location{Latitude: 37.48, Longitude: -122.15}},
		{Location: model.Location{Latitude: 37.49, Longitude: -122.14}},
		{Location: model.Location{Latitude: 37.47, Longitude: -122.145}},
	})
	c.Assert(b, qt.Equals, model.Bounds{{-122.15, 37.47}, {-122.14, 37.49}})
}

func TestAnnotateLinks(t *testing.T) {
	c := qt.New(t)
	topo := model.Topology{
		Nodes: []model.Node{{Name: "a", SiteName: "sa"}, {Name: "b", SiteName: "sb"}, {Name: "c", SiteName: "nowhere"}},
		Links: []model.Link{{Name: "ab", ANodeName: "a", ZNodeName: "b"}, {Name: "ac", ANodeName: "a", ZNodeName: "c"}},
		Sites: []model.Site{
			{Name: "sa", Location: model.Location{Latitude: 0, Longitude: 0}},
			// One thousandth of a degree due north is about 111 m.
			{Name: "sb", Location: model.Location{Latitude: 0.001, Longitude: 0}},
		},
	}
	topology.AnnotateLinks(&topo)
	c.Assert(topo.Links[0].Meta, qt.Not(qt.IsNil))
	c.Assert(topo.Links[0].Meta.Distance > 110 && topo.Links[0].Meta.Distance < 112, qt.IsTrue, qt.Commentf("%v", topo.Links[0].Meta.Distance))
	c.Assert(topo.Links[0].Meta.Angle, qt.Equals, 0.0)
	c.Assert(topo.Links[1].Meta, qt.IsNil)
}

func TestPruneKeepsUntimedReports(t *testing.T) {
	c := qt.New(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dump := &model.StatusDump{StatusReports: map[string]model.StatusReport{
		"untimed": {},
		"old":     {TimeStamp: model.UnixTime{Time: now.Add(-time.Hour)}},
	}}
	c.Assert(topology.PruneStatusReports(dump, now, time.Minute), qt.Equals, 1)
	_, ok := dump.StatusReports["untimed"]
	c.Assert(ok, qt.IsTrue)
}

func TestJoinStatusIgnoresMacCase(t *testing.T) {
	c := qt.New(t)
	topo := model.Topology{Nodes: []model.Node{{Name: "a", MacAddr: "AA:BB"}}}
	topology.JoinStatus(&topo, &model.StatusDump{StatusReports: map[string]model.StatusReport{
		"aa:bb": {Version: "v1"},
	}})
	c.Assert(topo.Nodes[0].StatusDump.Version, qt.Equals, "v1")
}

func TestControllerVersion(t *testing.T) {
	qt.Assert(t, topology.ControllerVersion("RELEASE_M40\n\n"), qt.Equals, "RELEASE_M40")
}
