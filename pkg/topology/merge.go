package topology

import (
	"math"
	"strings"
	"time"

	"mesh-nms/pkg/model"
)

// FilterByBase restricts topo to sites named in base plus any site that
// currently hosts an online node. Nodes on dropped sites go with them, and
// links lose their place when either end node was dropped.
func FilterByBase(topo model.Topology, base model.Topology) model.Topology {
	keepSite := make(map[string]bool, len(base.Sites))
	for _, s := range base.Sites {
		keepSite[s.Name] = true
	}
	for _, n := range topo.Nodes {
		if n.Status.IsOnline() {
			keepSite[n.SiteName] = true
		}
	}

	out := model.Topology{Name: topo.Name, Config: topo.Config}
	for _, s := range topo.Sites {
		if keepSite[s.Name] {
			out.Sites = append(out.Sites, s)
		}
	}
	removed := map[string]bool{}
	for _, n := range topo.Nodes {
		if keepSite[n.SiteName] {
			out.Nodes = append(out.Nodes, n)
		} else {
			removed[n.Name] = true
		}
	}
	for _, l := range topo.Links {
		if removed[l.ANodeName] || removed[l.ZNodeName] {
			continue
		}
		out.Links = append(out.Links, l)
	}
	return out
}

// PruneStatusReports deletes reports older than expiry from dump in place
// and returns how many were removed. Reports without a timestamp stay.
func PruneStatusReports(dump *model.StatusDump, now time.Time, expiry time.Duration) int {
	if dump == nil {
		return 0
	}
	pruned := 0
	for mac, r := range dump.StatusReports {
		if r.TimeStamp.IsZero() {
			continue
		}
		if now.Sub(r.TimeStamp.Time) > expiry {
			delete(dump.StatusReports, mac)
			pruned++
		}
	}
	return pruned
}

// JoinStatus attaches each node's status report, matched on MAC address.
func JoinStatus(topo *model.Topology, dump *model.StatusDump) {
	if dump == nil || len(dump.StatusReports) == 0 {
		return
	}
	byMac := make(map[string]model.StatusReport, len(dump.StatusReports))
	for mac, r := range dump.StatusReports {
		byMac[strings.ToLower(mac)] = r
	}
	for i := range topo.Nodes {
		if r, ok := byMac[strings.ToLower(topo.Nodes[i].MacAddr)]; ok {
			topo.Nodes[i].StatusDump = &r
		}
	}
}

// OverrideSiteCoords replaces live site locations with the ones on disk.
func OverrideSiteCoords(topo *model.Topology, disk model.Topology) {
	locs := make(map[string]model.Location, len(disk.Sites))
	for _, s := range disk.Sites {
		locs[s.Name] = s.Location
	}
	for i, s := range topo.Sites {
		if loc, ok := locs[s.Name]; ok {
			topo.Sites[i].Location = loc
		}
	}
}

// ExpandUpgradeState resolves node names against topo. Names without a
// node are dropped.
func ExpandUpgradeState(st *model.UpgradeState, topo model.Topology) *model.UpgradeStateDump {
	if st == nil {
		return nil
	}
	nodes := topo.NodeByName()
	resolve := func(names []string) []model.Node {
		out := make([]model.Node, 0, len(names))
		for _, name := range names {
			if n, ok := nodes[name]; ok {
				out = append(out, n)
			}
		}
		return out
	}
	dump := &model.UpgradeStateDump{
		CurBatch:       resolve(st.CurBatch),
		PendingBatches: make([][]model.Node, 0, len(st.PendingBatches)),
		CurReq:         st.CurReq,
		PendingReqs:    st.PendingReqs,
	}
	for _, batch := range st.PendingBatches {
		dump.PendingBatches = append(dump.PendingBatches, resolve(batch))
	}
	return dump
}

// ComputeBounds returns the box around all sites.
func ComputeBounds(sites []model.Site) model.Bounds {
	if len(sites) == 0 {
		return model.DefaultBounds
	}
	first := sites[0].Location
	b := model.Bounds{{first.Longitude, first.Latitude}, {first.Longitude, first.Latitude}}
	for _, s := range sites[1:] {
		lng, lat := s.Location.Longitude, s.Location.Latitude
		b[0][0] = math.Min(b[0][0], lng)
		b[0][1] = math.Min(b[0][1], lat)
		b[1][0] = math.Max(b[1][0], lng)
		b[1][1] = math.Max(b[1][1], lat)
	}
	return b
}

const earthRadius = 6371000.0

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// approxDistance is the equirectangular distance in metres.
func approxDistance(a, b model.Location) float64 {
	lat1, lat2 := radians(a.Latitude), radians(b.Latitude)
	x := radians(b.Longitude-a.Longitude) * math.Cos((lat1+lat2)/2)
	y := lat2 - lat1
	return math.Sqrt(x*x+y*y) * earthRadius
}

// bearing is the initial heading from a to b in degrees clockwise from north.
func bearing(a, b model.Location) float64 {
	lat1, lat2 := radians(a.Latitude), radians(b.Latitude)
	dLng := radians(b.Longitude - a.Longitude)
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// AnnotateLinks fills in Link.Meta where both end sites are known.
func AnnotateLinks(topo *model.Topology) {
	sites := make(map[string]model.Location, len(topo.Sites))
	for _, s := range topo.Sites {
		sites[s.Name] = s.Location
	}
	nodeSite := make(map[string]string, len(topo.Nodes))
	for _, n := range topo.Nodes {
		nodeSite[n.Name] = n.SiteName
	}
	for i, l := range topo.Links {
		a, aok := sites[nodeSite[l.ANodeName]]
		z, zok := sites[nodeSite[l.ZNodeName]]
		if !aok || !zok {
			topo.Links[i].Meta = nil
			continue
		}
		topo.Links[i].Meta = &model.LinkMeta{
			Distance: approxDistance(a, z),
			Angle:    bearing(a, z),
		}
	}
}

// ControllerVersion cleans the version string from a status dump.
func ControllerVersion(raw string) string {
	return strings.TrimSpace(raw)
}
