package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"mesh-nms/pkg/model"
	"mesh-nms/pkg/store"
)

func writeFile(c *qt.C, path, content string) {
	c.Assert(os.MkdirAll(filepath.Dir(path), 0o755), qt.IsNil)
	c.Assert(os.WriteFile(path, []byte(content), 0o644), qt.IsNil)
}

func configDir(c *qt.C) string {
	dir := c.TempDir()
	writeFile(c, filepath.Join(dir, "instances", "lab.json"), `{
		"refresh_interval": 3000,
		"topologies": [
			{"topology_file": "alpha.json", "controller_ip": "10.0.0.1", "controller_ip_backup": "10.0.0.2", "base_topology_file": "alpha_base.json"},
			{"topology_file": "beta.json", "controller_ip": "10.0.1.1", "site_coords_override": true}
		]}`)
	writeFile(c, filepath.Join(dir, "networks", "alpha.json"), `{"name":"alpha","nodes":[],"links":[],"sites":[{"name":"s1","location":{"latitude":1,"longitude":2}}]}`)
	writeFile(c, filepath.Join(dir, "networks", "alpha_base.json"), `{"name":"alpha","nodes":[],"links":[],"sites":[{"name":"s1"}]}`)
	writeFile(c, filepath.Join(dir, "networks", "beta.json"), `{"name":"beta","nodes":[],"links":[],"sites":[]}`)
	return dir
}

func TestFileStoreLoad(t *testing.T) {
	c := qt.New(t)
	s := store.NewFileStore(configDir(c), "lab.json", nil)
	inst, err := s.Load()
	c.Assert(err, qt.IsNil)
	c.Assert(inst.Names(), qt.DeepEquals, []string{"alpha", "beta"})
	c.Assert(inst.RefreshInterval, qt.Equals, 3*time.Second)
	c.Assert(inst.Networks[0].ControllerIPBackup, qt.Equals, "10.0.0.2")
	c.Assert(inst.Networks[1].SiteCoordsOverride, qt.IsTrue)
	c.Assert(inst.Topologies["alpha"].Sites, qt.HasLen, 1)
	c.Assert(inst.BaseTopologies, qt.HasLen, 1)
	c.Assert(inst.BaseTopologies["alpha"].Sites[0].Name, qt.Equals, "s1")
}

func TestFileStoreMissingInstances(t *testing.T) {
	c := qt.New(t)
	_, err := store.NewFileStore(c.TempDir(), "nope.json", nil).Load()
	c.Assert(errors.IsNotFound(err), qt.IsTrue)
}

func TestFileStoreMissingTopology(t *testing.T) {
	c := qt.New(t)
	dir := configDir(c)
	c.Assert(os.Remove(filepath.Join(dir, "networks", "beta.json")), qt.IsNil)
	_, err := store.NewFileStore(dir, "lab.json", nil).Load()
	c.Assert(err, qt.ErrorMatches, `load .*lab.json: topologies\[1\]: topology .*beta.json not found`)
}

func TestDuplicateNamesRejected(t *testing.T) {
	c := qt.New(t)
	m := store.NewMemoryStore()
	m.PutTopology("a.json", model.Topology{Name: "same"})
	m.PutTopology("b.json", model.Topology{Name: "same"})
	m.SetInstances(model.InstancesFile{Topologies: []model.NetworkInstanceConfig{
		{TopologyFile: "a.json", ControllerIP: "10.0.0.1"},
		{TopologyFile: "b.json", ControllerIP: "10.0.0.2"},
	}})
	_, err := m.Load()
	c.Assert(err, qt.ErrorMatches, `duplicate network name "same" not valid`)
	c.Assert(m.Loads(), qt.Equals, 0)
}

func TestMemoryStoreWithoutInstances(t *testing.T) {
	c := qt.New(t)
	_, err := store.NewMemoryStore().Load()
	c.Assert(errors.IsNotFound(err), qt.IsTrue)
}

func TestFileStoreWatch(t *testing.T) {
	c := qt.New(t)
	dir := configDir(c)
	s := store.NewFileStore(dir, "lab.json", clock.WallClock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 8)
	c.Assert(s.Watch(ctx, func() { changed <- struct{}{} }), qt.IsNil)
	writeFile(c, filepath.Join(dir, "networks", "beta.json"), `{"name":"beta","nodes":[],"links":[],"sites":[{"name":"new"}]}`)

	select {
	case <-changed:
	case <-time.After(10 * time.Second):
		c.Fatalf("no change notification")
	}
	inst, err := s.Load()
	c.Assert(err, qt.IsNil)
	c.Assert(inst.Topologies["beta"].Sites[0].Name, qt.Equals, "new")
}
