package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/spf13/cobra"

	"mesh-nms/pkg/config"
)

func runServe(c *qt.C, args ...string) (config.Settings, error) {
	var got config.Settings
	cmd := newServeCmdWith(func(_ *cobra.Command, s config.Settings) error {
		got = s
		return nil
	})
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(c.TempDir(), "none")}, args...))
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	err := cmd.Execute()
	return got, err
}

func TestSettingsPrecedence(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "nmsd.yaml")
	c.Assert(os.WriteFile(path, []byte("listen: \":7000\"\nrefresh_interval: 3s\nconcurrency: 2\n"), 0o644), qt.IsNil)
	c.Setenv("NMS_CONCURRENCY", "4")
	c.Setenv("NETWORK", "tower_networks.json")

	s, err := runServe(c, "--config", path, "--refresh-interval", "9s")
	c.Assert(err, qt.IsNil)
	c.Assert(s.Listen, qt.Equals, ":7000")
	c.Assert(s.Concurrency, qt.Equals, 4)
	c.Assert(s.RefreshInterval, qt.Equals, 9*time.Second)
	c.Assert(s.InstancesFile, qt.Equals, "tower_networks.json")
	c.Assert(s.HAPollInterval, qt.Equals, 5*time.Second)
}

func TestUnchangedFlagsDoNotOverrideEnv(t *testing.T) {
	c := qt.New(t)
	c.Setenv("NMS_LISTEN", ":6000")
	s, err := runServe(c)
	c.Assert(err, qt.IsNil)
	c.Assert(s.Listen, qt.Equals, ":6000")
}

func TestInvalidSettingsRejected(t *testing.T) {
	c := qt.New(t)
	_, err := runServe(c, "--store", "etcd", "--concurrency", "0")
	c.Assert(err, qt.ErrorMatches, `(?s)invalid settings:.*unsupported store "etcd".*concurrency must be at least 1, got 0`)
}

func TestVersionCommand(t *testing.T) {
	c := qt.New(t)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	c.Assert(root.Execute(), qt.IsNil)
	c.Assert(strings.HasPrefix(out.String(), "mesh-nms dev"), qt.IsTrue)
}
