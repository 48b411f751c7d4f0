package model

import (
	"net"
	"strconv"
	"time"

	"github.com/juju/errors"
)

// NetworkInstanceConfig describes one managed network. The first block comes
// from the instances file; the runtime block is owned by the synchronizer.
type NetworkInstanceConfig struct {
	Name               string `json:"name"`
	ControllerIP       string `json:"controller_ip"`
	ControllerIPBackup string `json:"controller_ip_backup,omitempty"`
	APIPort            int    `json:"api_port,omitempty"`
	TopologyFile       string `json:"topology_file"`
	BaseTopologyFile   string `json:"base_topology_file,omitempty"`
	SiteCoordsOverride bool   `json:"site_coords_override,omitempty"`
	RefreshIntervalMs  int64  `json:"refresh_interval,omitempty"`

	ControllerOnline    bool              `json:"controller_online"`
	ControllerFailures  int               `json:"controller_failures"`
	ControllerError     string            `json:"controller_error,omitempty"`
	ControllerEvents    []ControllerEvent `json:"controller_events"`
	ControllerIPActive  string            `json:"controller_ip_active"`
	ControllerIPPassive string            `json:"controller_ip_passive,omitempty"`
}

// HasBackup reports whether a second controller is configured.
func (c NetworkInstanceConfig) HasBackup() bool { return c.ControllerIPBackup != "" }

// RefreshInterval falls back to def when the network does not set its own.
func (c NetworkInstanceConfig) RefreshInterval(def time.Duration) time.Duration {
	if c.RefreshIntervalMs <= 0 {
		return def
	}
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

// ActiveAddress is the controller address polls should go to.
func (c NetworkInstanceConfig) ActiveAddress() string {
	if c.ControllerIPActive != "" {
		return c.ControllerIPActive
	}
	return c.ControllerIP
}

// Endpoint attaches the network's api_port to addr. Addresses that already
// carry a port, and networks without an api_port, are returned unchanged.
func (c NetworkInstanceConfig) Endpoint(addr string) string {
	if addr == "" || c.APIPort <= 0 {
		return addr
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(c.APIPort))
}

// ActiveEndpoint is ActiveAddress with the network's api_port applied.
func (c NetworkInstanceConfig) ActiveEndpoint() string {
	return c.Endpoint(c.ActiveAddress())
}

// Clone copies the config including its event log.
func (c NetworkInstanceConfig) Clone() NetworkInstanceConfig {
	c.ControllerEvents = append([]ControllerEvent(nil), c.ControllerEvents...)
	return c
}

// InstancesFile is the on-disk list of managed networks.
type InstancesFile struct {
	Topologies         []NetworkInstanceConfig `json:"topologies"`
	RefreshIntervalMs  int64                   `json:"refresh_interval,omitempty"`
	ScanPollIntervalMs int64                   `json:"scan_poll_interval,omitempty"`
}

// Instances is a loaded instances file with every topology file resolved.
type Instances struct {
	Networks         []NetworkInstanceConfig
	Topologies       map[string]Topology // on-disk topology by network name
	BaseTopologies   map[string]Topology // only for networks with a base file
	RefreshInterval  time.Duration
	ScanPollInterval time.Duration
}

// ResolveInstances reads the topology files an instances file points at
// and names each network after its on-disk topology.
func ResolveInstances(file InstancesFile, read func(path string) (Topology, error)) (*Instances, error) {
	out := &Instances{
		Topologies:       map[string]Topology{},
		BaseTopologies:   map[string]Topology{},
		RefreshInterval:  time.Duration(file.RefreshIntervalMs) * time.Millisecond,
		ScanPollInterval: time.Duration(file.ScanPollIntervalMs) * time.Millisecond,
	}
	for i, cfg := range file.Topologies {
		if cfg.TopologyFile == "" {
			return nil, errors.NotValidf("topologies[%d]: missing topology_file", i)
		}
		if cfg.ControllerIP == "" {
			return nil, errors.NotValidf("topologies[%d] (%s): missing controller_ip", i, cfg.TopologyFile)
		}
		topo, err := read(cfg.TopologyFile)
		if err != nil {
			return nil, errors.Annotatef(err, "topologies[%d]", i)
		}
		if cfg.Name == "" {
			cfg.Name = topo.Name
		}
		if cfg.Name == "" {
			return nil, errors.NotValidf("topology %s without a name", cfg.TopologyFile)
		}
		if topo.Name == "" {
			topo.Name = cfg.Name
		}
		if _, dup := out.Topologies[cfg.Name]; dup {
			return nil, errors.NotValidf("duplicate network name %q", cfg.Name)
		}
		if cfg.BaseTopologyFile != "" {
			base, err := read(cfg.BaseTopologyFile)
			if err != nil {
				return nil, errors.Annotatef(err, "base topology for %q", cfg.Name)
			}
			out.BaseTopologies[cfg.Name] = base
		}
		out.Topologies[cfg.Name] = topo
		out.Networks = append(out.Networks, cfg)
	}
	return out, nil
}

// Names lists the networks in file order.
func (i *Instances) Names() []string {
	out := make([]string, len(i.Networks))
	for n, cfg := range i.Networks {
		out[n] = cfg.Name
	}
	return out
}
