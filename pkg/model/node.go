package model

import "encoding/json"

// Location is a site position as reported by the controller or the topology file.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Site groups the nodes mounted at one physical location.
type Site struct {
	Name     string   `json:"name"`
	Location Location `json:"location"`
}

// Node is a radio node in the mesh. StatusDump is filled in on read from the
// latest status report keyed by MacAddr.
type Node struct {
	Name         string        `json:"name"`
	NodeType     NodeType      `json:"node_type"`
	IsPrimary    bool          `json:"is_primary"`
	MacAddr      string        `json:"mac_addr"`
	PopNode      bool          `json:"pop_node"`
	Status       NodeStatus    `json:"status"`
	WlanMacAddrs []string      `json:"wlan_mac_addrs,omitempty"`
	SiteName     string        `json:"site_name"`
	AntAzimuth   float64       `json:"ant_azimuth,omitempty"`
	AntElevation float64       `json:"ant_elevation,omitempty"`
	HasCPE       bool          `json:"has_cpe,omitempty"`
	Prefix       string        `json:"prefix,omitempty"`
	StatusDump   *StatusReport `json:"status_dump,omitempty"`
}

// LinkMeta is derived from the endpoint site locations.
type LinkMeta struct {
	Distance float64 `json:"distance"` // metres
	Angle    float64 `json:"angle"`    // degrees from north
}

type Link struct {
	Name           string    `json:"name"`
	ANodeName      string    `json:"a_node_name"`
	ZNodeName      string    `json:"z_node_name"`
	LinkType       LinkType  `json:"link_type"`
	IsAlive        bool      `json:"is_alive"`
	LinkupAttempts int64     `json:"linkup_attempts"`
	IsBackupCNLink bool      `json:"is_backup_cn_link,omitempty"`
	ANodeMac       string    `json:"a_node_mac,omitempty"`
	ZNodeMac       string    `json:"z_node_mac,omitempty"`
	Meta           *LinkMeta `json:"_meta_,omitempty"`
}

// Topology is one network's nodes, links and sites. Config is passed
// through untouched.
type Topology struct {
	Name   string          `json:"name"`
	Nodes  []Node          `json:"nodes"`
	Links  []Link          `json:"links"`
	Sites  []Site          `json:"sites"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (t Topology) Clone() Topology {
	out := Topology{Name: t.Name}
	if t.Nodes != nil {
		out.Nodes = make([]Node, len(t.Nodes))
		for i, n := range t.Nodes {
			if n.WlanMacAddrs != nil {
				n.WlanMacAddrs = append([]string(nil), n.WlanMacAddrs...)
			}
			if n.StatusDump != nil {
				sd := *n.StatusDump
				n.StatusDump = &sd
			}
			out.Nodes[i] = n
		}
	}
	if t.Links != nil {
		out.Links = make([]Link, len(t.Links))
		for i, l := range t.Links {
			if l.Meta != nil {
				m := *l.Meta
				l.Meta = &m
			}
			out.Links[i] = l
		}
	}
	if t.Sites != nil {
		out.Sites = append([]Site(nil), t.Sites...)
	}
	if t.Config != nil {
		out.Config = append(json.RawMessage(nil), t.Config...)
	}
	return out
}

// NodeByName indexes nodes by name.
func (t Topology) NodeByName() map[string]Node {
	out := make(map[string]Node, len(t.Nodes))
	for _, n := range t.Nodes {
		out[n.Name] = n
	}
	return out
}
