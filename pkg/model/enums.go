package model

import (
	"encoding/json"
	"strconv"

	"github.com/juju/errors"
)

// decodeEnum accepts either the numeric wire value or the symbolic name.
func decodeEnum(kind string, data []byte, byName map[string]int) (int, error) {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, errors.NotValidf("%s %s", kind, string(data))
	}
	if v, ok := byName[s]; ok {
		return v, nil
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	return 0, errors.NotValidf("%s %q", kind, s)
}

// FsmState is the role a controller peer reports for itself in the
// Binary Star pair. A nil *FsmState means the peer did not answer.
type FsmState int

const (
	// FsmHADisabled is reported by a controller running without a peer.
	FsmHADisabled FsmState = 0
	FsmPrimary    FsmState = 1
	FsmBackup     FsmState = 2
	FsmActive     FsmState = 3
	FsmPassive    FsmState = 4
)

var fsmStateNames = map[string]int{
	"HA_DISABLED":   int(FsmHADisabled),
	"STATE_PRIMARY": int(FsmPrimary),
	"STATE_BACKUP":  int(FsmBackup),
	"STATE_ACTIVE":  int(FsmActive),
	"STATE_PASSIVE": int(FsmPassive),
}

func (s FsmState) String() string {
	switch s {
	case FsmHADisabled:
		return "HA_DISABLED"
	case FsmPrimary:
		return "STATE_PRIMARY"
	case FsmBackup:
		return "STATE_BACKUP"
	case FsmActive:
		return "STATE_ACTIVE"
	case FsmPassive:
		return "STATE_PASSIVE"
	}
	return "FsmState(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether s is one of the known states.
func (s FsmState) Valid() bool {
	switch s {
	case FsmHADisabled, FsmPrimary, FsmBackup, FsmActive, FsmPassive:
		return true
	}
	return false
}

func (s *FsmState) UnmarshalJSON(data []byte) error {
	v, err := decodeEnum("fsm state", data, fsmStateNames)
	if err != nil {
		return err
	}
	*s = FsmState(v)
	return nil
}

// FsmStatePtr is a helper for building optional states.
func FsmStatePtr(s FsmState) *FsmState { return &s }

// NodeStatus mirrors the controller's per-node reachability.
type NodeStatus int

const (
	NodeStatusUnknown         NodeStatus = 0
	NodeStatusOffline         NodeStatus = 1
	NodeStatusOnline          NodeStatus = 2
	NodeStatusOnlineInitiator NodeStatus = 3
)

var nodeStatusNames = map[string]int{
	"OFFLINE":          int(NodeStatusOffline),
	"ONLINE":           int(NodeStatusOnline),
	"ONLINE_INITIATOR": int(NodeStatusOnlineInitiator),
}

func (s NodeStatus) String() string {
	switch s {
	case NodeStatusUnknown:
		return "UNKNOWN"
	case NodeStatusOffline:
		return "OFFLINE"
	case NodeStatusOnline:
		return "ONLINE"
	case NodeStatusOnlineInitiator:
		return "ONLINE_INITIATOR"
	}
	return "NodeStatus(" + strconv.Itoa(int(s)) + ")"
}

// IsOnline is true for both plain and initiator online states.
func (s NodeStatus) IsOnline() bool {
	switch s {
	case NodeStatusOnline, NodeStatusOnlineInitiator:
		return true
	}
	return false
}

func (s *NodeStatus) UnmarshalJSON(data []byte) error {
	v, err := decodeEnum("node status", data, nodeStatusNames)
	if err != nil {
		return err
	}
	*s = NodeStatus(v)
	return nil
}

type NodeType int

const (
	NodeTypeCN NodeType = 1
	NodeTypeDN NodeType = 2
)

var nodeTypeNames = map[string]int{"CN": int(NodeTypeCN), "DN": int(NodeTypeDN)}

func (t NodeType) String() string {
	switch t {
	case NodeTypeCN:
		return "CN"
	case NodeTypeDN:
		return "DN"
	}
	return "NodeType(" + strconv.Itoa(int(t)) + ")"
}

func (t *NodeType) UnmarshalJSON(data []byte) error {
	v, err := decodeEnum("node type", data, nodeTypeNames)
	if err != nil {
		return err
	}
	*t = NodeType(v)
	return nil
}

type LinkType int

const (
	LinkTypeWireless LinkType = 1
	LinkTypeEthernet LinkType = 2
)

var linkTypeNames = map[string]int{"WIRELESS": int(LinkTypeWireless), "ETHERNET": int(LinkTypeEthernet)}

func (t LinkType) String() string {
	switch t {
	case LinkTypeWireless:
		return "WIRELESS"
	case LinkTypeEthernet:
		return "ETHERNET"
	}
	return "LinkType(" + strconv.Itoa(int(t)) + ")"
}

func (t *LinkType) UnmarshalJSON(data []byte) error {
	v, err := decodeEnum("link type", data, linkTypeNames)
	if err != nil {
		return err
	}
	*t = LinkType(v)
	return nil
}

// UpgradeStatusType is the per-node upgrade progress reported in status dumps.
type UpgradeStatusType int

const (
	UpgradeNone             UpgradeStatusType = 10
	UpgradeDownloadingImage UpgradeStatusType = 20
	UpgradeDownloadFailed   UpgradeStatusType = 30
	UpgradeFlashingImage    UpgradeStatusType = 40
	UpgradeFlashFailed      UpgradeStatusType = 50
	UpgradeFlashed          UpgradeStatusType = 60
	UpgradeCommitFailed     UpgradeStatusType = 70
)

var upgradeStatusNames = map[string]int{
	"NONE":              int(UpgradeNone),
	"DOWNLOADING_IMAGE": int(UpgradeDownloadingImage),
	"DOWNLOAD_FAILED":   int(UpgradeDownloadFailed),
	"FLASHING_IMAGE":    int(UpgradeFlashingImage),
	"FLASH_FAILED":      int(UpgradeFlashFailed),
	"FLASHED":           int(UpgradeFlashed),
	"COMMIT_FAILED":     int(UpgradeCommitFailed),
}

func (t UpgradeStatusType) String() string {
	switch t {
	case UpgradeNone:
		return "NONE"
	case UpgradeDownloadingImage:
		return "DOWNLOADING_IMAGE"
	case UpgradeDownloadFailed:
		return "DOWNLOAD_FAILED"
	case UpgradeFlashingImage:
		return "FLASHING_IMAGE"
	case UpgradeFlashFailed:
		return "FLASH_FAILED"
	case UpgradeFlashed:
		return "FLASHED"
	case UpgradeCommitFailed:
		return "COMMIT_FAILED"
	}
	return "UpgradeStatusType(" + strconv.Itoa(int(t)) + ")"
}

func (t *UpgradeStatusType) UnmarshalJSON(data []byte) error {
	v, err := decodeEnum("upgrade status", data, upgradeStatusNames)
	if err != nil {
		return err
	}
	*t = UpgradeStatusType(v)
	return nil
}

// PeerType names one side of a controller pair.
type PeerType string

const (
	PeerPrimary PeerType = "primary"
	PeerBackup  PeerType = "backup"
)
