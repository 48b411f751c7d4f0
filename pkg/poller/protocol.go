package poller

import (
	"encoding/json"
	"time"

	"mesh-nms/pkg/model"
)

// RequestType selects which calls a poll cycle makes.
type RequestType string

const (
	Poll     RequestType = "poll"
	ScanPoll RequestType = "scan_poll"
)

// Request asks the worker to poll every listed network once.
type Request struct {
	Type       RequestType
	Seq        uint64
	Topologies []model.NetworkInstanceConfig
}

// ResultType names the cache a Result updates.
type ResultType string

const (
	TopologyUpdate   ResultType = "topology_update"
	StatusDumpUpdate ResultType = "status_dump_update"
	IgnitionState    ResultType = "ignition_state"
	UpgradeState     ResultType = "upgrade_state"
	ScanStatus       ResultType = "scan_status"
	BStarState       ResultType = "bstar_state"
)

// ResultTypes lists every result type in a stable order.
var ResultTypes = []ResultType{TopologyUpdate, StatusDumpUpdate, IgnitionState, UpgradeState, ScanStatus, BStarState}

// Result is one completed call. Only the payload matching Type is set,
// and only when Success is true.
type Result struct {
	Type         ResultType
	Name         string
	Seq          uint64
	Success      bool
	ResponseTime time.Duration
	Err          string

	Topology      *model.Topology
	StatusDump    *model.StatusDump
	IgnitionState *model.IgnitionState
	UpgradeState  *model.UpgradeState
	ScanStatus    json.RawMessage
	HA            *model.HAState
}
