package model

import "encoding/json"

// Bounds is [[west, south], [east, north]] in lng/lat order.
type Bounds [2][2]float64

// DefaultBounds is used for networks without any sites.
var DefaultBounds = Bounds{{-122.149742, 37.4835208}, {-122.145169, 37.4866381}}

// NetworkState is the merged view of one network handed to readers.
type NetworkState struct {
	NetworkInstanceConfig

	Topology          Topology          `json:"topology"`
	IgnitionState     []string          `json:"ignition_state"`
	UpgradeState      *UpgradeStateDump `json:"upgrade_state"`
	HighAvailability  HAState           `json:"high_availability"`
	Active            PeerType          `json:"active"`
	Bounds            Bounds            `json:"bounds"`
	ControllerVersion string            `json:"controller_version,omitempty"`
	ScanStatus        json.RawMessage   `json:"scan_status,omitempty"`
}
