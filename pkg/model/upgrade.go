package model

import "encoding/json"

// UpgradeState is the controller's upgrade queue. Requests are opaque.
type UpgradeState struct {
	CurBatch       []string          `json:"curBatch"`
	PendingBatches [][]string        `json:"pendingBatches"`
	CurReq         json.RawMessage   `json:"curReq,omitempty"`
	PendingReqs    []json.RawMessage `json:"pendingReqs,omitempty"`
}

// UpgradeStateDump is UpgradeState with node names resolved to nodes.
type UpgradeStateDump struct {
	CurBatch       []Node            `json:"curBatch"`
	PendingBatches [][]Node          `json:"pendingBatches"`
	CurReq         json.RawMessage   `json:"curReq,omitempty"`
	PendingReqs    []json.RawMessage `json:"pendingReqs,omitempty"`
}
