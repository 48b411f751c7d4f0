package model

// HAState holds the last role each peer reported. Nil means unreachable.
type HAState struct {
	Primary *FsmState `json:"primary"`
	Backup  *FsmState `json:"backup"`
}

// HAStatus is what the controller returns from its high-availability query.
// State is nil when the reply omits it.
type HAStatus struct {
	State *FsmState `json:"state"`
}
