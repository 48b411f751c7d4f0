package model

import "encoding/json"

// IgnitionCandidate is a link the controller is currently trying to bring up.
type IgnitionCandidate struct {
	InitiatorNodeName string `json:"initiatorNodeName"`
	LinkName          string `json:"linkName"`
}

type IgnitionState struct {
	IgCandidates     []IgnitionCandidate `json:"igCandidates"`
	LastIgCandidates []IgnitionCandidate `json:"lastIgCandidates,omitempty"`
	IgParams         json.RawMessage     `json:"igParams,omitempty"`
}

// LinkNames returns the distinct candidate link names in first-seen order.
func (s IgnitionState) LinkNames() []string {
	seen := make(map[string]struct{}, len(s.IgCandidates))
	out := make([]string, 0, len(s.IgCandidates))
	for _, c := range s.IgCandidates {
		if _, ok := seen[c.LinkName]; ok {
			continue
		}
		seen[c.LinkName] = struct{}{}
		out = append(out, c.LinkName)
	}
	return out
}
