package model

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/juju/errors"
)

// UnixTime is a timestamp carried on the wire as integer Unix seconds.
// The zero value means the reporter did not set one.
type UnixTime struct {
	time.Time
}

func UnixSeconds(sec int64) UnixTime {
	if sec == 0 {
		return UnixTime{}
	}
	return UnixTime{time.Unix(sec, 0).UTC()}
}

func (t UnixTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

func (t *UnixTime) UnmarshalJSON(data []byte) error {
	var sec json.Number
	if err := json.Unmarshal(data, &sec); err != nil {
		return errors.NotValidf("timestamp %s", string(data))
	}
	if sec == "" {
		*t = UnixTime{}
		return nil
	}
	v, err := sec.Int64()
	if err != nil {
		f, ferr := sec.Float64()
		if ferr != nil {
			return errors.NotValidf("timestamp %s", string(data))
		}
		v = int64(f)
	}
	*t = UnixSeconds(v)
	return nil
}

type UpgradeStatus struct {
	UsType       UpgradeStatusType `json:"usType"`
	NextImage    json.RawMessage   `json:"nextImage,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	UpgradeReqID string            `json:"upgradeReqId,omitempty"`
	WhenToCommit int64             `json:"whenToCommit,omitempty"`
}

// StatusReport is the last heartbeat a node sent to its controller.
type StatusReport struct {
	TimeStamp     UnixTime       `json:"timeStamp"`
	IPv6Address   string         `json:"ipv6Address,omitempty"`
	Version       string         `json:"version,omitempty"`
	UbootVersion  string         `json:"ubootVersion,omitempty"`
	Status        NodeStatus     `json:"status"`
	UpgradeStatus *UpgradeStatus `json:"upgradeStatus,omitempty"`
	ConfigMd5     string         `json:"configMd5,omitempty"`
}

// StatusDump is the controller's table of status reports keyed by node MAC.
type StatusDump struct {
	TimeStamp     UnixTime                `json:"timeStamp"`
	StatusReports map[string]StatusReport `json:"statusReports"`
	Version       string                  `json:"version,omitempty"`
}
