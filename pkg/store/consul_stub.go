//go:build !consul

package store

import "github.com/juju/clock"

// NewConsulStore returns fallback when the consul build tag is not enabled.
func NewConsulStore(addr, prefix, instances string, _ clock.Clock, fallback ConfigStore) ConfigStore {
	logger.Warningf("consul store requested (addr=%s prefix=%s) but consul build tag not enabled; using %T", addr, prefix, fallback)
	return fallback
}
