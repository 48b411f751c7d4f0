//go:build consul

package store

import (
	"github.com/juju/clock"

	"mesh-nms/pkg/consul"
)

// NewConsulStore creates a Consul-backed store (requires build tag consul).
func NewConsulStore(addr, prefix, instances string, clk clock.Clock, _ ConfigStore) ConfigStore {
	return consul.NewStore(addr, prefix, instances, clk)
}
