// Package network implements the Network Service: allocation and lifecycle
// of per-network bridge configurations, grounded on the same Box/Boxer
// single-writer-actor idiom the container service uses, paired with the
// rotating address allocator.
package network

import "net"

// Config is the caller-supplied, fixed-at-create configuration for a
// network, per spec.md §3/§4.7.
type Config struct {
	ID      string   `json:"id"`
	Subnet  string   `json:"subnet"` // CIDR, e.g. "192.168.64.0/24"
	Gateway string   `json:"gateway"`
	Mode    string   `json:"mode"` // "nat" or "bridged"
	Members []string `json:"members,omitempty"`
}

// Record is the in-memory state of one network; only Config is persisted to
// the entity store.
type Record struct {
	Config Config `json:"config"`

	// Busy is a per-network hostname -> address map. The service creates it
	// empty and never writes to it; live leases are held by the per-network
	// helper's allocator and read through HelperClient.
	Busy map[string]string `json:"busy,omitempty"`
}

func (r *Record) overlaps(other Config) (bool, error) {
	_, a, err := net.ParseCIDR(r.Config.Subnet)
	if err != nil {
		return false, err
	}
	_, b, err := net.ParseCIDR(other.Subnet)
	if err != nil {
		return false, err
	}
	return a.Contains(b.IP) || b.Contains(a.IP), nil
}
