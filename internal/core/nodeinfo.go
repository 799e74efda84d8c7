package core

import (
	"fmt"
	"net/netip"
)

// NodeInfo is the public identity of a DHT node on one address family.
type NodeInfo struct {
	ID      Id
	Addr    netip.AddrPort
	Version uint64
}

func NewNodeInfo(id Id, addr netip.AddrPort) NodeInfo {
	return NodeInfo{ID: id, Addr: addr}
}

func (n NodeInfo) IsIPv4() bool {
	return n.Addr.Addr().Unmap().Is4()
}

func (n NodeInfo) IsIPv6() bool {
	return !n.IsIPv4()
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("%s@%s", n.ID, n.Addr)
}

// Result is the per-family pair every public lookup resolves with. Either
// half may be absent when the node runs a single address family.
type Result[T any] struct {
	V4 *T
	V6 *T
}

func (r Result[T]) IsEmpty() bool {
	return r.V4 == nil && r.V6 == nil
}

func (r Result[T]) IsComplete() bool {
	return r.V4 != nil && r.V6 != nil
}
