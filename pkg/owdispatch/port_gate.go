package owdispatch

import (
	"fmt"
	"sort"
	"strings"
)

// PortGate is the admission predicate for incoming rendezvous streams. It is
// a pure function of the virtual port a stream addressed: no I/O, no side
// effects, and the same answer for the same port every time. Everything else
// about a stream (origin, payload, timing) is invisible to it.
type PortGate struct {
	allowed map[uint16]bool
	ports   []uint16
}

// NewPortGate builds a gate admitting exactly the given virtual ports.
// Duplicates are collapsed. A gate with no ports admits nothing.
func NewPortGate(ports ...uint16) *PortGate {
	g := &PortGate{
		allowed: make(map[uint16]bool, len(ports)),
	}
	for _, port := range ports {
		if !g.allowed[port] {
			g.allowed[port] = true
			g.ports = append(g.ports, port)
		}
	}
	sort.Slice(g.ports, func(i, j int) bool { return g.ports[i] < g.ports[j] })
	return g
}

// Admits returns true if a stream addressed to the given virtual port should
// be accepted.
func (g *PortGate) Admits(port uint16) bool {
	return g.allowed[port]
}

// Ports returns the admitted ports in ascending order.
func (g *PortGate) Ports() []uint16 {
	ports := make([]uint16, len(g.ports))
	copy(ports, g.ports)
	return ports
}

func (g *PortGate) String() string {
	if len(g.ports) == 0 {
		return "no ports"
	}
	parts := make([]string, len(g.ports))
	for i, port := range g.ports {
		parts[i] = fmt.Sprintf("%d", port)
	}
	return "ports " + strings.Join(parts, ",")
}
