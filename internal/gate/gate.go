// Package gate defines the eight policy checkpoints, the decisions a gate
// can return, and the Gateway contract the orchestrator consumes.
package gate

import "fmt"

// Gate identifies a policy checkpoint: a domain crossed with a direction.
type Gate string

const (
	UserInbound    Gate = "U-I"
	UserOutbound   Gate = "U-O"
	SystemInbound  Gate = "S-I"
	SystemOutbound Gate = "S-O"
	MemoryInbound  Gate = "M-I"
	MemoryOutbound Gate = "M-O"
	AgentInbound   Gate = "A-I"
	AgentOutbound  Gate = "A-O"
)

// Gates used by the execution pipeline.
const (
	InputGate    = UserInbound    // post_user_input
	PreToolGate  = SystemOutbound // pre_tool_call
	PostToolGate = SystemInbound  // post_tool_result
	ResponseGate = UserOutbound   // pre_response
)

// Info describes a gate for display.
type Info struct {
	Code      Gate   `json:"code"`
	Name      string `json:"name"`
	Domain    string `json:"domain"`
	Direction string `json:"direction"`
}

var catalog = []Info{
	{UserInbound, "User Inbound", "User", "Inbound"},
	{UserOutbound, "User Outbound", "User", "Outbound"},
	{SystemInbound, "System Inbound", "System", "Inbound"},
	{SystemOutbound, "System Outbound", "System", "Outbound"},
	{MemoryInbound, "Memory Inbound", "Memory", "Inbound"},
	{MemoryOutbound, "Memory Outbound", "Memory", "Outbound"},
	{AgentInbound, "Agent Inbound", "Agent", "Inbound"},
	{AgentOutbound, "Agent Outbound", "Agent", "Outbound"},
}

// All returns every gate in display order.
func All() []Info {
	out := make([]Info, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the display info for a gate.
func Lookup(g Gate) (Info, bool) {
	for _, info := range catalog {
		if info.Code == g {
			return info, true
		}
	}
	return Info{}, false
}

// Valid reports whether g is one of the eight known gates.
func (g Gate) Valid() bool {
	_, ok := Lookup(g)
	return ok
}

// Parse converts a gate code, rejecting unknown values.
func Parse(s string) (Gate, error) {
	g := Gate(s)
	if !g.Valid() {
		return "", fmt.Errorf("unknown gate %q", s)
	}
	return g, nil
}

func (g Gate) String() string { return string(g) }
