package tools

// Policy decides which tools are advertised to the LLM for a given call
// site. Grounded on the teacher's internal/tools/policy.go groups/profiles
// system, trimmed to this spec's single distinction: a gateway whitelist
// restricting what end-user channels see, versus the unrestricted set
// available to admin/CLI contexts and the Subagent Manager (spec glossary:
// "gateway tool whitelist").
type Policy struct {
	// GatewayAllow, when non-nil, is the only set of tool names advertised
	// on end-user channels. A nil set means no restriction.
	GatewayAllow map[string]bool
	// SubagentDeny lists tools a spawned subagent may never call, regardless
	// of its own agent_config.tools list. Mirrors the deny-list applied in
	// the Python original's subagent harness ("message", "spawn") so a
	// subagent can't fan out further subagents or message channels directly.
	SubagentDeny map[string]bool
}

func NewPolicy() *Policy {
	return &Policy{
		SubagentDeny: map[string]bool{"message": true, "spawn": true},
	}
}

// AllowForGateway reports whether name may be advertised to an end-user
// channel under this policy.
func (p *Policy) AllowForGateway(name string) bool {
	if p.GatewayAllow == nil {
		return true
	}
	return p.GatewayAllow[name]
}

// AllowForSubagent reports whether name may be advertised inside a spawned
// subagent's isolated tool list. allow is the subagent's own agent_config
// tool whitelist (nil means every non-denied tool).
func (p *Policy) AllowForSubagent(name string, allow map[string]bool) bool {
	if p.SubagentDeny[name] {
		return false
	}
	if allow != nil && !allow[name] {
		return false
	}
	return true
}

// FilterSet intersects registry names with an allow predicate, returning a
// set suitable for Registry.Definitions.
func FilterSet(names []string, allowed func(string) bool) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		if allowed(n) {
			out[n] = true
		}
	}
	return out
}
