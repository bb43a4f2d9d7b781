package config

import _ "embed"

// defaultInstructions is the agent-facing usage guide compiled into the
// binary. A config-level override replaces it wholesale.
//
//go:embed agent_instructions.md
var defaultInstructions string

// AgentInstructions returns the instructions to deliver to agents: the
// config override when set, otherwise the embedded default.
func (c Config) AgentInstructions() string {
	if c.Instructions != "" {
		return c.Instructions
	}
	return defaultInstructions
}
