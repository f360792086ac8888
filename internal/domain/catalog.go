package domain

// ModelInfo describes a model selectable for a task
type ModelInfo struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Provider string `json:"provider" yaml:"provider"`
}

// AgentInfo describes an agent harness selectable for a task
type AgentInfo struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Harness string `json:"harness" yaml:"harness"`
}

// AgentOracle runs the reference solution and takes no model
const AgentOracle = "oracle"

// AvailableModels lists the models offered to users
var AvailableModels = []ModelInfo{
	{ID: "openai/gpt-4o", Name: "GPT-4o", Provider: "OpenAI"},
	{ID: "anthropic/claude-sonnet-4", Name: "Claude Sonnet 4", Provider: "Anthropic"},
	{ID: "anthropic/claude-opus-4", Name: "Claude Opus 4", Provider: "Anthropic"},
	{ID: "google/gemini-2.0-flash-exp", Name: "Gemini 2.0 Flash", Provider: "Google"},
}

// AvailableAgents lists the agent harnesses offered to users
var AvailableAgents = []AgentInfo{
	{ID: "terminus-2", Name: "Terminus 2 (Harbor)", Harness: "harbor"},
	{ID: "terminus-1", Name: "Terminus 1 (Legacy)", Harness: "terminus"},
	{ID: "claude-code", Name: "Claude Code", Harness: "harbor"},
	{ID: AgentOracle, Name: "Oracle (Testing)", Harness: "harbor"},
}

// HarnessForAgent returns the harness of a known agent, or "harbor"
func HarnessForAgent(agent string) string {
	for _, a := range AvailableAgents {
		if a.ID == agent {
			return a.Harness
		}
	}
	return "harbor"
}
