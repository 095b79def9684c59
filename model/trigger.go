package model

// TriggerRequest is the payload of a business-event notification. Context is
// seeded onto every created execution; Filters is matched against each
// candidate flow's trigger filters.
type TriggerRequest struct {
	TriggerType string            `json:"trigger_type"`
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Context     map[string]any    `json:"context,omitempty"`
	Filters     map[string]string `json:"filters,omitempty"`
}

// TriggerResponse reports how many executions a trigger created.
type TriggerResponse struct {
	Success      bool     `json:"success"`
	Created      int      `json:"created"`
	ExecutionIDs []string `json:"execution_ids"`
}

// RunResult is the outcome of advancing a single execution during one
// executor pass. Exactly one of Result or Error is set.
type RunResult struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RunResponse reports one executor pass over the due set.
type RunResponse struct {
	Success   bool        `json:"success"`
	Processed int         `json:"processed"`
	Results   []RunResult `json:"results"`
}
