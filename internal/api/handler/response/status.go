package response

// Status is the plain confirmation/error envelope used across the HTTP
// surface, matching the upper-case STATUS key downstream consumers expect.
type Status struct {
	Status string `json:"STATUS"`
}

type UpdateResult struct {
	Status string `json:"STATUS"`
	NodeID string `json:"node_id"`
	Field  string `json:"field,omitempty"`
}

type QueueResult struct {
	Status        string `json:"STATUS"`
	ImageFilename string `json:"image_filename,omitempty"`
	ImageURL      string `json:"image_url,omitempty"`
	PromptID      string `json:"prompt_id,omitempty"`
}

// ImageGenerated is the completion notice pushed to relay WebSocket clients
// after a successful generation, alongside the raw engine events.
type ImageGenerated struct {
	Status        string `json:"STATUS"`
	Type          string `json:"type"`
	ImageFilename string `json:"image_filename"`
	ImageURL      string `json:"image_url"`
	PromptID      string `json:"prompt_id"`
}

type SystemStatus struct {
	Status             string `json:"STATUS"`
	ExecutionStatus    string `json:"execution_status"`
	CurrentPromptID    string `json:"current_prompt_id,omitempty"`
	WorkflowLoaded     bool   `json:"workflow_loaded"`
	ConnectedWSClients int    `json:"connected_ws_clients"`
	ComfyServer        string `json:"comfy_server"`
	SaveImageNodeID    string `json:"save_image_node_id"`
}
