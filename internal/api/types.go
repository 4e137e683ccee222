package api

// --- POST /scan ---

// ScanReq is the JSON body for POST /scan.
type ScanReq struct {
	Prompt    string   `json:"prompt"`
	Documents []string `json:"documents,omitempty"`
	Filter    string   `json:"filter,omitempty"`
}

// --- POST /aggregate/results ---

// AggregateReq is the JSON body for POST /aggregate/results.
type AggregateReq struct {
	FailedJSON     map[string]map[string]any `json:"failed_json"`
	OriginalPrompt string                    `json:"original_prompt"`
}

// --- Common ---

// HealthResp is the body of GET /.
type HealthResp struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ErrorResp is the body of every non-2xx response.
type ErrorResp struct {
	Detail string `json:"detail"`
}
