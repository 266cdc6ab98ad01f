package platform

// Item is a single typed record within a collection (app).
type Item struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// Page is one page of a collection stream.
type Page struct {
	Items  []Item `json:"items"`
	Offset int    `json:"offset"`
	Total  int    `json:"total"`
}

// StreamOptions controls paged reads over a collection.
type StreamOptions struct {
	BatchSize int
	Offset    int
	Filters   map[string]interface{}
}

// SchemaField describes one field of a collection schema.
type SchemaField struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Type       string `json:"type"`
	Label      string `json:"label"`
}

// WriteOptions tunes bulk write calls.
type WriteOptions struct {
	// Concurrency is a hint for how many writes the platform may run in
	// parallel server-side.
	Concurrency int
	// Silent suppresses downstream notifications (webhooks, activity
	// streams) for the written records.
	Silent bool
}

// BulkFailure is one failed entry of a bulk write, addressed by its index
// in the submitted slice.
type BulkFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
	// Status is the per-entry HTTP-style status code when the platform
	// reports one, 0 otherwise.
	Status int `json:"status,omitempty"`
}

// BulkResult is the outcome of a bulk create call.
type BulkResult struct {
	SuccessfulIDs []string      `json:"successful"`
	Failed        []BulkFailure `json:"failed"`
}
