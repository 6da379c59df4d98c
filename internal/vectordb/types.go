package vectordb

import "time"

// Config controls Qdrant client behavior
type Config struct {
	Enabled bool
	Host    string
	Port    int
	// Collection holds conversation episodes
	Collection string
	// Dimension is the expected embedding size; 0 skips validation
	Dimension int
	Timeout   time.Duration
	// BaseURL overrides Host and Port (tests, TLS endpoints)
	BaseURL string
}

// UpsertItem represents a single point to insert into Qdrant
type UpsertItem struct {
	ID      interface{}            `json:"id,omitempty"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertResponse captures basic Qdrant upsert response
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}

// Point is one search hit
type Point struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}
