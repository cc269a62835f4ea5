package models

import "github.com/google/uuid"

// JobDescriptor is everything a delegated execution engine needs to run a job
// and report back. It is published to the job queue by the API server.
type JobDescriptor struct {
	JobID        uuid.UUID `json:"jobId"`
	SystemPrompt string    `json:"systemPrompt"`
	UserPrompts  []string  `json:"userPrompts"`
	Settings     Settings  `json:"settings"`
	DataItems    []string  `json:"dataItems"`
	BatchSize    int       `json:"batchSize"`
	CallbackURL  string    `json:"callbackUrl"`
}

// CallbackPayload is posted by the delegated engine with all results produced
// so far. Results are cumulative: each callback replaces the previous set.
type CallbackPayload struct {
	Results     []JobResult `json:"results"`
	ExecutionID *string     `json:"executionId,omitempty"`
}

// CallbackAck is returned to the delegated engine after a callback is applied.
type CallbackAck struct {
	Message        string `json:"message"`
	Status         string `json:"status"`
	ItemsProcessed int    `json:"itemsProcessed"`
	ItemsTotal     int    `json:"itemsTotal"`
}
