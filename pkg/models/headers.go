package models

// HTTP headers shared by the API server and its clients.
const (
	// CallbackTokenHeader authenticates delegated workers on the callback endpoint.
	CallbackTokenHeader = "X-Callback-Token"
	// IdempotencyKeyHeader makes job creation safe to repeat.
	IdempotencyKeyHeader = "Idempotency-Key"
)
