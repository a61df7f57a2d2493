package fetcher

import (
	"context"
	"encoding/json"
	"net/url"
)

// Request describes one GET call against the source API.
type Request struct {
	// Endpoint is a short name used for logs and metrics.
	Endpoint string
	Path     string
	Query    url.Values
}

// Executor performs a single logical API call, retries included.
type Executor interface {
	Execute(ctx context.Context, req Request) ([]byte, error)
}

// RawRecord is one document exactly as delivered by the source, keyed by its id.
type RawRecord struct {
	ID  string
	Doc json.RawMessage
}

var _ Executor = (*Client)(nil)
