package httpx

import (
	"context"
	"io"
	"net/http"
)

// DefaultFetchLimit caps how much of a fetched body is read. Endpoint
// verification only needs a small JSON file; an adversarial endpoint must
// not be able to stream gigabytes at the verifier.
const DefaultFetchLimit = 1 << 20

// FetchClient performs plain GETs with a bounded body read. It satisfies the
// Fetcher capability consumed by the challenge protocols.
type FetchClient struct {
	HTTP      *http.Client
	BodyLimit int64
}

func (c *FetchClient) Fetch(ctx context.Context, url string) (int, []byte, error) {
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	limit := c.BodyLimit
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
