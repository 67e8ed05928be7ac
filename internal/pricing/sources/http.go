// Package sources holds the concrete price and yield adapters consumed by
// pricing.Manager.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

const defaultHTTPTimeout = 10 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// getJSON performs a GET and decodes the body into out, mapping failures onto
// the pricing error taxonomy.
func getJSON(ctx context.Context, client *http.Client, name, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", name, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return fmt.Errorf("%w: %s API: %v", pricing.ErrTransient, name, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(name, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", pricing.ErrInvalidResponse, name, err)
	}
	return nil
}

func classifyStatus(name string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	msg := strings.TrimSpace(string(snippet))
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s API status %d: %s", pricing.ErrNotFound, name, resp.StatusCode, msg)
	default:
		// 429, 5xx and anything unexpected may clear up by the next cycle.
		return fmt.Errorf("%w: %s API status %d: %s", pricing.ErrTransient, name, resp.StatusCode, msg)
	}
}
