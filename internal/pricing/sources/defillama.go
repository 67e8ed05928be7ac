package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

const defiLlamaYieldsAPI = "https://yields.llama.fi"

type llamaChartResp struct {
	Status string `json:"status"`
	Data   []struct {
		Timestamp string   `json:"timestamp"`
		TVLUsd    float64  `json:"tvlUsd"`
		APY       *float64 `json:"apy"`
		APYBase   *float64 `json:"apyBase"`
	} `json:"data"`
}

// DefiLlama reads pool fee yield from the DefiLlama yields API. The pool key
// is the DefiLlama pool id (a UUID).
type DefiLlama struct {
	client  *http.Client
	baseURL string
}

func NewDefiLlama() *DefiLlama {
	return &DefiLlama{
		client:  newHTTPClient(),
		baseURL: defiLlamaYieldsAPI,
	}
}

func (d *DefiLlama) Name() string { return "defillama" }

// FetchAPR returns the latest base (fee) APY of the pool as a fraction. Reward
// emissions are excluded when the base figure is present.
func (d *DefiLlama) FetchAPR(ctx context.Context, poolKey string) (float64, error) {
	if poolKey == "" {
		return 0, fmt.Errorf("%w: defillama needs a pool id", pricing.ErrNotFound)
	}
	u := fmt.Sprintf("%s/chart/%s", d.baseURL, url.PathEscape(poolKey))

	var body llamaChartResp
	if err := getJSON(ctx, d.client, "defillama", u, nil, &body); err != nil {
		return 0, err
	}
	if body.Status != "" && body.Status != "success" {
		return 0, fmt.Errorf("%w: defillama status %q for %s", pricing.ErrInvalidResponse, body.Status, poolKey)
	}
	if len(body.Data) == 0 {
		return 0, fmt.Errorf("%w: defillama has no history for pool %s", pricing.ErrNotFound, poolKey)
	}

	last := body.Data[len(body.Data)-1]
	switch {
	case last.APYBase != nil:
		return *last.APYBase / 100, nil
	case last.APY != nil:
		return *last.APY / 100, nil
	default:
		return 0, fmt.Errorf("%w: defillama pool %s has no apy", pricing.ErrInvalidResponse, poolKey)
	}
}
