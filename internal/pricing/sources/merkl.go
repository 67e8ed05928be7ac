package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

const merklAPI = "https://api.merkl.xyz/v4/opportunities"

// MerklOpportunity is the part of a Merkl opportunity the adapter reads.
type MerklOpportunity struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	TVL        float64 `json:"tvl"`
	APR        float64 `json:"apr"`
	Status     string  `json:"status"`
	Identifier string  `json:"identifier"`
	Chain      struct {
		Name string `json:"name"`
	} `json:"chain"`
}

// MerklURL returns the direct link to this opportunity on app.merkl.xyz.
func (o *MerklOpportunity) MerklURL() string {
	chain := strings.ToLower(strings.ReplaceAll(o.Chain.Name, " ", "-"))
	return fmt.Sprintf("https://app.merkl.xyz/opportunities/%s/%s/%s", chain, o.Type, o.Identifier)
}

// Merkl reads incentive APR for a pool from Merkl. The pool key is the
// opportunity identifier, usually the pool contract address.
type Merkl struct {
	client  *http.Client
	baseURL string
}

func NewMerkl() *Merkl {
	return &Merkl{
		client:  newHTTPClient(),
		baseURL: merklAPI,
	}
}

func (m *Merkl) Name() string { return "merkl" }

func (m *Merkl) FetchAPR(ctx context.Context, poolKey string) (float64, error) {
	if poolKey == "" {
		return 0, fmt.Errorf("%w: merkl needs an identifier", pricing.ErrNotFound)
	}
	q := url.Values{}
	q.Set("identifier", poolKey)
	q.Set("status", "LIVE")

	var opps []MerklOpportunity
	if err := getJSON(ctx, m.client, "merkl", m.baseURL+"?"+q.Encode(), nil, &opps); err != nil {
		return 0, err
	}
	for _, o := range opps {
		if !strings.EqualFold(o.Identifier, poolKey) {
			continue
		}
		if o.Status != "" && o.Status != "LIVE" {
			continue
		}
		return o.APR / 100, nil
	}
	return 0, fmt.Errorf("%w: merkl has no live opportunity %s", pricing.ErrNotFound, poolKey)
}
