package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

const coinGeckoAPI = "https://api.coingecko.com/api/v3"

// defaultCoinGeckoIDs maps ticker symbols to CoinGecko coin ids.
var defaultCoinGeckoIDs = map[string]string{
	"BTC":   "bitcoin",
	"WBTC":  "wrapped-bitcoin",
	"ETH":   "ethereum",
	"WETH":  "weth",
	"USDC":  "usd-coin",
	"USDT":  "tether",
	"DAI":   "dai",
	"SOL":   "solana",
	"BNB":   "binancecoin",
	"MATIC": "matic-network",
	"ARB":   "arbitrum",
	"OP":    "optimism",
	"LINK":  "chainlink",
	"UNI":   "uniswap",
	"AAVE":  "aave",
	"CRV":   "curve-dao-token",
	"LDO":   "lido-dao",
	"MKR":   "maker",
}

// CoinGecko prices tokens from the CoinGecko simple price endpoint.
type CoinGecko struct {
	client  *http.Client
	baseURL string
	apiKey  string
	ids     map[string]string
}

// NewCoinGecko builds the adapter. overrides extend or replace the built-in
// symbol to coin id map; apiKey is sent as the demo API key when non-empty.
func NewCoinGecko(apiKey string, overrides map[string]string) *CoinGecko {
	ids := make(map[string]string, len(defaultCoinGeckoIDs)+len(overrides))
	for k, v := range defaultCoinGeckoIDs {
		ids[k] = v
	}
	for k, v := range overrides {
		ids[strings.ToUpper(k)] = v
	}
	return &CoinGecko{
		client:  newHTTPClient(),
		baseURL: coinGeckoAPI,
		apiKey:  apiKey,
		ids:     ids,
	}
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	id, ok := c.ids[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("%w: coingecko has no id for %s", pricing.ErrNotFound, symbol)
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	u := c.baseURL + "/simple/price?" + q.Encode()

	var header http.Header
	if c.apiKey != "" {
		header = http.Header{"x-cg-demo-api-key": []string{c.apiKey}}
	}

	var body map[string]map[string]float64
	if err := getJSON(ctx, c.client, "coingecko", u, header, &body); err != nil {
		return 0, err
	}
	price, ok := body[id]["usd"]
	if !ok {
		return 0, fmt.Errorf("%w: coingecko returned no usd price for %s", pricing.ErrNotFound, id)
	}
	return price, nil
}
