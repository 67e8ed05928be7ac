package sources

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

const binanceTickerAPI = "https://api.binance.com/api/v3/ticker/price"

type binanceTickerResp struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Binance prices tokens from the Binance public ticker, quoted in USDT.
type Binance struct {
	client  *http.Client
	baseURL string
}

func NewBinance() *Binance {
	return &Binance{
		client:  newHTTPClient(),
		baseURL: binanceTickerAPI,
	}
}

func (b *Binance) Name() string { return "binance" }

// FetchPrice fetches the current price for symbol paired with USDT.
// symbol should be uppercase without quote asset (e.g., "BTC").
func (b *Binance) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	sym := strings.ToUpper(symbol)
	if sym == "" || sym == "USDT" {
		return 0, fmt.Errorf("%w: binance has no %q/USDT market", pricing.ErrNotFound, sym)
	}
	url := fmt.Sprintf("%s?symbol=%sUSDT", b.baseURL, sym)

	var ticker binanceTickerResp
	if err := getJSON(ctx, b.client, "binance", url, nil, &ticker); err != nil {
		return 0, err
	}

	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse binance price %q: %v", pricing.ErrInvalidResponse, ticker.Price, err)
	}
	return price, nil
}
