// Package binance implements the venue gateway on top of the go-binance
// USDT-M futures SDK. Orders carry the local id as the client order id so
// venue reports can always be matched back, even before the venue id is
// known locally.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"keel/internal/pkg/circuit"
	"keel/internal/types"
	"keel/internal/venue"
)

const (
	maxKlineLimit = 1500

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

type Config struct {
	APIKey    string
	APISecret string

	RESTBaseURL   string
	HTTPTimeout   time.Duration
	ProxyEnabled  bool
	RESTProxyURL  string
	WSProxyURL    string
	KlineInterval string
}

func (c Config) withDefaults() Config {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if strings.TrimSpace(c.KlineInterval) == "" {
		c.KlineInterval = "15m"
	}
	return c
}

type Gateway struct {
	cfg     Config
	client  *futures.Client
	breaker *circuit.Breaker
}

func New(cfg Config) (*Gateway, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	if base := strings.TrimSpace(final.RESTBaseURL); base != "" {
		client.BaseURL = base
	}
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Gateway{
		cfg:     final,
		client:  client,
		breaker: circuit.NewBreaker("binance_rest", breakerThreshold, breakerCooldown),
	}, nil
}

// call runs one REST request behind the breaker. API rejections still count
// as a healthy venue; only transport failures trip it.
func (g *Gateway) call(op string, fn func() error) error {
	if !g.breaker.Allow() {
		return venue.Transient(op, circuit.ErrOpen)
	}
	err := fn()
	if venue.IsTransient(err) {
		g.breaker.RecordFailure()
	} else {
		g.breaker.RecordSuccess()
	}
	return err
}

func (g *Gateway) SubmitOrder(ctx context.Context, spec venue.OrderSpec) (venue.OrderAck, error) {
	if spec.LocalID == "" {
		return venue.OrderAck{}, fmt.Errorf("binance: local order id is required")
	}
	svc := g.client.NewCreateOrderService().
		Symbol(types.NormalizeSymbol(spec.Symbol)).
		Side(sideToVenue(spec.Side)).
		Type(kindToVenue(spec.Kind)).
		Quantity(formatFloat(spec.Quantity)).
		NewClientOrderID(spec.LocalID)
	if spec.Kind == types.KindLimit || spec.Kind == types.KindStopLimit {
		svc = svc.Price(formatFloat(spec.LimitPrice)).
			TimeInForce(tifToVenue(spec.TimeInForce))
	}
	if spec.StopPrice > 0 {
		svc = svc.StopPrice(formatFloat(spec.StopPrice))
	}
	var res *futures.CreateOrderResponse
	err := g.call("submit_order", func() error {
		r, err := svc.Do(ctx)
		if err != nil {
			return classify("submit_order", err)
		}
		res = r
		return nil
	})
	if err != nil {
		return venue.OrderAck{}, err
	}
	return venue.OrderAck{
		VenueID:    formatVenueID(res.OrderID),
		State:      statusToState(res.Status),
		AcceptedAt: time.UnixMilli(res.UpdateTime),
	}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, venueID string) error {
	orderID, err := parseVenueID(venueID)
	if err != nil {
		return err
	}
	return g.call("cancel_order", func() error {
		_, err := g.client.NewCancelOrderService().
			Symbol(types.NormalizeSymbol(symbol)).
			OrderID(orderID).
			Do(ctx)
		return classify("cancel_order", err)
	})
}

func (g *Gateway) GetOrder(ctx context.Context, symbol, venueID, localID string) (venue.OrderStatus, error) {
	svc := g.client.NewGetOrderService().Symbol(types.NormalizeSymbol(symbol))
	if venueID != "" {
		orderID, err := parseVenueID(venueID)
		if err != nil {
			return venue.OrderStatus{}, err
		}
		svc = svc.OrderID(orderID)
	} else if localID != "" {
		svc = svc.OrigClientOrderID(localID)
	} else {
		return venue.OrderStatus{}, fmt.Errorf("binance: order lookup needs a venue or local id")
	}
	var ord *futures.Order
	err := g.call("get_order", func() error {
		o, err := svc.Do(ctx)
		if err != nil {
			return classify("get_order", err)
		}
		ord = o
		return nil
	})
	if err != nil {
		return venue.OrderStatus{}, err
	}
	return orderToStatus(ord), nil
}

func (g *Gateway) ListOpenPositions(ctx context.Context) ([]venue.PositionSnapshot, error) {
	var risks []*futures.PositionRisk
	err := g.call("list_positions", func() error {
		r, err := g.client.NewGetPositionRiskService().Do(ctx)
		if err != nil {
			return classify("list_positions", err)
		}
		risks = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]venue.PositionSnapshot, 0, len(risks))
	for _, r := range risks {
		if r == nil {
			continue
		}
		snap, ok := positionRiskToSnapshot(r)
		if !ok {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (g *Gateway) LatestPrice(ctx context.Context, symbol string) (venue.PriceQuote, error) {
	symbol = types.NormalizeSymbol(symbol)
	var prices []*futures.SymbolPrice
	err := g.call("latest_price", func() error {
		p, err := g.client.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return classify("latest_price", err)
		}
		prices = p
		return nil
	})
	if err != nil {
		return venue.PriceQuote{}, err
	}
	for _, p := range prices {
		if p == nil || types.NormalizeSymbol(p.Symbol) != symbol {
			continue
		}
		return venue.PriceQuote{Symbol: symbol, Price: parseFloat(p.Price), At: time.Now()}, nil
	}
	return venue.PriceQuote{}, fmt.Errorf("binance: no price returned for %s", symbol)
}

func (g *Gateway) AccountSummary(ctx context.Context) (types.AccountSnapshot, error) {
	var acct *futures.Account
	err := g.call("account_summary", func() error {
		a, err := g.client.NewGetAccountService().Do(ctx)
		if err != nil {
			return classify("account_summary", err)
		}
		acct = a
		return nil
	})
	if err != nil {
		return types.AccountSnapshot{}, err
	}
	return types.AccountSnapshot{
		Equity:      parseFloat(acct.TotalMarginBalance),
		Cash:        parseFloat(acct.TotalWalletBalance),
		BuyingPower: parseFloat(acct.AvailableBalance),
		Currency:    "USDT",
		UpdatedAt:   time.Now(),
	}, nil
}

func (g *Gateway) RecentCloses(ctx context.Context, symbol string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	var kls []*futures.Kline
	err := g.call("recent_closes", func() error {
		k, err := g.client.NewKlinesService().
			Symbol(types.NormalizeSymbol(symbol)).
			Interval(g.cfg.KlineInterval).
			Limit(limit).
			Do(ctx)
		if err != nil {
			return classify("recent_closes", err)
		}
		kls = k
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, parseFloat(kl.Close))
	}
	return out, nil
}

func (g *Gateway) Close() error { return nil }

var _ venue.Gateway = (*Gateway)(nil)
