package marketdata

import (
	"context"
	"time"

	"github.com/kitescan/trading-assistant-backend/internal/kite"
)

// kiteGateway adapts the Kite client to the Gateway interface.
type kiteGateway struct {
	client *kite.Client
}

// NewKiteGateway wraps a Kite client as a market data gateway.
func NewKiteGateway(client *kite.Client) Gateway {
	return &kiteGateway{client: client}
}

func (g *kiteGateway) HistoricalData(ctx context.Context, token string, from, to time.Time, interval string) ([]Bar, error) {
	candles, err := g.client.HistoricalData(ctx, token, from, to, interval)
	if err != nil {
		return nil, err
	}

	bars := make([]Bar, len(candles))
	for i, c := range candles {
		bars[i] = Bar{
			Timestamp: c.Timestamp,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		}
	}
	return bars, nil
}

func (g *kiteGateway) InstrumentName(ctx context.Context, token string) (string, error) {
	return g.client.InstrumentName(ctx, token)
}
