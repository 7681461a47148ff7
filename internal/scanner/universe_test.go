package scanner

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kitescan/trading-assistant-backend/internal/kite"
)

type staticLister struct {
	instruments []kite.Instrument
	err         error
}

func (l *staticLister) Instruments(ctx context.Context) ([]kite.Instrument, error) {
	return l.instruments, l.err
}

func nseEquity(token, symbol string) kite.Instrument {
	return kite.Instrument{
		InstrumentToken: token,
		Tradingsymbol:   symbol,
		InstrumentType:  "EQ",
		Segment:         "NSE",
		Exchange:        "NSE",
	}
}

func TestLoadUniverse_FiltersAndTruncates(t *testing.T) {
	lister := &staticLister{instruments: []kite.Instrument{
		nseEquity("100", "AAA"),
		{InstrumentToken: "200", Tradingsymbol: "BBB-FUT", InstrumentType: "FUT", Segment: "NFO-FUT", Exchange: "NFO"},
		nseEquity("300", "CCC"),
		{InstrumentToken: "400", Tradingsymbol: "", InstrumentType: "EQ", Segment: "NSE", Exchange: "NSE"},
		nseEquity("500", "DDD"),
		nseEquity("600", "EEE"),
	}}

	tokens := LoadUniverse(context.Background(), lister, 3, zerolog.Nop())

	want := []string{"100", "300", "500"}
	if len(tokens) != len(want) {
		t.Fatalf("Expected %v, got %v", want, tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("Token %d: expected %q, got %q", i, want[i], tokens[i])
		}
	}
}

func TestLoadUniverse_FallbackOnError(t *testing.T) {
	lister := &staticLister{err: errors.New("dump unavailable")}

	tokens := LoadUniverse(context.Background(), lister, 50, zerolog.Nop())

	if len(tokens) != len(fallbackTokens) {
		t.Fatalf("Expected %d fallback tokens, got %d", len(fallbackTokens), len(tokens))
	}
	for i, token := range fallbackTokens {
		if tokens[i] != token {
			t.Errorf("Token %d: expected %q, got %q", i, token, tokens[i])
		}
	}
}

func TestLoadUniverse_FallbackOnEmptyDump(t *testing.T) {
	// A dump with no NSE equities must not leave the scanner idle.
	lister := &staticLister{instruments: []kite.Instrument{
		{InstrumentToken: "200", Tradingsymbol: "XX", InstrumentType: "FUT", Segment: "NFO-FUT", Exchange: "NFO"},
	}}

	tokens := LoadUniverse(context.Background(), lister, 50, zerolog.Nop())
	if len(tokens) != len(fallbackTokens) {
		t.Errorf("Expected fallback universe, got %v", tokens)
	}
}
