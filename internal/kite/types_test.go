package kite

import (
	"strings"
	"testing"
	"time"
)

func TestParseCandles(t *testing.T) {
	raw := []byte(`{
		"candles": [
			["2024-06-03T10:00:00+0530", 480.0, 510.5, 475.0, 500.0, 125000],
			["2024-06-03T10:05:00+0530", 500.0, 520.0, 498.0, 515.25, 98000]
		]
	}`)

	candles, err := parseCandles(raw)
	if err != nil {
		t.Fatalf("parseCandles failed: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("Expected 2 candles, got %d", len(candles))
	}

	first := candles[0]
	if first.Open != 480 || first.High != 510.5 || first.Low != 475 || first.Close != 500 {
		t.Errorf("First candle OHLC wrong: %+v", first)
	}
	if first.Volume != 125000 {
		t.Errorf("Expected volume 125000, got %f", first.Volume)
	}

	loc := time.FixedZone("IST", 5*3600+1800)
	want := time.Date(2024, 6, 3, 10, 0, 0, 0, loc)
	if !first.Timestamp.Equal(want) {
		t.Errorf("Expected timestamp %v, got %v", want, first.Timestamp)
	}

	if candles[1].Close != 515.25 {
		t.Errorf("Expected second close 515.25, got %f", candles[1].Close)
	}
}

func TestParseCandles_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"candles": [`},
		{"short row", `{"candles": [["2024-06-03T10:00:00+0530", 480.0]]}`},
		{"bad timestamp", `{"candles": [["yesterday", 1, 2, 3, 4, 5]]}`},
		{"string price", `{"candles": [["2024-06-03T10:00:00+0530", "x", 2, 3, 4, 5]]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseCandles([]byte(tt.raw)); err == nil {
				t.Error("Expected parse error")
			}
		})
	}
}

func TestParseCandles_Empty(t *testing.T) {
	candles, err := parseCandles([]byte(`{"candles": []}`))
	if err != nil {
		t.Fatalf("parseCandles failed: %v", err)
	}
	if len(candles) != 0 {
		t.Errorf("Expected no candles, got %d", len(candles))
	}
}

func TestParseInstruments(t *testing.T) {
	dump := strings.Join([]string{
		"instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange",
		"738561,2885,RELIANCE,RELIANCE INDUSTRIES,2950.5,,0,0.05,1,EQ,NSE,NSE",
		"1270529,4963,TCS,TATA CONSULTANCY SERVICES,3870,,0,0.05,1,EQ,NSE,NSE",
		"53179655,207733,NIFTY24JUNFUT,,23500,2024-06-27,0,0.05,25,FUT,NFO-FUT,NFO",
	}, "\n")

	instruments, err := parseInstruments(strings.NewReader(dump))
	if err != nil {
		t.Fatalf("parseInstruments failed: %v", err)
	}
	if len(instruments) != 3 {
		t.Fatalf("Expected 3 instruments, got %d", len(instruments))
	}

	reliance := instruments[0]
	if reliance.InstrumentToken != "738561" {
		t.Errorf("Expected token 738561, got %q", reliance.InstrumentToken)
	}
	if reliance.Tradingsymbol != "RELIANCE" {
		t.Errorf("Expected symbol RELIANCE, got %q", reliance.Tradingsymbol)
	}
	if reliance.LastPrice != 2950.5 {
		t.Errorf("Expected last price 2950.5, got %f", reliance.LastPrice)
	}
	if reliance.Exchange != "NSE" || reliance.Segment != "NSE" || reliance.InstrumentType != "EQ" {
		t.Errorf("Expected NSE equity, got %+v", reliance)
	}

	fut := instruments[2]
	if fut.InstrumentType != "FUT" || fut.LotSize != 25 {
		t.Errorf("Expected FUT with lot size 25, got %+v", fut)
	}
}

func TestParseInstruments_ColumnOrderIndependent(t *testing.T) {
	// Column positions come from the header, not fixed offsets.
	dump := strings.Join([]string{
		"exchange,tradingsymbol,instrument_token,instrument_type,segment",
		"NSE,INFY,408065,EQ,NSE",
	}, "\n")

	instruments, err := parseInstruments(strings.NewReader(dump))
	if err != nil {
		t.Fatalf("parseInstruments failed: %v", err)
	}
	if len(instruments) != 1 {
		t.Fatalf("Expected 1 instrument, got %d", len(instruments))
	}
	if instruments[0].InstrumentToken != "408065" || instruments[0].Tradingsymbol != "INFY" {
		t.Errorf("Unexpected instrument: %+v", instruments[0])
	}
}

func TestParseInstruments_EmptyDump(t *testing.T) {
	if _, err := parseInstruments(strings.NewReader("")); err == nil {
		t.Error("Expected error for dump without header")
	}
}
