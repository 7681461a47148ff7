package kite

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Instrument is one row of the Kite instrument dump.
type Instrument struct {
	InstrumentToken string  `json:"instrument_token"`
	ExchangeToken   string  `json:"exchange_token"`
	Tradingsymbol   string  `json:"tradingsymbol"`
	Name            string  `json:"name"`
	LastPrice       float64 `json:"last_price"`
	TickSize        float64 `json:"tick_size"`
	LotSize         int     `json:"lot_size"`
	InstrumentType  string  `json:"instrument_type"`
	Segment         string  `json:"segment"`
	Exchange        string  `json:"exchange"`
}

// Candle is one OHLCV bar from the historical data endpoint.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Profile holds the fields of the user profile the backend cares about.
type Profile struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
}

// Session is the result of exchanging a request token.
type Session struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	PublicToken string `json:"public_token"`
	LoginTime   string `json:"login_time"`
}

// envelope is the standard Kite API response wrapper.
type envelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// candleData is the payload of the historical data endpoint. Candles arrive
// as positional arrays: [timestamp, open, high, low, close, volume].
type candleData struct {
	Candles [][]json.RawMessage `json:"candles"`
}

// kiteTimeLayout is the timestamp format used in historical candles.
const kiteTimeLayout = "2006-01-02T15:04:05-0700"

// parseCandles converts the positional candle arrays into typed bars.
func parseCandles(raw []byte) ([]Candle, error) {
	var data candleData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}

	candles := make([]Candle, 0, len(data.Candles))
	for i, row := range data.Candles {
		if len(row) < 6 {
			return nil, fmt.Errorf("candle %d: expected 6 fields, got %d", i, len(row))
		}

		var ts string
		if err := json.Unmarshal(row[0], &ts); err != nil {
			return nil, fmt.Errorf("candle %d: timestamp: %w", i, err)
		}
		t, err := time.Parse(kiteTimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("candle %d: timestamp %q: %w", i, ts, err)
		}

		var c Candle
		c.Timestamp = t
		vals := make([]float64, 5)
		for j := 1; j < 6; j++ {
			if err := json.Unmarshal(row[j], &vals[j-1]); err != nil {
				return nil, fmt.Errorf("candle %d: field %d: %w", i, j, err)
			}
		}
		c.Open, c.High, c.Low, c.Close, c.Volume = vals[0], vals[1], vals[2], vals[3], vals[4]
		candles = append(candles, c)
	}
	return candles, nil
}

// parseInstruments reads the CSV instrument dump. Unknown columns are
// ignored so the parser survives dump format additions.
func parseInstruments(r io.Reader) ([]Instrument, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var instruments []Instrument
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		inst := Instrument{
			InstrumentToken: field(row, "instrument_token"),
			ExchangeToken:   field(row, "exchange_token"),
			Tradingsymbol:   field(row, "tradingsymbol"),
			Name:            field(row, "name"),
			InstrumentType:  field(row, "instrument_type"),
			Segment:         field(row, "segment"),
			Exchange:        field(row, "exchange"),
		}
		inst.LastPrice, _ = strconv.ParseFloat(field(row, "last_price"), 64)
		inst.TickSize, _ = strconv.ParseFloat(field(row, "tick_size"), 64)
		lot, _ := strconv.Atoi(field(row, "lot_size"))
		inst.LotSize = lot

		instruments = append(instruments, inst)
	}
	return instruments, nil
}
