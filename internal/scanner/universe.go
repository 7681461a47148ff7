package scanner

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/kitescan/trading-assistant-backend/internal/kite"
)

// InstrumentLister supplies the instrument dump the universe is built from.
type InstrumentLister interface {
	Instruments(ctx context.Context) ([]kite.Instrument, error)
}

// fallbackTokens are known liquid NSE equities used when the instrument
// dump cannot be loaded. The scanner must always have something to scan.
var fallbackTokens = []string{
	"738561",  // RELIANCE
	"1270529", // TCS
	"2953217", // HDFC
	"134657",  // INFY
	"2714625", // ICICIBANK
}

// LoadUniverse builds the scan list: NSE equity instruments, truncated to
// size. On any failure it substitutes the static fallback list, favoring
// availability over completeness.
func LoadUniverse(ctx context.Context, lister InstrumentLister, size int, logger zerolog.Logger) []string {
	instruments, err := lister.Instruments(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load instrument universe, using fallback list")
		return append([]string(nil), fallbackTokens...)
	}

	tokens := make([]string, 0, size)
	for _, inst := range instruments {
		if inst.Exchange != "NSE" || inst.Segment != "NSE" || inst.InstrumentType != "EQ" {
			continue
		}
		if inst.Tradingsymbol == "" {
			continue
		}
		tokens = append(tokens, inst.InstrumentToken)
		if len(tokens) == size {
			break
		}
	}

	if len(tokens) == 0 {
		logger.Error().Msg("instrument dump contained no NSE equities, using fallback list")
		return append([]string(nil), fallbackTokens...)
	}

	logger.Info().Int("count", len(tokens)).Msg("loaded instrument universe")
	return tokens
}
