package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	// historyBatchSize is the maximum number of alerts to queue before
	// an immediate flush.
	historyBatchSize = 50
	// historyFlushInterval is how often queued alerts are written out.
	historyFlushInterval = 5 * time.Second
)

// History records every created alert in Postgres for later review. The
// cache store stays the system of record for active alerts; this is an
// append-only audit trail. Writes are batched in the background so the
// scan loop never blocks on the database.
type History struct {
	db     *pgxpool.Pool
	logger zerolog.Logger
	queue  []*Alert
	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewHistory creates a history sink and starts its background flusher.
func NewHistory(db *pgxpool.Pool, logger zerolog.Logger) *History {
	h := &History{
		db:     db,
		logger: logger.With().Str("component", "alert-history").Logger(),
		queue:  make([]*Alert, 0, historyBatchSize),
		ticker: time.NewTicker(historyFlushInterval),
		done:   make(chan struct{}),
	}

	h.wg.Add(1)
	go h.flusher()
	return h
}

// Notify queues an alert for persistence. Implements Sink.
func (h *History) Notify(ctx context.Context, alert *Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.queue = append(h.queue, alert)
	if len(h.queue) >= historyBatchSize {
		h.flushLocked()
	}
	return nil
}

func (h *History) flusher() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ticker.C:
			h.mu.Lock()
			h.flushLocked()
			h.mu.Unlock()
		case <-h.done:
			h.mu.Lock()
			h.flushLocked()
			h.mu.Unlock()
			return
		}
	}
}

// flushLocked writes the queued alerts in one batch. Must hold the mutex.
func (h *History) flushLocked() {
	if len(h.queue) == 0 {
		return
	}

	batch := make([]*Alert, len(h.queue))
	copy(batch, h.queue)
	h.queue = h.queue[:0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.write(ctx, batch); err != nil {
		h.logger.Error().Err(err).Int("count", len(batch)).Msg("failed to persist alert history")
		return
	}
	h.logger.Debug().Int("count", len(batch)).Msg("persisted alert history")
}

func (h *History) write(ctx context.Context, batch []*Alert) error {
	const query = `
		INSERT INTO alert_history (
			id, time, instrument_token, instrument_name,
			price, change_5min, distance_from_high, weekly_movement, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	pgxBatch := &pgx.Batch{}
	for _, alert := range batch {
		pgxBatch.Queue(query,
			uuid.New(),
			alert.CreatedAt,
			alert.InstrumentToken,
			alert.InstrumentName,
			alert.CurrentPrice,
			alert.PriceChange5m,
			alert.DistanceFromHigh,
			alert.WeeklyMovement,
			alert.ExpiresAt,
		)
	}

	results := h.db.SendBatch(ctx, pgxBatch)
	defer results.Close()

	for range batch {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the flusher and writes any remaining alerts.
func (h *History) Close() error {
	close(h.done)
	h.ticker.Stop()
	h.wg.Wait()
	return nil
}
