package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"aegis/config"
	"aegis/core"
	"aegis/metrics"
	"aegis/util/goroutine"

	"go.uber.org/zap"
)

// ClickHouseEventStorage batches live events into ClickHouse and serves the
// time-windowed queries the scheduled engine runs.
type ClickHouseEventStorage struct {
	clickhouse *ClickHouse
	eventCh    <-chan *core.Event
	batchSize  int
	flushEvery time.Duration
	workers    int
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClickHouseEventStorage(parentCtx context.Context, ch *ClickHouse, cfg *config.Config, eventCh <-chan *core.Event, logger *zap.SugaredLogger) *ClickHouseEventStorage {
	ctx, cancel := context.WithCancel(parentCtx)
	batchSize := cfg.Events.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	flushEvery := cfg.Events.FlushInterval
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	workers := cfg.Events.Workers
	if workers <= 0 {
		workers = 1
	}
	return &ClickHouseEventStorage{
		clickhouse: ch,
		eventCh:    eventCh,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		workers:    workers,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the batch writer workers.
func (ces *ClickHouseEventStorage) Start() {
	for i := 0; i < ces.workers; i++ {
		ces.wg.Add(1)
		go ces.worker(i)
	}
}

func (ces *ClickHouseEventStorage) worker(workerID int) {
	defer ces.wg.Done()
	defer goroutine.Recover("clickhouse-event-worker", ces.logger)

	batch := make([]*core.Event, 0, ces.batchSize)
	flushTicker := time.NewTicker(ces.flushEvery)
	defer flushTicker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := ces.insertBatch(ctx, batch); err != nil {
			metrics.EventWriteFailures.Inc()
			ces.logger.Errorw("Event batch insert failed",
				"error", err,
				"event_count", len(batch),
				"worker_id", workerID)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-ces.eventCh:
			if !ok {
				// Channel closed: final flush must not use the worker
				// context, which may already be cancelled.
				flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				flush(flushCtx)
				cancel()
				return
			}
			batch = append(batch, event)
			if len(batch) >= ces.batchSize {
				flush(ces.ctx)
				flushTicker.Reset(ces.flushEvery)
			}

		case <-flushTicker.C:
			flush(ces.ctx)

		case <-ces.ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			flush(flushCtx)
			cancel()
			return
		}
	}
}

func (ces *ClickHouseEventStorage) insertBatch(ctx context.Context, batch []*core.Event) error {
	prepared, err := ces.clickhouse.Conn.PrepareBatch(ctx, `
		INSERT INTO events (event_id, tenant_id, timestamp, ingested_at, source_format, fields)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	now := time.Now().UTC()
	for _, event := range batch {
		fieldsData := "{}"
		if len(event.Fields) > 0 {
			if data, err := json.Marshal(event.Fields); err == nil {
				fieldsData = string(data)
			}
		}
		if err := prepared.Append(
			event.EventID,
			event.TenantID,
			event.Timestamp,
			now,
			event.SourceFormat,
			fieldsData,
		); err != nil {
			return fmt.Errorf("failed to append event %s: %w", event.EventID, err)
		}
	}
	return prepared.Send()
}

// Stop drains and flushes the writers.
func (ces *ClickHouseEventStorage) Stop() {
	ces.cancel()
	ces.wg.Wait()
}

// QueryWindow returns a tenant's events matching the selection tree inside
// the half-open interval (from, to]. The tenant predicate is applied here
// unconditionally; rules never see another tenant's rows.
func (ces *ClickHouseEventStorage) QueryWindow(ctx context.Context, tenantID string, expr core.Expr, from, to time.Time) ([]core.EventRow, error) {
	where, args, err := buildWhere(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	query := `
		SELECT event_id, timestamp, fields
		FROM events
		WHERE tenant_id = ? AND timestamp > ? AND timestamp <= ? AND (` + where + `)
		ORDER BY timestamp`
	queryArgs := append([]interface{}{tenantID, from.UTC(), to.UTC()}, args...)

	rows, err := ces.clickhouse.Conn.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("window query failed: %w", err)
	}
	defer rows.Close()

	var out []core.EventRow
	for rows.Next() {
		var (
			row        core.EventRow
			fieldsJSON string
		)
		if err := rows.Scan(&row.EventID, &row.Timestamp, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if fieldsJSON != "" && fieldsJSON != "{}" {
			if err := json.Unmarshal([]byte(fieldsJSON), &row.Fields); err != nil {
				ces.logger.Warnw("Skipping event with corrupt fields",
					"event_id", row.EventID, "error", err)
				continue
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
