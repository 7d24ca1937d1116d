// ABOUTME: Asynchronous ClickHouse mirror of usage records for analytics
// ABOUTME: Buffers records in a channel and batch-inserts them from a background loop

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/2389/toolgate/internal/store"
)

const (
	clickhouseBufferSize = 10_000
	clickhouseDrainLimit = 2 * time.Second
	clickhouseTimeout    = 5 * time.Second
)

const clickhouseSchema = `
	CREATE TABLE IF NOT EXISTS usage_records (
		id             String,
		principal_key  String,
		account_id     String,
		credential_ref String,
		role           LowCardinality(String),
		tool_name      LowCardinality(String),
		arguments      String,
		outcome        LowCardinality(String),
		result         String,
		created_at     DateTime64(6, 'UTC')
	) ENGINE = MergeTree
	ORDER BY (tool_name, created_at)
`

const clickhouseInsert = `
	INSERT INTO usage_records (
		id, principal_key, account_id, credential_ref, role,
		tool_name, arguments, outcome, result, created_at
	)
`

// batchInserter writes one batch of records.
type batchInserter interface {
	insert(ctx context.Context, records []*store.UsageRecord) error
}

// ClickHouseSink mirrors usage records into ClickHouse. Write never blocks;
// records are dropped when the buffer is full.
type ClickHouseSink struct {
	inserter      batchInserter
	buffer        chan *store.UsageRecord
	done          chan struct{}
	flushed       chan struct{}
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
}

// ClickHouseOptions configures NewClickHouseSink.
type ClickHouseOptions struct {
	DSN           string
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// NewClickHouseSink connects, ensures the table exists and starts the flush loop.
func NewClickHouseSink(ctx context.Context, opts ClickHouseOptions) (*ClickHouseSink, error) {
	chOpts, err := clickhouse.ParseDSN(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, clickhouseSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating clickhouse table: %w", err)
	}

	return newClickHouseSink(&clickhouseConn{conn: conn}, opts), nil
}

func newClickHouseSink(inserter batchInserter, opts ClickHouseOptions) *ClickHouseSink {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}

	s := &ClickHouseSink{
		inserter:      inserter,
		buffer:        make(chan *store.UsageRecord, clickhouseBufferSize),
		done:          make(chan struct{}),
		flushed:       make(chan struct{}),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		logger:        logger.With("component", "audit.clickhouse"),
	}
	go s.flushLoop()
	return s
}

// Write queues rec for insertion.
func (s *ClickHouseSink) Write(rec *store.UsageRecord) {
	select {
	case s.buffer <- rec:
	default:
		s.logger.Warn("clickhouse buffer full, dropping usage record",
			"id", rec.ID,
			"tool_name", rec.ToolName,
		)
	}
}

// Close drains buffered records and stops the flush loop.
func (s *ClickHouseSink) Close() {
	close(s.done)
	<-s.flushed
	if c, ok := s.inserter.(*clickhouseConn); ok {
		if err := c.conn.Close(); err != nil {
			s.logger.Warn("closing clickhouse connection", "error", err)
		}
	}
}

func (s *ClickHouseSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]*store.UsageRecord, 0, s.batchSize)

	for {
		select {
		case rec := <-s.buffer:
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			deadline := time.After(clickhouseDrainLimit)
		drain:
			for {
				select {
				case rec := <-s.buffer:
					batch = append(batch, rec)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *ClickHouseSink) flush(records []*store.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), clickhouseTimeout)
	defer cancel()

	if err := s.inserter.insert(ctx, records); err != nil {
		s.logger.Error("clickhouse batch insert failed", "batch_size", len(records), "error", err)
		return
	}
	s.logger.Debug("flushed usage records", "batch_size", len(records))
}

type clickhouseConn struct {
	conn driver.Conn
}

func (c *clickhouseConn) insert(ctx context.Context, records []*store.UsageRecord) error {
	batch, err := c.conn.PrepareBatch(ctx, clickhouseInsert)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range records {
		if err := batch.Append(
			r.ID,
			r.PrincipalKey,
			r.AccountID,
			r.CredentialRef,
			r.Role,
			r.ToolName,
			r.Arguments,
			string(r.Outcome),
			r.Result,
			r.CreatedAt.UTC(),
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append %s: %w", r.ID, err)
		}
	}
	return batch.Send()
}

// LogSink writes each record to a logger at debug level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "audit.log")}
}

func (s *LogSink) Write(rec *store.UsageRecord) {
	s.logger.Debug("usage_record",
		"id", rec.ID,
		"principal", rec.PrincipalKey,
		"tool_name", rec.ToolName,
		"outcome", rec.Outcome,
	)
}

func (s *LogSink) Close() {}
