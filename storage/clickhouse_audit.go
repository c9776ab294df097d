package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"orthrus/metrics"
	"orthrus/soar"
	"orthrus/util/goroutine"
)

const (
	auditFlushInterval = 2 * time.Second
	auditFlushBatch    = 500
)

// ClickHouseAuditSink streams audit events into ClickHouse. Emit is
// non-blocking: events buffer in a channel and a background writer
// flushes batches. When the buffer is full events are dropped and
// counted; the executor must never stall on the audit path.
type ClickHouseAuditSink struct {
	conn   driver.Conn
	events chan *soar.AuditEvent
	logger *zap.SugaredLogger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewClickHouseAuditSink connects to ClickHouse, ensures the audit
// table exists, and starts the writer.
func NewClickHouseAuditSink(addr, database, username, password string, bufferSize int, logger *zap.SugaredLogger) (*ClickHouseAuditSink, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if bufferSize <= 0 {
		bufferSize = 4096
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS soar_audit (
			event LowCardinality(String),
			execution_id String,
			playbook_id String,
			organization_id LowCardinality(String),
			step_id String,
			action_id LowCardinality(String),
			triggered_by String,
			timestamp DateTime64(3, 'UTC'),
			metadata String
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (organization_id, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 180 DAY
	`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	s := &ClickHouseAuditSink{
		conn:   conn,
		events: make(chan *soar.AuditEvent, bufferSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// Emit buffers an event, dropping when the buffer is full.
func (s *ClickHouseAuditSink) Emit(_ context.Context, event *soar.AuditEvent) {
	select {
	case s.events <- event:
	default:
		metrics.AuditEventsDropped.Inc()
	}
}

// Close flushes buffered events and shuts the connection.
func (s *ClickHouseAuditSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.conn.Close()
}

func (s *ClickHouseAuditSink) writer() {
	defer s.wg.Done()
	defer goroutine.Recover("clickhouse-audit-writer", s.logger)

	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	batch := make([]*soar.AuditEvent, 0, auditFlushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertBatch(batch); err != nil {
			s.logger.Errorw("Failed to flush audit batch",
				"count", len(batch), "error", err)
			metrics.AuditEventsDropped.Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-s.events:
			batch = append(batch, event)
			if len(batch) >= auditFlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain what is already buffered, then flush once.
			for {
				select {
				case event := <-s.events:
					batch = append(batch, event)
					if len(batch) >= auditFlushBatch {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

func (s *ClickHouseAuditSink) insertBatch(events []*soar.AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO soar_audit
		(event, execution_id, playbook_id, organization_id, step_id, action_id, triggered_by, timestamp, metadata)`)
	if err != nil {
		return fmt.Errorf("prepare audit batch: %w", err)
	}
	for _, e := range events {
		metadata := ""
		if e.Metadata != nil {
			if b, merr := json.Marshal(e.Metadata); merr == nil {
				metadata = string(b)
			}
		}
		if err := batch.Append(
			string(e.Event), e.ExecutionID, e.PlaybookID, e.OrganizationID,
			e.StepID, e.ActionID, e.TriggeredBy, e.Timestamp, metadata,
		); err != nil {
			return fmt.Errorf("append audit row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send audit batch: %w", err)
	}
	return nil
}

// QueryAuditTrail returns the audit events for one execution, oldest
// first, for the API's audit endpoint.
func (s *ClickHouseAuditSink) QueryAuditTrail(ctx context.Context, executionID string, limit int) ([]*soar.AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.conn.Query(ctx, `
		SELECT event, execution_id, playbook_id, organization_id, step_id, action_id, triggered_by, timestamp, metadata
		FROM soar_audit WHERE execution_id = ? ORDER BY timestamp ASC LIMIT ?`,
		executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []*soar.AuditEvent
	for rows.Next() {
		var e soar.AuditEvent
		var event, metadata string
		if err := rows.Scan(&event, &e.ExecutionID, &e.PlaybookID, &e.OrganizationID,
			&e.StepID, &e.ActionID, &e.TriggeredBy, &e.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Event = soar.AuditEventType(event)
		if metadata != "" {
			_ = json.Unmarshal([]byte(metadata), &e.Metadata)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
