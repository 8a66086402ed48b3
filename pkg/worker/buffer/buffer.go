// Package buffer implements the worker's local result buffer: a durable, bounded FIFO of unacknowledged probe results backed by
// an append-only JSON-lines file, with a background forwarder that retries
// publishing to the result queue under exponential backoff.
package buffer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/guardant/guardant/internal/telemetry"
)

const (
	backoffBase   = 30 * time.Second
	backoffCap    = 15 * time.Minute
	jitterPct     = 0.2
	brokerDegradedAfter = 5 * time.Minute
)

// Record is a single buffered entry. ResultID is the idempotency key the
// aggregator dedups on.
type Record struct {
	ResultID string          `json:"result_id"`
	Payload  json.RawMessage `json:"payload"`
	Enqueued time.Time       `json:"enqueued_at"`
}

// Publisher is the narrow interface the forwarder needs to hand a record
// to the result queue. Defined here, not imported from pkg/bus, so this
// package stays decoupled from the broker's concrete client.
type Publisher interface {
	PublishResult(ctx context.Context, payload []byte) error
}

// Buffer is a durable, bounded FIFO backed by an append-only file. All
// public methods are safe for concurrent use.
type Buffer struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	records    []Record
	maxEntries int
	logger     *slog.Logger

	degradedSince time.Time
	lastPublishOK time.Time
}

// Open loads path (creating it if absent), replaying any records left from
// a previous process, and returns a Buffer ready to accept appends.
func Open(path string, maxEntries int, logger *slog.Logger) (*Buffer, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening buffer file %s: %w", path, err)
	}

	b := &Buffer{path: path, file: f, maxEntries: maxEntries, logger: logger, lastPublishOK: time.Now()}
	if err := b.replay(); err != nil {
		return nil, err
	}
	telemetry.BufferDepth.Set(float64(len(b.records)))
	return b, nil
}

func (b *Buffer) replay() error {
	if _, err := b.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seeking buffer file: %w", err)
	}
	scanner := bufio.NewScanner(b.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			b.logger.Warn("skipping corrupt buffer record", "error", err)
			continue
		}
		b.records = append(b.records, rec)
	}
	return scanner.Err()
}

// Append adds a record to the buffer, fsyncing before it returns
//.
// On overflow the oldest record is evicted and buffer_drop_counter
// increments.
func (b *Buffer) Append(resultID string, payload json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := Record{ResultID: resultID, Payload: payload, Enqueued: time.Now().UTC()}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling record: %w", err)
	}
	if _, err := b.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("syncing buffer file: %w", err)
	}

	b.records = append(b.records, rec)
	if len(b.records) > b.maxEntries {
		b.records = b.records[1:]
		telemetry.BufferDropTotal.Inc()
		if err := b.rewriteLocked(); err != nil {
			return err
		}
	}
	telemetry.BufferDepth.Set(float64(len(b.records)))
	return nil
}

// rewriteLocked recompacts the on-disk file to match b.records. Called
// with the mutex already held, after an eviction or a forwarder drain.
func (b *Buffer) rewriteLocked() error {
	tmpPath := b.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating compacted buffer file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, rec := range b.records {
		line, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshalling record during compaction: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("writing compacted buffer file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing compacted buffer file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing compacted buffer file: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, b.path); err != nil {
		return fmt.Errorf("replacing buffer file: %w", err)
	}

	b.file.Close()
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reopening buffer file: %w", err)
	}
	b.file = f
	return nil
}

// Len returns the number of unacknowledged records currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Degraded reports whether the broker has been unreachable long enough
// that the worker should report a degraded heartbeat while still probing
//.
func (b *Buffer) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.degradedSince.IsZero() && time.Since(b.degradedSince) > 0
}

// RunForwarder drains the buffer against pub until ctx is cancelled,
// applying exponential backoff with jitter between failed publish
// attempts.
func (b *Buffer) RunForwarder(ctx context.Context, pub Publisher) {
	backoff := backoffBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rec, ok := b.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := pub.PublishResult(ctx, rec.Payload); err != nil {
			b.noteFailure()
			b.logger.Warn("forwarding buffered result failed", "error", err, "result_id", rec.ResultID, "backoff", backoff)
			wait := jitter(backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		b.noteSuccess()
		backoff = backoffBase
		b.dequeue(rec.ResultID)
	}
}

func (b *Buffer) peek() (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		return Record{}, false
	}
	return b.records[0], true
}

func (b *Buffer) dequeue(resultID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 || b.records[0].ResultID != resultID {
		return
	}
	b.records = b.records[1:]
	_ = b.rewriteLocked()
	telemetry.BufferDepth.Set(float64(len(b.records)))
}

func (b *Buffer) noteFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.degradedSince.IsZero() && time.Since(b.lastPublishOK) > brokerDegradedAfter {
		b.degradedSince = time.Now()
	}
}

func (b *Buffer) noteSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPublishOK = time.Now()
	b.degradedSince = time.Time{}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffCap {
		next = backoffCap
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterPct
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

// Close closes the underlying file.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
