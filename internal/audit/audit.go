// Package audit provides an async, buffered writer for the per-nest audit
// log, recording mutating API calls (worker approvals, service changes,
// incident updates) for operator review.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guardant/guardant/internal/auth"
	"github.com/guardant/guardant/pkg/nest"
)

// PlatformSchema is the sentinel Entry.NestSchema value for actions that
// aren't scoped to any nest — worker registry lifecycle transitions
// (approve/reject/suspend/resume/delete), which act on a platform-wide
// resource rather than tenant data. Such entries are written to
// public.platform_audit_log instead of a nest's audit_log table.
const PlatformSchema = "public"

// Entry represents a single audit log entry to be written.
type Entry struct {
	NestSchema string
	UserID     *uuid.UUID
	APIKeyID   *uuid.UUID
	Action     string
	Resource   string
	ResourceID uuid.UUID
	Detail     json.RawMessage
	IPAddress  *netip.Addr
	UserAgent  *string
}

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the
// database. It returns when the context is cancelled and all pending
// entries are flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the caller;
// if the buffer is full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "resource", entry.Resource)
	}
}

// LogPlatform enqueues an audit entry for a platform-wide action (not
// scoped to any nest), e.g. a worker lifecycle transition.
func (w *Writer) LogPlatform(r *http.Request, action, resource string, resourceID uuid.UUID, detail json.RawMessage) {
	entry := Entry{
		NestSchema: PlatformSchema,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Detail:     detail,
	}
	if id := auth.FromContext(r.Context()); id != nil {
		entry.UserID = id.UserID
		entry.APIKeyID = id.APIKeyID
	}
	ip := clientIP(r)
	if ip.IsValid() {
		entry.IPAddress = &ip
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		entry.UserAgent = &ua
	}
	w.Log(entry)
}

// LogFromRequest is a convenience method that extracts identity, nest
// schema, IP, and user agent from the request context, then enqueues the entry.
func (w *Writer) LogFromRequest(r *http.Request, action, resource string, resourceID uuid.UUID, detail json.RawMessage) {
	entry := Entry{
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Detail:     detail,
	}

	if info := nest.FromContext(r.Context()); info != nil {
		entry.NestSchema = info.Schema
	}

	if id := auth.FromContext(r.Context()); id != nil {
		entry.UserID = id.UserID
		entry.APIKeyID = id.APIKeyID
	}

	ip := clientIP(r)
	if ip.IsValid() {
		entry.IPAddress = &ip
	}

	if ua := r.Header.Get("User-Agent"); ua != "" {
		entry.UserAgent = &ua
	}

	w.Log(entry)
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the database, grouped by nest schema.
func (w *Writer) flush(entries []Entry) {
	bySchema := make(map[string][]Entry)
	for _, e := range entries {
		bySchema[e.NestSchema] = append(bySchema[e.NestSchema], e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for schema, schemaEntries := range bySchema {
		if schema == "" {
			w.logger.Warn("audit entry without nest schema, skipping", "count", len(schemaEntries))
			continue
		}

		table := "audit_log"
		searchPath := fmt.Sprintf("'%s, public'", schema)
		if schema == PlatformSchema {
			table = "public.platform_audit_log"
			searchPath = "'public'"
		}

		conn, err := w.pool.Acquire(ctx)
		if err != nil {
			w.logger.Error("acquiring connection for audit flush", "error", err, "schema", schema)
			continue
		}

		if _, err := conn.Exec(ctx, fmt.Sprintf("SELECT set_config('search_path', %s, false)", searchPath)); err != nil {
			w.logger.Error("setting search_path for audit flush", "error", err, "schema", schema)
			conn.Release()
			continue
		}

		for _, e := range schemaEntries {
			var resourceID any
			if e.ResourceID != uuid.Nil {
				resourceID = e.ResourceID
			}
			_, err := conn.Exec(ctx,
				fmt.Sprintf(`INSERT INTO %s (id, user_id, api_key_id, action, resource, resource_id, detail, ip_address, user_agent, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`, table),
				uuid.New(), e.UserID, e.APIKeyID, e.Action, e.Resource, resourceID, e.Detail, ipString(e.IPAddress), e.UserAgent,
			)
			if err != nil {
				w.logger.Error("writing audit log entry", "error", err,
					"action", e.Action, "resource", e.Resource, "schema", schema)
			}
		}

		conn.Release()
	}
}

func ipString(addr *netip.Addr) *string {
	if addr == nil {
		return nil
	}
	s := addr.String()
	return &s
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
