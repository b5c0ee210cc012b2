/*
 * Citadel
 * Copyright (C) 2025  Citadel Security, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/citadelsec/citadel"
	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/backend"
	"github.com/citadelsec/citadel/lib/utils"
	logutils "github.com/citadelsec/citadel/lib/utils/log"
)

const (
	auditEventsPrefix = "audit_events"
	auditHeadsPrefix  = "audit_heads"

	// headCacheSize bounds the in-process chain-head cache. Heads are
	// revalidated against the backend on CAS failure, so the cache is a
	// fast path, not a source of truth.
	headCacheSize = 1024
)

var (
	auditEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citadel_audit_events_emitted_total",
		Help: "Number of audit events appended, by severity.",
	}, []string{"severity"})
	auditChainBreaks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "citadel_audit_chain_breaks_total",
		Help: "Number of chain breaks found by verification.",
	})
	auditAppendRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "citadel_audit_append_retries_total",
		Help: "Number of chain-head CAS retries during append.",
	})
)

func init() {
	prometheus.MustRegister(auditEmitted, auditChainBreaks, auditAppendRetries)
}

// chainHead is the per-tenant append cursor, guarded by backend
// CompareAndSwap.
type chainHead struct {
	Sequence  int64  `json:"sequence"`
	ChainHash string `json:"chain_hash"`
}

// hashProjection is the canonical projection covered by EventHash. Hash
// inputs never include the hashes themselves.
type hashProjection struct {
	ID             string                 `json:"id"`
	TenantID       string                 `json:"tenant_id"`
	UserID         string                 `json:"user_id,omitempty"`
	Type           string                 `json:"type"`
	Action         string                 `json:"action,omitempty"`
	ResourceType   string                 `json:"resource_type,omitempty"`
	ResourceID     string                 `json:"resource_id,omitempty"`
	Success        bool                   `json:"success"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	SequenceNumber int64                  `json:"sequence_number"`
	Timestamp      string                 `json:"timestamp"`
}

// AuditLogConfig configures the audit log.
type AuditLogConfig struct {
	// Backend is the storage the chain lives in.
	Backend backend.Backend
	// Clock stamps events and retention.
	Clock clockwork.Clock
	// Notifier receives critical events; nil means log-only.
	Notifier Notifier
	// Logger is the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default config values.
func (c *AuditLogConfig) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(citadel.ComponentKey, citadel.ComponentAudit)
	}
	return nil
}

// AuditLog appends events to per-tenant hash chains and serves queries
// over them.
type AuditLog struct {
	cfg   AuditLogConfig
	heads *lru.Cache[string, chainHead]

	// mu serializes appends per tenant; the backend CAS is the actual
	// correctness guard, the mutex just avoids burning retries.
	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// NewAuditLog creates a new audit log.
func NewAuditLog(cfg AuditLogConfig) (*AuditLog, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	heads, err := lru.New[string, chainHead](headCacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &AuditLog{
		cfg:     cfg,
		heads:   heads,
		tenants: make(map[string]*sync.Mutex),
	}, nil
}

func (l *AuditLog) tenantMu(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.tenants[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		l.tenants[tenantID] = mu
	}
	return mu
}

// genesisHash anchors a tenant's chain before the first event.
func genesisHash(tenantID string) string {
	return utils.SHA256Hex([]byte("citadel-audit-genesis/" + tenantID))
}

// EmitAuditEvent appends one event to the tenant chain. The event is
// assigned its id, timestamp, category, retention, sequence number and
// both hashes; the caller supplies everything else.
func (l *AuditLog) EmitAuditEvent(ctx context.Context, event *types.AuditEvent) (*types.AuditEvent, error) {
	if err := event.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := l.cfg.Clock.Now().UTC()
	if event.ID == "" {
		hexID, err := utils.CryptoRandomHex(16)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		event.ID = hexID
	}
	event.Timestamp = now
	if event.Category == "" {
		event.Category = CategoryForType(event.Type)
	}
	event.RetentionUntil = now.Add(RetentionForType(event.Type))

	mu := l.tenantMu(event.TenantID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < 3; attempt++ {
		head, headItem, err := l.loadHead(ctx, event.TenantID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		event.SequenceNumber = head.Sequence + 1
		eventHash, err := utils.HashCanonical(hashProjection{
			ID:             event.ID,
			TenantID:       event.TenantID,
			UserID:         event.UserID,
			Type:           event.Type,
			Action:         event.Action,
			ResourceType:   event.ResourceType,
			ResourceID:     event.ResourceID,
			Success:        event.Success,
			Metadata:       event.Metadata,
			SequenceNumber: event.SequenceNumber,
			Timestamp:      event.Timestamp.Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		event.EventHash = eventHash
		event.ChainHash = utils.SHA256Hex([]byte(head.ChainHash + eventHash))

		value, err := json.Marshal(event)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		// The event record goes in first. A failed append can leave the
		// head one step behind, never a hole in the chain: the head is
		// caught up on the next append.
		if _, err := l.cfg.Backend.Create(ctx, backend.Item{
			Key:   eventKey(event.TenantID, event.SequenceNumber),
			Value: value,
		}); err != nil {
			if trace.IsAlreadyExists(err) {
				// Either a concurrent writer claimed the sequence or a
				// prior append died between the event write and the head
				// swap. Advance the head and retry.
				auditAppendRetries.Inc()
				l.heads.Remove(event.TenantID)
				if err := l.advanceHead(ctx, event.TenantID); err != nil {
					return nil, trace.Wrap(err)
				}
				continue
			}
			return nil, trace.Wrap(err)
		}
		if err := l.swapHead(ctx, event.TenantID, head, headItem, chainHead{
			Sequence:  event.SequenceNumber,
			ChainHash: event.ChainHash,
		}); err != nil {
			if !trace.IsCompareFailed(err) {
				return nil, trace.Wrap(err)
			}
			// The sequence slot is ours, so a lost CAS means another
			// writer already advanced the head past our event.
			l.heads.Remove(event.TenantID)
		} else {
			l.heads.Add(event.TenantID, chainHead{
				Sequence:  event.SequenceNumber,
				ChainHash: event.ChainHash,
			})
		}
		auditEmitted.WithLabelValues(string(event.Severity)).Inc()
		if event.Severity == types.SeverityCritical {
			l.notify(ctx, event)
		}
		return event, nil
	}
	return nil, trace.LimitExceeded("audit chain append contention for tenant %q", event.TenantID)
}

func eventKey(tenantID string, sequence int64) []byte {
	return backend.Key(auditEventsPrefix, tenantID, fmt.Sprintf("%020d", sequence))
}

// loadHead returns the chain head and the raw backend item backing it,
// nil item when the chain is empty.
func (l *AuditLog) loadHead(ctx context.Context, tenantID string) (chainHead, *backend.Item, error) {
	item, err := l.cfg.Backend.Get(ctx, backend.Key(auditHeadsPrefix, tenantID))
	if err != nil {
		if trace.IsNotFound(err) {
			return chainHead{Sequence: 0, ChainHash: genesisHash(tenantID)}, nil, nil
		}
		return chainHead{}, nil, trace.Wrap(err)
	}
	var head chainHead
	if err := json.Unmarshal(item.Value, &head); err != nil {
		return chainHead{}, nil, trace.BadParameter("%s", err)
	}
	return head, item, nil
}

func (l *AuditLog) swapHead(ctx context.Context, tenantID string, old chainHead, oldItem *backend.Item, next chainHead) error {
	value, err := json.Marshal(next)
	if err != nil {
		return trace.Wrap(err)
	}
	key := backend.Key(auditHeadsPrefix, tenantID)
	if oldItem == nil {
		_, err := l.cfg.Backend.Create(ctx, backend.Item{Key: key, Value: value})
		if trace.IsAlreadyExists(err) {
			return trace.CompareFailed("audit chain head for %q was concurrently created", tenantID)
		}
		return trace.Wrap(err)
	}
	_, err = l.cfg.Backend.CompareAndSwap(ctx, *oldItem, backend.Item{Key: key, Value: value})
	return trace.Wrap(err)
}

// advanceHead catches the stored head up with the next stored event,
// repairing the lag a failed append leaves between the event write and
// the head swap.
func (l *AuditLog) advanceHead(ctx context.Context, tenantID string) error {
	head, headItem, err := l.loadHead(ctx, tenantID)
	if err != nil {
		return trace.Wrap(err)
	}
	item, err := l.cfg.Backend.Get(ctx, eventKey(tenantID, head.Sequence+1))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	var event types.AuditEvent
	if err := json.Unmarshal(item.Value, &event); err != nil {
		return trace.BadParameter("%s", err)
	}
	err = l.swapHead(ctx, tenantID, head, headItem, chainHead{
		Sequence:  event.SequenceNumber,
		ChainHash: event.ChainHash,
	})
	if trace.IsCompareFailed(err) {
		// Another writer repaired it first.
		return nil
	}
	return trace.Wrap(err)
}

func (l *AuditLog) notify(ctx context.Context, event *types.AuditEvent) {
	l.cfg.Logger.WarnContext(ctx, "critical audit event",
		"event_type", event.Type,
		"tenant", event.TenantID,
		"sequence", event.SequenceNumber,
	)
	if l.cfg.Notifier == nil {
		return
	}
	if err := l.cfg.Notifier.Notify(ctx, event); err != nil {
		l.cfg.Logger.ErrorContext(ctx, "failed to deliver critical event notification",
			"error", err,
			"event_type", event.Type,
		)
	}
}

// SearchEvents returns the tenant's events matching the filter in
// sequence order. Sensitive events come back redacted.
func (l *AuditLog) SearchEvents(ctx context.Context, tenantID string, filter EventFilter) ([]*types.AuditEvent, error) {
	if tenantID == "" {
		return nil, trace.BadParameter("missing tenant id")
	}
	events, err := l.rawEvents(ctx, tenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.AuditEvent, 0, len(events))
	for _, event := range events {
		if !filter.matches(event) {
			continue
		}
		out = append(out, event.Redacted())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// GetAuditEvent returns one event by id, redacted when sensitive.
func (l *AuditLog) GetAuditEvent(ctx context.Context, tenantID, eventID string) (*types.AuditEvent, error) {
	if tenantID == "" || eventID == "" {
		return nil, trace.BadParameter("missing tenant or event id")
	}
	events, err := l.rawEvents(ctx, tenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, event := range events {
		if event.ID == eventID {
			return event.Redacted(), nil
		}
	}
	return nil, trace.NotFound("audit event %q not found", eventID)
}

// rawEvents returns every stored event of the tenant in sequence order,
// unredacted. Used by queries and chain verification.
func (l *AuditLog) rawEvents(ctx context.Context, tenantID string) ([]*types.AuditEvent, error) {
	startKey := backend.ExactKey(auditEventsPrefix, tenantID)
	result, err := l.cfg.Backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.AuditEvent, 0, len(result.Items))
	for _, item := range result.Items {
		var event types.AuditEvent
		if err := json.Unmarshal(item.Value, &event); err != nil {
			return nil, trace.BadParameter("%s", err)
		}
		out = append(out, &event)
	}
	return out, nil
}
