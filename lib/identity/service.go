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

// Package identity implements the multi-context identity graph: one
// person holds identities keyed by real-world identifiers, each
// identity carries role-specific contexts with monotone verification
// levels, bounded trust history and verifiable attributes.
package identity

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/citadelsec/citadel"
	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/defaults"
	"github.com/citadelsec/citadel/lib/events"
	"github.com/citadelsec/citadel/lib/services"
	logutils "github.com/citadelsec/citadel/lib/utils/log"
)

// initialTrustScore seeds a new context in the middle of the scale so
// both directions of movement carry signal.
const initialTrustScore = 0.5

// TrustEvaluator recomputes a context's trust score from its verified
// attribute set. Implementations are pluggable; the service applies the
// returned score through the bounded trust history.
type TrustEvaluator interface {
	// Evaluate returns the new trust score in [0,1] for the context
	// given its current attributes.
	Evaluate(ctx context.Context, ictx *types.IdentityContext, attrs []*types.ContextAttribute) (float64, error)
}

// Reverifier accepts out-of-band re-verification work for attributes
// whose verification was invalidated.
type Reverifier interface {
	// ScheduleReverification queues the attribute for re-verification.
	ScheduleReverification(ctx context.Context, attr *types.ContextAttribute) error
}

// ServiceConfig configures the identity graph service.
type ServiceConfig struct {
	// Graph is the persistence contract.
	Graph services.IdentityGraph
	// AuditLog records graph mutations; nil disables audit emission.
	AuditLog *events.AuditLog
	// Evaluator recomputes context trust after attribute verification;
	// nil leaves trust scores untouched.
	Evaluator TrustEvaluator
	// Reverifier queues re-verification of demoted elevated attributes;
	// nil disables scheduling.
	Reverifier Reverifier
	// Clock is the service clock.
	Clock clockwork.Clock
	// Logger is the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default config values.
func (c *ServiceConfig) CheckAndSetDefaults() error {
	if c.Graph == nil {
		return trace.BadParameter("missing parameter Graph")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(citadel.ComponentKey, citadel.ComponentIdentity)
	}
	return nil
}

// Service is the identity graph service.
type Service struct {
	cfg ServiceConfig
}

// NewService creates a new identity graph service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg}, nil
}

// CreateIdentity binds a person to a primary key.
func (s *Service) CreateIdentity(ctx context.Context, tenantID, personID, keyType, keyValue string) (*types.Identity, error) {
	now := s.cfg.Clock.Now().UTC()
	identity := &types.Identity{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		PersonID:        personID,
		PrimaryKeyType:  keyType,
		PrimaryKeyValue: keyValue,
		Status:          types.IdentityStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created, err := s.cfg.Graph.CreateIdentity(ctx, identity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.audit(ctx, tenantID, events.IdentityCreateEvent, types.SeverityInfo, "identity", created.ID, true, map[string]interface{}{
		"person_id":        personID,
		"primary_key_type": keyType,
	})
	return created, nil
}

// ResolveIdentity looks an identity up by its primary key.
func (s *Service) ResolveIdentity(ctx context.Context, tenantID, keyType, keyValue string) (*types.Identity, error) {
	return s.cfg.Graph.GetIdentityByPrimaryKey(ctx, tenantID, keyType, keyValue)
}

// ListPersonIdentities returns all identities of a person.
func (s *Service) ListPersonIdentities(ctx context.Context, tenantID, personID string) ([]*types.Identity, error) {
	return s.cfg.Graph.ListPersonIdentities(ctx, tenantID, personID)
}

// DeleteIdentity soft-deletes an identity and its contexts. Records are
// kept for the retention period; only the status changes.
func (s *Service) DeleteIdentity(ctx context.Context, tenantID, identityID string) error {
	identity, err := s.cfg.Graph.GetIdentity(ctx, tenantID, identityID)
	if err != nil {
		return trace.Wrap(err)
	}
	if identity.Status == types.IdentityStatusDeleted {
		return trace.CompareFailed("identity %q is already deleted", identityID)
	}
	now := s.cfg.Clock.Now().UTC()
	identity.Status = types.IdentityStatusDeleted
	identity.UpdatedAt = now
	if _, err := s.cfg.Graph.UpdateIdentity(ctx, identity); err != nil {
		return trace.Wrap(err)
	}
	contexts, err := s.cfg.Graph.ListContexts(ctx, tenantID, identityID)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, ictx := range contexts {
		if ictx.Status == types.IdentityStatusDeleted {
			continue
		}
		ictx.Status = types.IdentityStatusDeleted
		ictx.UpdatedAt = now
		if _, err := s.cfg.Graph.UpdateContext(ctx, ictx); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// AddContext attaches a role-specific context to an active identity.
// A non-empty fromContextID seeds the new context with the attributes
// of an existing one: elevated-sensitivity attributes lose their
// verification and return to pending, since verification evidence does
// not transfer across contexts for sensitive data.
func (s *Service) AddContext(ctx context.Context, tenantID, identityID, contextType, fromContextID string) (*types.IdentityContext, error) {
	identity, err := s.cfg.Graph.GetIdentity(ctx, tenantID, identityID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if identity.Status != types.IdentityStatusActive {
		return nil, trace.CompareFailed("identity %q is not active", identityID)
	}
	var seed []*types.ContextAttribute
	if fromContextID != "" {
		seed, err = s.cfg.Graph.ListAttributes(ctx, tenantID, fromContextID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	now := s.cfg.Clock.Now().UTC()
	ictx := &types.IdentityContext{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		IdentityID:        identityID,
		ContextType:       contextType,
		VerificationLevel: types.VerificationLevelNone,
		TrustScore:        initialTrustScore,
		TrustHistory: []types.TrustScoreEntry{{
			Score:  initialTrustScore,
			Reason: "context created",
			At:     now,
		}},
		Status:    types.IdentityStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := s.cfg.Graph.CreateContext(ctx, ictx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, src := range seed {
		copied := &types.ContextAttribute{
			ID:                 uuid.NewString(),
			TenantID:           tenantID,
			ContextID:          created.ID,
			Key:                src.Key,
			Value:              src.Value,
			Sensitivity:        src.Sensitivity,
			VerificationStatus: src.VerificationStatus,
			VerificationSource: src.VerificationSource,
			VerificationNotes:  src.VerificationNotes,
			Evidence:           src.Evidence,
			VerifiedAt:         src.VerifiedAt,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if src.VerificationStatus == types.VerificationVerified && src.Sensitivity.IsElevated() {
			copied.VerificationStatus = types.VerificationPending
			copied.VerificationSource = ""
			copied.VerificationNotes = ""
			copied.Evidence = nil
			copied.VerifiedAt = nil
		}
		if _, err := s.cfg.Graph.UpsertAttribute(ctx, copied); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return created, nil
}

// GetContext returns a context by id.
func (s *Service) GetContext(ctx context.Context, tenantID, identityID, contextID string) (*types.IdentityContext, error) {
	return s.cfg.Graph.GetContext(ctx, tenantID, identityID, contextID)
}

// ListContexts returns all contexts of an identity.
func (s *Service) ListContexts(ctx context.Context, tenantID, identityID string) ([]*types.IdentityContext, error) {
	return s.cfg.Graph.ListContexts(ctx, tenantID, identityID)
}

// RaiseVerificationLevel raises a context up the evidence ladder.
// Regressions are refused by the context itself.
func (s *Service) RaiseVerificationLevel(ctx context.Context, tenantID, identityID, contextID string, to types.VerificationLevel, source string) (*types.IdentityContext, error) {
	ictx, err := s.cfg.Graph.GetContext(ctx, tenantID, identityID, contextID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	from := ictx.VerificationLevel
	now := s.cfg.Clock.Now().UTC()
	if err := ictx.RaiseVerificationLevel(to, now); err != nil {
		return nil, trace.Wrap(err)
	}
	updated, err := s.cfg.Graph.UpdateContext(ctx, ictx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.audit(ctx, tenantID, events.IdentityVerificationEvent, types.SeverityInfo, "identity_context", contextID, true, map[string]interface{}{
		"from":   from.String(),
		"to":     to.String(),
		"source": source,
	})
	return updated, nil
}

// UpdateTrustScore records a new trust score on a context. The history
// stays bounded at defaults.TrustHistoryLimit; a significant
// degradation (a drop of at least defaults.SignificantTrustDelta
// landing below defaults.SignificantTrustFloor) is audited at high
// severity.
func (s *Service) UpdateTrustScore(ctx context.Context, tenantID, identityID, contextID string, score float64, reason string) (*types.IdentityContext, error) {
	if score < 0 || score > 1 {
		return nil, trace.BadParameter("trust score %v out of range [0,1]", score)
	}
	ictx, err := s.cfg.Graph.GetContext(ctx, tenantID, identityID, contextID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UTC()
	previous := ictx.TrustScore
	ictx.TrustScore = score
	ictx.TrustHistory = append(ictx.TrustHistory, types.TrustScoreEntry{
		Score:  score,
		Reason: reason,
		At:     now,
	})
	if len(ictx.TrustHistory) > defaults.TrustHistoryLimit {
		ictx.TrustHistory = ictx.TrustHistory[len(ictx.TrustHistory)-defaults.TrustHistoryLimit:]
	}
	ictx.UpdatedAt = now
	updated, err := s.cfg.Graph.UpdateContext(ctx, ictx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if previous-score >= defaults.SignificantTrustDelta && score < defaults.SignificantTrustFloor {
		s.audit(ctx, tenantID, events.IdentityTrustChangeEvent, types.SeverityHigh, "identity_context", contextID, true, map[string]interface{}{
			"previous": previous,
			"current":  score,
			"reason":   reason,
		})
	}
	return updated, nil
}

// SetAttribute creates or mutates an attribute. Changing a verified
// value demotes it to pending, as does raising a verified attribute
// into elevated sensitivity; either demotion of an elevated attribute
// queues out-of-band re-verification.
func (s *Service) SetAttribute(ctx context.Context, tenantID, contextID, key, value string, sensitivity types.AttributeSensitivity) (*types.ContextAttribute, error) {
	now := s.cfg.Clock.Now().UTC()
	attr, err := s.cfg.Graph.GetAttribute(ctx, tenantID, contextID, key)
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		attr = &types.ContextAttribute{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			ContextID:   contextID,
			Key:         key,
			Sensitivity: sensitivity,
			CreatedAt:   now,
		}
	}
	wasVerified := attr.VerificationStatus == types.VerificationVerified
	attr.SetValue(value, now)
	if sensitivity != "" {
		attr.Sensitivity = sensitivity
	}
	updated, err := s.cfg.Graph.UpsertAttribute(ctx, attr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if wasVerified && updated.Sensitivity.IsElevated() && updated.VerificationStatus != types.VerificationVerified {
		s.cfg.Logger.InfoContext(ctx, "elevated attribute demoted, re-verification required",
			"context", contextID,
			"key", key,
			"sensitivity", string(updated.Sensitivity),
		)
		if s.cfg.Reverifier != nil {
			if err := s.cfg.Reverifier.ScheduleReverification(ctx, updated); err != nil {
				s.cfg.Logger.WarnContext(ctx, "failed to schedule attribute re-verification",
					"error", err,
					"context", contextID,
					"key", key,
				)
			}
		}
	}
	return updated, nil
}

// VerifyAttribute marks an attribute verified by a named source. When
// an evaluator is configured the context trust score is recomputed from
// the updated attribute set; evaluator trouble is logged, never fails
// the verification itself.
func (s *Service) VerifyAttribute(ctx context.Context, tenantID, identityID, contextID, key, source, notes string, evidence map[string]string) (*types.ContextAttribute, error) {
	if source == "" {
		return nil, trace.BadParameter("missing verification source")
	}
	attr, err := s.cfg.Graph.GetAttribute(ctx, tenantID, contextID, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UTC()
	attr.VerificationStatus = types.VerificationVerified
	attr.VerificationSource = source
	attr.VerificationNotes = notes
	attr.Evidence = evidence
	attr.VerifiedAt = &now
	attr.UpdatedAt = now
	updated, err := s.cfg.Graph.UpsertAttribute(ctx, attr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.audit(ctx, tenantID, events.AttributeVerifyEvent, types.SeverityInfo, "context_attribute", key, true, map[string]interface{}{
		"context_id": contextID,
		"source":     source,
	})
	if s.cfg.Evaluator != nil {
		if err := s.recomputeTrust(ctx, tenantID, identityID, contextID, key); err != nil {
			s.cfg.Logger.WarnContext(ctx, "trust recomputation failed after verification",
				"error", err,
				"context", contextID,
				"key", key,
			)
		}
	}
	return updated, nil
}

// recomputeTrust feeds the context's attribute set through the
// configured evaluator and records the result in the trust history.
func (s *Service) recomputeTrust(ctx context.Context, tenantID, identityID, contextID, key string) error {
	ictx, err := s.cfg.Graph.GetContext(ctx, tenantID, identityID, contextID)
	if err != nil {
		return trace.Wrap(err)
	}
	attrs, err := s.cfg.Graph.ListAttributes(ctx, tenantID, contextID)
	if err != nil {
		return trace.Wrap(err)
	}
	score, err := s.cfg.Evaluator.Evaluate(ctx, ictx, attrs)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.UpdateTrustScore(ctx, tenantID, identityID, contextID, score, "attribute verified: "+key); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// AttributeFilter narrows a SearchAttributes query. Zero-valued fields
// match everything.
type AttributeFilter struct {
	// Key matches the attribute name exactly.
	Key string
	// Status matches the verification status.
	Status types.VerificationStatus
	// Sensitivity matches the sensitivity class.
	Sensitivity types.AttributeSensitivity
}

func (f AttributeFilter) matches(attr *types.ContextAttribute) bool {
	if f.Key != "" && attr.Key != f.Key {
		return false
	}
	if f.Status != "" && attr.VerificationStatus != f.Status {
		return false
	}
	if f.Sensitivity != "" && attr.Sensitivity != f.Sensitivity {
		return false
	}
	return true
}

// SearchAttributes returns the matching attributes across every context
// of the identity.
func (s *Service) SearchAttributes(ctx context.Context, tenantID, identityID string, filter AttributeFilter) ([]*types.ContextAttribute, error) {
	contexts, err := s.cfg.Graph.ListContexts(ctx, tenantID, identityID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []*types.ContextAttribute
	for _, ictx := range contexts {
		attrs, err := s.cfg.Graph.ListAttributes(ctx, tenantID, ictx.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, attr := range attrs {
			if filter.matches(attr) {
				out = append(out, attr)
			}
		}
	}
	return out, nil
}

// FailAttributeVerification marks an attribute verification as failed.
func (s *Service) FailAttributeVerification(ctx context.Context, tenantID, contextID, key, source, notes string) (*types.ContextAttribute, error) {
	attr, err := s.cfg.Graph.GetAttribute(ctx, tenantID, contextID, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UTC()
	attr.VerificationStatus = types.VerificationFailed
	attr.VerificationSource = source
	attr.VerificationNotes = notes
	attr.VerifiedAt = nil
	attr.UpdatedAt = now
	return s.cfg.Graph.UpsertAttribute(ctx, attr)
}

func (s *Service) audit(ctx context.Context, tenantID, eventType string, severity types.EventSeverity, resourceType, resourceID string, success bool, metadata map[string]interface{}) {
	if s.cfg.AuditLog == nil {
		return
	}
	if _, err := s.cfg.AuditLog.EmitAuditEvent(ctx, &types.AuditEvent{
		TenantID:     tenantID,
		Type:         eventType,
		Severity:     severity,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Success:      success,
		Metadata:     metadata,
	}); err != nil {
		s.cfg.Logger.WarnContext(ctx, "failed to emit identity audit event",
			"error", err,
			"event_type", eventType,
		)
	}
}
