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

package local

import (
	"context"
	"sort"
	"time"

	"github.com/gravitational/trace"

	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/backend"
	"github.com/citadelsec/citadel/lib/defaults"
	"github.com/citadelsec/citadel/lib/services"
)

const (
	riskProfilesPrefix   = "risk_profiles"
	riskEventsPrefix     = "risk_events"
	riskEventsByIPPrefix = "risk_events_by_ip"
)

// RiskService manages risk profiles and events in the backend.
type RiskService struct {
	backend.Backend
}

// NewRiskService returns a new risk service instance.
func NewRiskService(bk backend.Backend) *RiskService {
	return &RiskService{Backend: bk}
}

// GetRiskProfile returns the profile of (tenant, user).
func (s *RiskService) GetRiskProfile(ctx context.Context, tenantID, userID string) (*types.RiskProfile, error) {
	if tenantID == "" || userID == "" {
		return nil, trace.BadParameter("missing tenant or user id")
	}
	item, err := s.Get(ctx, backend.Key(riskProfilesPrefix, tenantID, userID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("risk profile for user %q not found", userID)
		}
		return nil, trace.Wrap(err)
	}
	return services.UnmarshalRiskProfile(item.Value)
}

// UpsertRiskProfile creates or replaces a profile. An existing profile
// is guarded by its Version so concurrent assessments cannot lose
// updates.
func (s *RiskService) UpsertRiskProfile(ctx context.Context, profile *types.RiskProfile) (*types.RiskProfile, error) {
	if err := profile.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	key := backend.Key(riskProfilesPrefix, profile.TenantID, profile.UserID)
	existingItem, err := s.Get(ctx, key)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	updated := *profile
	if existingItem == nil {
		updated.Version = 1
		value, err := services.MarshalRiskProfile(&updated)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if _, err := s.Create(ctx, backend.Item{Key: key, Value: value}); err != nil {
			if trace.IsAlreadyExists(err) {
				return nil, trace.CompareFailed("risk profile for user %q was concurrently created", profile.UserID)
			}
			return nil, trace.Wrap(err)
		}
		return &updated, nil
	}
	existing, err := services.UnmarshalRiskProfile(existingItem.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if existing.Version != profile.Version {
		return nil, trace.CompareFailed("risk profile for user %q was concurrently modified", profile.UserID)
	}
	updated.Version = existing.Version + 1
	value, err := services.MarshalRiskProfile(&updated)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.CompareAndSwap(ctx, *existingItem, backend.Item{Key: key, Value: value}); err != nil {
		if trace.IsCompareFailed(err) {
			return nil, trace.CompareFailed("risk profile for user %q was concurrently modified", profile.UserID)
		}
		return nil, trace.Wrap(err)
	}
	return &updated, nil
}

// CreateRiskEvent appends a risk event. Events are append-only; only
// their Status may change afterwards, through UpdateRiskEvent.
func (s *RiskService) CreateRiskEvent(ctx context.Context, event *types.RiskEvent) (*types.RiskEvent, error) {
	if event.TenantID == "" || event.UserID == "" {
		return nil, trace.BadParameter("risk event missing tenant or user id")
	}
	if event.ID == "" {
		return nil, trace.BadParameter("risk event missing id")
	}
	value, err := services.MarshalRiskEvent(event)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	item := backend.Item{
		Key:   backend.Key(riskEventsPrefix, event.TenantID, event.UserID, event.ID),
		Value: value,
	}
	if _, err := s.Create(ctx, item); err != nil {
		return nil, trace.Wrap(err)
	}
	if event.IP != "" {
		// Short-lived per-address index for velocity counting; entries
		// expire with the sliding window.
		idx := backend.Item{
			Key:     backend.Key(riskEventsByIPPrefix, event.TenantID, event.IP, event.ID),
			Value:   []byte(event.CreatedAt.UTC().Format(time.RFC3339Nano)),
			Expires: event.CreatedAt.UTC().Add(defaults.VelocityWindow),
		}
		if _, err := s.Put(ctx, idx); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return event, nil
}

// CountRecentEventsByIP counts risk events recorded from one source
// address since the given time, across every user of the tenant.
func (s *RiskService) CountRecentEventsByIP(ctx context.Context, tenantID, ip string, since time.Time) (int, error) {
	if tenantID == "" || ip == "" {
		return 0, trace.BadParameter("missing tenant or ip")
	}
	startKey := backend.ExactKey(riskEventsByIPPrefix, tenantID, ip)
	result, err := s.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	count := 0
	for _, item := range result.Items {
		at, err := time.Parse(time.RFC3339Nano, string(item.Value))
		if err != nil {
			return 0, trace.BadParameter("%s", err)
		}
		if !at.Before(since) {
			count++
		}
	}
	return count, nil
}

// GetRiskEvent returns a risk event by id.
func (s *RiskService) GetRiskEvent(ctx context.Context, tenantID, userID, eventID string) (*types.RiskEvent, error) {
	if tenantID == "" || userID == "" || eventID == "" {
		return nil, trace.BadParameter("missing tenant, user or event id")
	}
	item, err := s.Get(ctx, backend.Key(riskEventsPrefix, tenantID, userID, eventID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("risk event %q not found", eventID)
		}
		return nil, trace.Wrap(err)
	}
	return services.UnmarshalRiskEvent(item.Value)
}

// UpdateRiskEvent replaces a risk event after a status transition.
func (s *RiskService) UpdateRiskEvent(ctx context.Context, event *types.RiskEvent) (*types.RiskEvent, error) {
	key := backend.Key(riskEventsPrefix, event.TenantID, event.UserID, event.ID)
	if _, err := s.Get(ctx, key); err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("risk event %q not found", event.ID)
		}
		return nil, trace.Wrap(err)
	}
	value, err := services.MarshalRiskEvent(event)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.Update(ctx, backend.Item{Key: key, Value: value}); err != nil {
		return nil, trace.Wrap(err)
	}
	return event, nil
}

// ListRiskEvents returns the user's risk events, newest first.
func (s *RiskService) ListRiskEvents(ctx context.Context, tenantID, userID string, limit int) ([]*types.RiskEvent, error) {
	if tenantID == "" || userID == "" {
		return nil, trace.BadParameter("missing tenant or user id")
	}
	startKey := backend.ExactKey(riskEventsPrefix, tenantID, userID)
	result, err := s.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.RiskEvent, 0, len(result.Items))
	for _, item := range result.Items {
		event, err := services.UnmarshalRiskEvent(item.Value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
