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

package webauthn

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/patrickmn/go-cache"

	"github.com/citadelsec/citadel"
	"github.com/citadelsec/citadel/lib/defaults"
	"github.com/citadelsec/citadel/lib/utils"
	logutils "github.com/citadelsec/citadel/lib/utils/log"
)

// MetadataStatement describes an authenticator model resolved from its
// AAGUID.
type MetadataStatement struct {
	// AAGUID is the authenticator model identifier, hex encoded.
	AAGUID string `json:"aaguid"`
	// Description is the vendor model name.
	Description string `json:"description"`
	// Certified is true when the model holds a FIDO certification.
	Certified bool `json:"certified"`
	// EnterpriseAttestation is true when the model supports enterprise
	// attestation.
	EnterpriseAttestation bool `json:"enterprise_attestation,omitempty"`
}

// MetadataProvider resolves AAGUIDs to metadata statements. Lookups must
// respect the context deadline; slow providers degrade gracefully.
type MetadataProvider interface {
	Resolve(ctx context.Context, aaguid string) (*MetadataStatement, error)
}

// StaticMetadataProvider serves statements from an in-memory table,
// typically loaded from a bundled metadata snapshot.
type StaticMetadataProvider struct {
	Statements map[string]MetadataStatement
}

// Resolve implements MetadataProvider.
func (p *StaticMetadataProvider) Resolve(_ context.Context, aaguid string) (*MetadataStatement, error) {
	stmt, ok := p.Statements[aaguid]
	if !ok {
		return nil, trace.NotFound("no metadata for aaguid %q", aaguid)
	}
	return &stmt, nil
}

const (
	metadataCacheTTL   = time.Hour
	metadataCacheSweep = 10 * time.Minute
	metadataRetryStep  = 100 * time.Millisecond
	metadataRetryMax   = 500 * time.Millisecond
)

// MetadataService fronts a MetadataProvider with a TTL cache and a
// lookup time budget. A miss or a slow provider is never fatal to a
// ceremony; callers treat metadata as best-effort enrichment.
type MetadataService struct {
	provider MetadataProvider
	cache    *cache.Cache
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMetadataService creates a metadata service over the given provider.
func NewMetadataService(provider MetadataProvider) (*MetadataService, error) {
	if provider == nil {
		return nil, trace.BadParameter("missing parameter provider")
	}
	return &MetadataService{
		provider: provider,
		cache:    cache.New(metadataCacheTTL, metadataCacheSweep),
		timeout:  defaults.MetadataLookupTimeout,
		logger:   logutils.NewPackageLogger(citadel.ComponentKey, citadel.ComponentWebAuthn),
	}, nil
}

// Lookup resolves an AAGUID, consulting the cache first. The provider
// call is bounded by the lookup budget.
func (s *MetadataService) Lookup(ctx context.Context, aaguid []byte) (*MetadataStatement, error) {
	if len(aaguid) == 0 {
		return nil, trace.NotFound("authenticator did not report an aaguid")
	}
	key := hex.EncodeToString(aaguid)
	if v, ok := s.cache.Get(key); ok {
		stmt := v.(MetadataStatement)
		return &stmt, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	retry, err := utils.NewLinear(utils.LinearConfig{
		Step:   metadataRetryStep,
		Max:    metadataRetryMax,
		Jitter: utils.NewHalfJitter(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var stmt *MetadataStatement
	for {
		stmt, err = s.provider.Resolve(ctx, key)
		if err == nil || trace.IsNotFound(err) {
			break
		}
		// Transient provider failures retry within the lookup budget.
		s.logger.WarnContext(ctx, "metadata lookup degraded", "aaguid", key, "error", err)
		retry.Inc()
		select {
		case <-retry.After():
		case <-ctx.Done():
			return nil, trace.Wrap(err)
		}
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.cache.Set(key, *stmt, cache.DefaultExpiration)
	return stmt, nil
}
