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

// Package config parses the Citadel YAML configuration file and applies
// it on top of the built-in defaults.
package config

import (
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"

	"github.com/citadelsec/citadel/lib/defaults"
)

// FileConfig is the on-disk YAML configuration. Zero values mean "use
// the default"; unknown keys are rejected so typos fail loudly.
type FileConfig struct {
	// Logger configures structured logging output.
	Logger LoggerConfig `yaml:"log,omitempty"`
	// WebAuthn configures the relying party.
	WebAuthn WebAuthnConfig `yaml:"webauthn"`
	// Session configures session lifetimes and caps.
	Session SessionConfig `yaml:"session,omitempty"`
	// Risk configures the risk engine.
	Risk RiskConfig `yaml:"risk,omitempty"`
	// Lockout configures the failed-login lockout.
	Lockout LockoutConfig `yaml:"lockout,omitempty"`
}

// LoggerConfig configures logging.
type LoggerConfig struct {
	// Severity is the minimum level emitted: debug, info, warn or error.
	Severity string `yaml:"severity,omitempty"`
	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
}

// WebAuthnConfig configures the WebAuthn relying party.
type WebAuthnConfig struct {
	// RPID is the relying party id, e.g. "example.com".
	RPID string `yaml:"rp_id"`
	// RPOrigins are the origins allowed to answer ceremonies.
	RPOrigins []string `yaml:"rp_origins"`
	// RPDisplayName is shown by authenticators during ceremonies.
	RPDisplayName string `yaml:"rp_display_name,omitempty"`
	// Attestation is the conveyance preference: none, indirect or
	// direct.
	Attestation string `yaml:"attestation,omitempty"`
}

// SessionConfig configures session management.
type SessionConfig struct {
	// TTL is the minted session lifetime.
	TTL time.Duration `yaml:"ttl,omitempty"`
	// MaxConcurrent caps active sessions per user.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
}

// RiskConfig configures the risk engine.
type RiskConfig struct {
	// Weights override the factor weights. When set they must cover the
	// full factor set and sum to 1.
	Weights map[string]float64 `yaml:"weights,omitempty"`
	// ScorerTimeout bounds anomaly scorer calls.
	ScorerTimeout time.Duration `yaml:"scorer_timeout,omitempty"`
}

// LockoutConfig configures the failed-login lockout.
type LockoutConfig struct {
	// MaxAttempts is the consecutive-failure threshold.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
	// LockInterval is how long the account stays locked.
	LockInterval time.Duration `yaml:"lock_interval,omitempty"`
}

// ReadConfig parses a YAML configuration from the reader.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err, "failed to read configuration")
	}
	var fc FileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse configuration: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// ReadFromFile reads the configuration file at the given path.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return ReadConfig(f)
}

// CheckAndSetDefaults validates the file config and fills in defaults.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if fc.WebAuthn.RPID == "" {
		return trace.BadParameter("webauthn.rp_id is required")
	}
	if len(fc.WebAuthn.RPOrigins) == 0 {
		return trace.BadParameter("webauthn.rp_origins is required")
	}
	switch fc.WebAuthn.Attestation {
	case "", "none", "indirect", "direct":
	default:
		return trace.BadParameter("webauthn.attestation %q is not one of none, indirect, direct", fc.WebAuthn.Attestation)
	}
	switch fc.Logger.Severity {
	case "", "debug", "info", "warn", "error":
	default:
		return trace.BadParameter("log.severity %q is not one of debug, info, warn, error", fc.Logger.Severity)
	}
	switch fc.Logger.Format {
	case "", "text", "json":
	default:
		return trace.BadParameter("log.format %q is not one of text, json", fc.Logger.Format)
	}
	if fc.Session.TTL < 0 {
		return trace.BadParameter("session.ttl must not be negative")
	}
	if fc.Session.TTL == 0 {
		fc.Session.TTL = defaults.SessionTTL
	}
	if fc.Session.MaxConcurrent < 0 {
		return trace.BadParameter("session.max_concurrent must not be negative")
	}
	if fc.Session.MaxConcurrent == 0 {
		fc.Session.MaxConcurrent = defaults.MaxConcurrentSessions
	}
	if len(fc.Risk.Weights) > 0 {
		var sum float64
		for factor, weight := range fc.Risk.Weights {
			if _, ok := defaults.RiskWeights[factor]; !ok {
				return trace.BadParameter("risk.weights: unknown factor %q", factor)
			}
			if weight < 0 {
				return trace.BadParameter("risk.weights.%v must not be negative", factor)
			}
			sum += weight
		}
		if len(fc.Risk.Weights) != len(defaults.RiskWeights) {
			return trace.BadParameter("risk.weights must cover all %v factors", len(defaults.RiskWeights))
		}
		if sum < 0.999 || sum > 1.001 {
			return trace.BadParameter("risk.weights must sum to 1, got %v", sum)
		}
	}
	if fc.Risk.ScorerTimeout == 0 {
		fc.Risk.ScorerTimeout = defaults.AnomalyScorerTimeout
	}
	if fc.Lockout.MaxAttempts < 0 {
		return trace.BadParameter("lockout.max_attempts must not be negative")
	}
	if fc.Lockout.MaxAttempts == 0 {
		fc.Lockout.MaxAttempts = defaults.MaxLoginAttempts
	}
	if fc.Lockout.LockInterval == 0 {
		fc.Lockout.LockInterval = defaults.AccountLockInterval
	}
	return nil
}
