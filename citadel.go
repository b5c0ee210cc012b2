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

// Package citadel holds constants shared across the Citadel IAM core.
package citadel

const (
	// ComponentKey is the log field that identifies the subsystem emitting
	// a log line.
	ComponentKey = "component"

	// ComponentAuth is the authentication orchestrator.
	ComponentAuth = "auth"
	// ComponentWebAuthn is the WebAuthn ceremony engine.
	ComponentWebAuthn = "webauthn"
	// ComponentSession is the session manager.
	ComponentSession = "session"
	// ComponentAudit is the tamper-evident audit log.
	ComponentAudit = "audit"
	// ComponentRisk is the adaptive risk engine.
	ComponentRisk = "risk"
	// ComponentIdentity is the multi-context identity graph.
	ComponentIdentity = "identity"
	// ComponentBackend is the storage backend layer.
	ComponentBackend = "backend"
)
