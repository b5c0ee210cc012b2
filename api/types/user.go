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

// Package types defines the domain aggregates of the Citadel IAM core.
// Every entity carries a TenantID; services treat it as an implicit
// partition key, cross-tenant reads are impossible by construction.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// User is a tenant-scoped account. Email and Username are stored
// normalized (lowercase, trimmed) and are unique within the tenant.
type User struct {
	// ID is the unique user identifier.
	ID string `json:"id"`
	// TenantID is the isolation boundary the user belongs to.
	TenantID string `json:"tenant_id"`
	// Email is the normalized e-mail address.
	Email string `json:"email"`
	// Username is the normalized login name.
	Username string `json:"username"`
	// DisplayName is a free-form presentation name.
	DisplayName string `json:"display_name,omitempty"`
	// Active is false for disabled or soft-deleted accounts.
	Active bool `json:"active"`
	// Verified marks accounts that completed e-mail verification.
	Verified bool `json:"verified"`
	// Locked marks accounts under a failed-login lockout.
	Locked bool `json:"locked"`
	// LockedUntil is the lockout expiry. A locked user whose LockedUntil
	// is in the past is effectively unlocked on the next read.
	LockedUntil time.Time `json:"locked_until,omitempty"`
	// FailedAttempts counts consecutive failed logins.
	FailedAttempts int `json:"failed_attempts"`
	// Locale is a BCP 47 language tag.
	Locale string `json:"locale,omitempty"`
	// Timezone is an IANA zone name.
	Timezone string `json:"timezone,omitempty"`
	// Preferences holds per-user UI and notification preferences.
	Preferences map[string]string `json:"preferences,omitempty"`
	// Metadata is opaque caller-supplied data.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// DeletedAt is set on soft-delete.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	// CreatedAt is the creation timestamp. CreatedAt <= UpdatedAt always.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last mutation timestamp.
	UpdatedAt time.Time `json:"updated_at"`
	// Version is the optimistic concurrency revision.
	Version int64 `json:"version"`
}

// NewUser creates a user with normalized identifiers and invariants
// checked.
func NewUser(tenantID, email, username string, now time.Time) (*User, error) {
	u := &User{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Email:     NormalizeEmail(email),
		Username:  NormalizeUsername(username),
		Active:    true,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
		Version:   1,
	}
	if err := u.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return u, nil
}

// CheckAndSetDefaults validates the user and fills in defaults.
func (u *User) CheckAndSetDefaults() error {
	if u.TenantID == "" {
		return trace.BadParameter("user missing tenant id")
	}
	if u.Email == "" {
		return trace.BadParameter("user missing email")
	}
	if !strings.Contains(u.Email, "@") {
		return trace.BadParameter("user email %q is not an address", u.Email)
	}
	if u.Username == "" {
		return trace.BadParameter("user missing username")
	}
	if u.Email != NormalizeEmail(u.Email) {
		return trace.BadParameter("user email %q is not normalized", u.Email)
	}
	if u.Username != NormalizeUsername(u.Username) {
		return trace.BadParameter("user username %q is not normalized", u.Username)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.UpdatedAt.Before(u.CreatedAt) {
		return trace.BadParameter("user updated_at precedes created_at")
	}
	return nil
}

// IsLocked reports whether the lockout is in force at the given time.
// An elapsed LockedUntil unlocks the account without a write.
func (u *User) IsLocked(now time.Time) bool {
	return u.Locked && now.Before(u.LockedUntil)
}

// Lock engages the failed-login lockout until the given time.
func (u *User) Lock(until time.Time) {
	u.Locked = true
	u.LockedUntil = until.UTC()
}

// ResetLock clears the lockout and the failed-attempt counter.
func (u *User) ResetLock() {
	u.Locked = false
	u.LockedUntil = time.Time{}
	u.FailedAttempts = 0
}

// SoftDelete tombstones the account: email and username are rewritten so
// the uniqueness slots are freed, and the account is deactivated.
func (u *User) SoftDelete(now time.Time) {
	t := now.UTC()
	u.Email = fmt.Sprintf("deleted_%v@deleted.local", u.ID)
	u.Username = fmt.Sprintf("deleted_%v", u.ID)
	u.Active = false
	u.DeletedAt = &t
	u.UpdatedAt = t
}

// IsDeleted reports whether the account was soft-deleted.
func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}

// NormalizeEmail lowercases and trims an e-mail address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeUsername lowercases and trims a login name.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
