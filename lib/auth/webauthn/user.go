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
	wan "github.com/go-webauthn/webauthn/webauthn"

	"github.com/citadelsec/citadel/api/types"
)

// webUser adapts a Citadel user and their credentials to the webauthn
// User interface.
type webUser struct {
	user        *types.User
	credentials []*types.Credential
	// idOnly strips stored public keys, used for ceremonies that only
	// need credential descriptors.
	idOnly bool
}

var _ wan.User = (*webUser)(nil)

func (u *webUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *webUser) WebAuthnName() string {
	return u.user.Username
}

func (u *webUser) WebAuthnDisplayName() string {
	if u.user.DisplayName != "" {
		return u.user.DisplayName
	}
	return u.user.Username
}

func (u *webUser) WebAuthnIcon() string {
	return ""
}

func (u *webUser) WebAuthnCredentials() []wan.Credential {
	out := make([]wan.Credential, 0, len(u.credentials))
	for _, cred := range u.credentials {
		c := wan.Credential{
			ID:              cred.CredentialID,
			AttestationType: string(cred.AttestationType),
			Authenticator: wan.Authenticator{
				AAGUID:    cred.AAGUID,
				SignCount: cred.SignCount,
			},
			Flags: wan.CredentialFlags{
				UserVerified:   cred.Flags.UserVerified,
				BackupEligible: cred.BackupEligible,
				BackupState:    cred.BackupState,
			},
		}
		if !u.idOnly {
			c.PublicKey = cred.PublicKeyCOSE
		}
		out = append(out, c)
	}
	return out
}
