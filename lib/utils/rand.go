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

package utils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/gravitational/trace"
)

// CryptoRandomHex returns a hex-encoded random string generated with
// crypto-strong pseudo random generator of the given bytes.
func CryptoRandomHex(length int) (string, error) {
	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(randomBytes), nil
}

// CryptoRandomBytes returns length crypto-strong random bytes.
func CryptoRandomBytes(length int) ([]byte, error) {
	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, trace.Wrap(err)
	}
	return randomBytes, nil
}

// CryptoRandomToken returns a base64url token carrying length random
// bytes, suitable for bearer tokens handed to clients.
func CryptoRandomToken(length int) (string, error) {
	randomBytes, err := CryptoRandomBytes(length)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}
