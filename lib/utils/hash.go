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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gravitational/trace"
)

// SHA256Hex returns hex(SHA-256(data)).
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON marshals v deterministically: struct fields keep
// declaration order and map keys are sorted, which is what
// encoding/json already guarantees. The helper exists so hash call
// sites state their intent.
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// HashCanonical returns hex(SHA-256(CanonicalJSON(v))).
func HashCanonical(v interface{}) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return SHA256Hex(data), nil
}
