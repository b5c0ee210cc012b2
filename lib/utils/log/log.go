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

// Package logutils provides the shared logging helpers of the Citadel
// core. Every package obtains a logger via NewPackageLogger with its
// component attribute attached.
package logutils

import (
	"io"
	"log/slog"
)

// NewPackageLogger creates a logger derived from the default slog logger
// with the supplied attributes attached to every record, typically
// citadel.ComponentKey plus the component name.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.With(args...)
}

// DiscardLogger is a logger that drops every record, used in tests that
// do not assert on logs.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
