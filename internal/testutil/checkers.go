// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package testutil

import (
	"reflect"

	"golang.org/x/xerrors"

	. "gopkg.in/check.v1"
)

type isTrueChecker struct {
	*CheckerInfo
}

// IsTrue checks that the obtained value is the boolean true.
var IsTrue Checker = &isTrueChecker{
	&CheckerInfo{Name: "IsTrue", Params: []string{"value"}}}

func (checker *isTrueChecker) Check(params []interface{}, names []string) (result bool, error string) {
	value := reflect.ValueOf(params[0])
	if value.Kind() != reflect.Bool {
		return false, names[0] + " is not a bool"
	}
	return value.Bool(), ""
}

type errorIsChecker struct {
	*CheckerInfo
}

// ErrorIs checks that the obtained error wraps the expected error.
var ErrorIs Checker = &errorIsChecker{
	&CheckerInfo{Name: "ErrorIs", Params: []string{"error", "target"}}}

func (checker *errorIsChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	if params[0] == nil {
		return false, names[0] + " is nil"
	}
	err, ok := params[0].(error)
	if !ok {
		return false, names[0] + " is not an error"
	}
	target, ok := params[1].(error)
	if !ok {
		return false, names[1] + " is not an error"
	}
	return xerrors.Is(err, target), ""
}
