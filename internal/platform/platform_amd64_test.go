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

package platform_test

import (
	"github.com/canonical/cpuid"

	. "gopkg.in/check.v1"

	. "github.com/snapcore/tpmseal/internal/platform"
	"github.com/snapcore/tpmseal/internal/testutil"
)

func (s *platformSuite) TestInVirtualMachine(c *C) {
	s.AddCleanup(MockCPUIDHasFeature(func(feature uint64) bool {
		return feature == cpuid.HYPERVISOR
	}))
	c.Check(InVirtualMachine(), testutil.IsTrue)
}

func (s *platformSuite) TestNotInVirtualMachine(c *C) {
	s.AddCleanup(MockCPUIDHasFeature(func(feature uint64) bool { return false }))
	c.Check(InVirtualMachine(), Equals, false)

	s.AddCleanup(MockReadSecureBootVariable(func() (bool, error) { return true, nil }))
	c.Check(Check(), DeepEquals, &Status{SecureBoot: true})
}
