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

package tpm2_device

import (
	"errors"

	"github.com/canonical/go-tpm2"
)

// DeviceMode describes the mode to select the default device.
type DeviceMode int

const (
	// DeviceModeDirect requests the most direct TPM2 device, without
	// the use of a resource manager. The early boot unlock path uses
	// this because no resource manager is running yet.
	DeviceModeDirect DeviceMode = iota

	// DeviceModeResourceManaged requests a resource managed TPM2 device.
	DeviceModeResourceManaged

	// DeviceModeTryResourceManaged is like DeviceModeResourceManaged except
	// it will return a direct device if a resource managed device is not
	// available.
	DeviceModeTryResourceManaged
)

func (m DeviceMode) String() string {
	switch m {
	case DeviceModeDirect:
		return "direct"
	case DeviceModeResourceManaged:
		return "resource-managed"
	case DeviceModeTryResourceManaged:
		return "try-resource-managed"
	default:
		return "invalid"
	}
}

var (
	// ErrNoTPM2Device indicates that no TPM2 device is available.
	ErrNoTPM2Device = errors.New("no TPM2 device is available")

	// ErrNoResourceManagedTPM2Device indicates that there is no resource
	// managed TPM2 device option available.
	ErrNoResourceManagedTPM2Device = errors.New("no resource managed TPM2 device available")
)

type tpmDevice struct {
	tpm2.TPMDevice
	mode DeviceMode
}

func (d *tpmDevice) Mode() DeviceMode {
	return d.mode
}

// TPMDevice corresponds to a [tpm2.TPMDevice] that knows which mode it
// was opened in.
type TPMDevice interface {
	tpm2.TPMDevice
	Mode() DeviceMode // either DeviceModeDirect or DeviceModeResourceManaged
}

// DefaultDevice returns the default TPM device. The specified mode controls what kind
// of device to return, if available.
var DefaultDevice = func(DeviceMode) (TPMDevice, error) {
	return nil, ErrNoTPM2Device
}
