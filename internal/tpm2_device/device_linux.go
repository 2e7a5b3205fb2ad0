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

	"github.com/canonical/go-tpm2/linux"
)

var (
	linuxDefaultTPM2Device              = linux.DefaultTPM2Device
	linuxRawDeviceResourceManagedDevice = (*linux.RawDevice).ResourceManagedDevice
)

func init() {
	DefaultDevice = func(mode DeviceMode) (TPMDevice, error) {
		rawDev, err := linuxDefaultTPM2Device()
		switch {
		case errors.Is(err, linux.ErrDefaultNotTPM2Device) || errors.Is(err, linux.ErrNoTPMDevices):
			// Either there are no TPM devices or the default device is a TPM1.2 device
			return nil, ErrNoTPM2Device
		case err != nil:
			return nil, err
		}

		if mode == DeviceModeDirect {
			return &tpmDevice{TPMDevice: rawDev, mode: DeviceModeDirect}, nil
		}

		rmDev, err := linuxRawDeviceResourceManagedDevice(rawDev)
		switch {
		case errors.Is(err, linux.ErrNoResourceManagedDevice) && mode == DeviceModeTryResourceManaged:
			// Older kernels have no in-kernel resource manager
			return &tpmDevice{TPMDevice: rawDev, mode: DeviceModeDirect}, nil
		case errors.Is(err, linux.ErrNoResourceManagedDevice):
			return nil, ErrNoResourceManagedTPM2Device
		case err != nil:
			return nil, err
		}

		return &tpmDevice{TPMDevice: rmDev, mode: DeviceModeResourceManaged}, nil
	}
}
