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
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	snapd_testutil "github.com/snapcore/snapd/testutil"

	. "gopkg.in/check.v1"
)

// MockCryptsetup replaces the cryptsetup command with a fake that keeps the
// key slots of a single volume as files in stateDir. It understands the
// subset of commands and options used by the luks2 package: a passphrase is
// accepted if it matches any populated slot, a bad passphrase produces exit
// code 2 and killing an empty slot fails.
func MockCryptsetup(c *C, stateDir string) *snapd_testutil.MockCmd {
	cryptsetupBottom := `
state=%[1]s
input=$(mktemp)
trap 'rm -f "$input" "$input.existing"' EXIT
cat > "$input"

cmd=""
size=""
slot=""
positional=()
while [ $# -gt 0 ]; do
	case "$1" in
		--keyfile-size) size="$2"; shift 2;;
		--key-slot) slot="$2"; shift 2;;
		--type|--key-file|--pbkdf|--pbkdf-force-iterations|--hash|--iter-time) shift 2;;
		--*) shift;;
		*) if [ -z "$cmd" ]; then cmd="$1"; else positional+=("$1"); fi; shift;;
	esac
done

authenticate() {
	if [ -n "$size" ]; then
		head -c "$size" "$input" > "$input.existing"
	else
		cp "$input" "$input.existing"
	fi
	for f in "$state"/slot-*; do
		[ -f "$f" ] || continue
		if cmp -s "$input.existing" "$f"; then
			return 0
		fi
	done
	echo "No key available with this passphrase." >&2
	exit 2
}

if [ -f "$state/fail-$cmd" ]; then
	cat "$state/fail-$cmd" >&2
	exit 1
fi

case "$cmd" in
	isLuks)
		[ -f "$state/luks2" ] || exit 1
		;;
	open)
		authenticate
		;;
	luksKillSlot)
		slot="${positional[1]}"
		if [ ! -f "$state/slot-$slot" ]; then
			echo "Keyslot $slot is not active." >&2
			exit 1
		fi
		rm -f "$state/slot-$slot"
		;;
	luksAddKey)
		authenticate
		if [ -f "$state/slot-$slot" ]; then
			echo "Key slot $slot is full, please select another one." >&2
			exit 1
		fi
		tail -c +$((size + 1)) "$input" > "$state/slot-$slot"
		;;
	*)
		echo "unexpected command $cmd" >&2
		exit 1
		;;
esac
`
	c.Assert(ioutil.WriteFile(filepath.Join(stateDir, "luks2"), nil, 0644), IsNil)
	return snapd_testutil.MockCommand(c, "cryptsetup", fmt.Sprintf(cryptsetupBottom, stateDir))
}

// SetCryptsetupSlot populates a key slot of a volume managed by MockCryptsetup.
func SetCryptsetupSlot(c *C, stateDir string, slot int, key []byte) {
	c.Assert(ioutil.WriteFile(filepath.Join(stateDir, fmt.Sprintf("slot-%d", slot)), key, 0600), IsNil)
}

// CryptsetupSlot returns the key in a slot of a volume managed by
// MockCryptsetup, or nil if the slot is empty.
func CryptsetupSlot(c *C, stateDir string, slot int) []byte {
	key, err := ioutil.ReadFile(filepath.Join(stateDir, fmt.Sprintf("slot-%d", slot)))
	if os.IsNotExist(err) {
		return nil
	}
	c.Assert(err, IsNil)
	return key
}

// FailCryptsetupCommand makes the specified cryptsetup command fail with
// the supplied message.
func FailCryptsetupCommand(c *C, stateDir, cmd, msg string) {
	c.Assert(ioutil.WriteFile(filepath.Join(stateDir, "fail-"+cmd), []byte(msg), 0644), IsNil)
}
