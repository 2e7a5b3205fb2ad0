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

// Package crypttab reads and updates /etc/crypttab, which describes the
// encrypted volumes that are unlocked at boot.
package crypttab

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/snapcore/snapd/osutil"
	"github.com/snapcore/snapd/osutil/sys"
	"golang.org/x/xerrors"

	"github.com/snapcore/tpmseal/internal/paths"
)

var (
	// ErrNoEntries is returned when crypttab doesn't contain any volumes.
	ErrNoEntries = errors.New("no encrypted volumes are configured in crypttab")

	// ErrMultipleEntries is returned when crypttab contains more than one
	// volume.
	ErrMultipleEntries = errors.New("more than one encrypted volume is configured in crypttab")
)

// Entry is a single line of crypttab.
type Entry struct {
	Name    string
	Source  string
	KeyFile string
	Options []string

	line int
}

// Option returns the value of the named option, and whether it is present.
// Options without a value return an empty string.
func (e *Entry) Option(name string) (value string, ok bool) {
	for _, o := range e.Options {
		k, v, _ := strings.Cut(o, "=")
		if k == name {
			return v, true
		}
	}
	return "", false
}

// HasKeyscript indicates whether the volume is unlocked with the
// keyscript at path.
func (e *Entry) HasKeyscript(path string) bool {
	v, ok := e.Option("keyscript")
	return ok && v == path
}

func (e *Entry) setOption(name, value string) {
	o := name
	if value != "" {
		o += "=" + value
	}
	for i, existing := range e.Options {
		if k, _, _ := strings.Cut(existing, "="); k == name {
			e.Options[i] = o
			return
		}
	}
	e.Options = append(e.Options, o)
}

func (e *Entry) String() string {
	keyFile := e.KeyFile
	if keyFile == "" {
		keyFile = "none"
	}
	fields := []string{e.Name, e.Source, keyFile}
	if len(e.Options) > 0 {
		fields = append(fields, strings.Join(e.Options, ","))
	}
	return strings.Join(fields, " ")
}

// DevicePath returns the path of the block device for this volume.
func (e *Entry) DevicePath() string {
	return ResolveSource(e.Source)
}

// Parse reads crypttab entries from r. Blank lines and comments are ignored.
func Parse(r io.Reader) ([]*Entry, error) {
	var entries []*Entry

	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields) > 4 {
			return nil, fmt.Errorf("invalid crypttab entry on line %d: expected between 2 and 4 fields", n)
		}

		entry := &Entry{Name: fields[0], Source: fields[1], KeyFile: "none", line: n}
		if len(fields) > 2 {
			entry.KeyFile = fields[2]
		}
		if len(fields) > 3 {
			entry.Options = strings.Split(fields[3], ",")
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("cannot read crypttab: %w", err)
	}

	return entries, nil
}

// ReadFile reads the crypttab entries from the file at path. A missing file
// has no entries.
func ReadFile(path string) ([]*Entry, error) {
	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// SingleVolume returns the only entry in entries.
func SingleVolume(entries []*Entry) (*Entry, error) {
	switch len(entries) {
	case 0:
		return nil, ErrNoEntries
	case 1:
		return entries[0], nil
	default:
		return nil, ErrMultipleEntries
	}
}

// InstallHook configures the single volume in the crypttab file at path to
// be unlocked with the supplied keyscript. The rest of the file is
// preserved. It returns the updated entry.
func InstallHook(path, keyscript string) (*Entry, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	entries, err := Parse(bytes.NewReader(contents))
	if err != nil {
		return nil, err
	}
	entry, err := SingleVolume(entries)
	if err != nil {
		return nil, err
	}

	if entry.HasKeyscript(keyscript) {
		return entry, nil
	}
	if _, ok := entry.Option("luks"); !ok {
		entry.setOption("luks", "")
	}
	entry.setOption("keyscript", keyscript)

	lines := strings.SplitAfter(string(contents), "\n")
	lines[entry.line-1] = entry.String() + "\n"

	f, err := osutil.NewAtomicFile(path, 0644, 0, sys.UserID(osutil.NoChown), sys.GroupID(osutil.NoChown))
	if err != nil {
		return nil, xerrors.Errorf("cannot create new atomic file: %w", err)
	}
	defer f.Cancel()

	if _, err := io.WriteString(f, strings.Join(lines, "")); err != nil {
		return nil, xerrors.Errorf("cannot write temporary file: %w", err)
	}
	if err := f.Commit(); err != nil {
		return nil, xerrors.Errorf("cannot atomically replace file: %w", err)
	}

	return entry, nil
}

var sourceTags = map[string]string{
	"UUID":      "by-uuid",
	"PARTUUID":  "by-partuuid",
	"LABEL":     "by-label",
	"PARTLABEL": "by-partlabel",
}

// ResolveSource returns the device path for a crypttab source, which may be
// a path or a tag such as UUID=<uuid>.
func ResolveSource(source string) string {
	tag, value, ok := strings.Cut(source, "=")
	if !ok {
		return source
	}
	dir, ok := sourceTags[tag]
	if !ok {
		return source
	}
	return filepath.Join(paths.DevDiskDir, dir, value)
}
