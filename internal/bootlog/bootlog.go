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

// Package bootlog provides logging for code that runs in the initramfs,
// where stderr may not be visible and diagnostics belong in the kernel log.
package bootlog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/snapcore/snapd/logger"

	"github.com/snapcore/tpmseal/internal/paths"
)

const (
	levelNotice = 5
	levelDebug  = 7

	// maxRecordLength keeps records below the kernel's line limit.
	maxRecordLength = 976
)

type kmsgWriter struct {
	w   io.Writer
	tag string
}

// Write writes each line of p as a separate kernel log record.
func (k *kmsgWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		level := levelNotice
		if strings.HasPrefix(line, "DEBUG: ") {
			level = levelDebug
		}
		record := fmt.Sprintf("<%d>%s: %s", level, k.tag, line)
		if len(record) > maxRecordLength {
			record = record[:maxRecordLength]
		}
		if _, err := io.WriteString(k.w, record); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

type prefixWriter struct {
	w   io.Writer
	tag string
}

func (p *prefixWriter) Write(data []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if _, err := fmt.Fprintf(p.w, "%s: %s\n", p.tag, line); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

var (
	openKmsg = func() (io.WriteCloser, error) {
		return os.OpenFile(paths.Kmsg, os.O_WRONLY, 0)
	}
	stderr io.Writer = os.Stderr
)

// Setup installs a global logger that writes records tagged with tag to the
// kernel log. If the kernel log isn't writable, it logs to stderr instead.
// The returned function closes the kernel log.
func Setup(tag string) (closeLog func(), err error) {
	var w io.Writer
	closeLog = func() {}

	kmsg, kmsgErr := openKmsg()
	if kmsgErr == nil {
		w = &kmsgWriter{w: kmsg, tag: tag}
		closeLog = func() { kmsg.Close() }
	} else {
		w = &prefixWriter{w: stderr, tag: tag}
	}

	l, err := logger.New(w, 0)
	if err != nil {
		closeLog()
		return nil, err
	}
	logger.SetLogger(l)

	if kmsgErr != nil {
		logger.Noticef("cannot open kernel log: %v", kmsgErr)
	}
	return closeLog, nil
}
