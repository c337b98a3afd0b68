//go:build linux

// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: main_linux.go — Live-run process setup on Linux
//
// Purpose:
//   - Raises the process scheduling priority so runner threads are not
//     preempted by ordinary host work during a live run.
//
// Notes:
//   - Needs CAP_SYS_NICE; the caller logs the error and carries on.
// ─────────────────────────────────────────────────────────────────────────────

package main

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// liveNice is the nice value requested for live runs.
const liveNice = -10

func raisePriority() error {
	return errors.Wrap(unix.Setpriority(unix.PRIO_PROCESS, 0, liveNice), "setpriority")
}
