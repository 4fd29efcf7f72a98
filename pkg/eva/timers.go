// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"time"
)

// timer executes its function once after a duration, unless stopped. A nil timer is a stopped one, such that
// stopping is always possible and idempotent.
type timer struct {
	t *time.Timer
}

// newTimer starts a timer executing f after d in its own goroutine.
func newTimer(d time.Duration, f func()) *timer {
	return &timer{t: time.AfterFunc(d, f)}
}

// reset the timer to expire after d, regardless of its previous state.
func (t *timer) reset(d time.Duration) {
	if t == nil {
		return
	}
	t.t.Reset(d)
}

// stop the timer. Stopping a stopped or expired timer is a no-op.
func (t *timer) stop() {
	if t == nil {
		return
	}
	t.t.Stop()
}
