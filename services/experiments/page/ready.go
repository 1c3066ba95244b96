// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package page

import "slices"

type readyCallback struct {
	id int
	fn func()
}

// Ready reports whether the page is interactive.
func (d *Document) Ready() bool { return d.ready }

// OnReady runs fn once the page becomes interactive.
//
// If the page is already ready, fn runs immediately and the returned
// cancel does nothing. Otherwise fn is queued, and calling cancel before
// SetReady removes it so it never runs.
func (d *Document) OnReady(fn func()) (cancel func()) {
	if d.ready {
		fn()
		return func() {}
	}
	d.readyNext++
	id := d.readyNext
	d.readyQueue = append(d.readyQueue, readyCallback{id: id, fn: fn})
	return func() {
		d.readyQueue = slices.DeleteFunc(d.readyQueue, func(cb readyCallback) bool { return cb.id == id })
	}
}

// SetReady marks the page interactive and runs queued callbacks in the
// order they were registered. A callback cancelled by an earlier callback
// does not run.
func (d *Document) SetReady() {
	if d.ready {
		return
	}
	d.ready = true
	for len(d.readyQueue) > 0 {
		cb := d.readyQueue[0]
		d.readyQueue = d.readyQueue[1:]
		cb.fn()
	}
}
