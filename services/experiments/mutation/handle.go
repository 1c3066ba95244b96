// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mutation

// Handle is an opaque reference to one Apply or InjectStyle call.
// The zero value is a valid no-op handle.
type Handle struct {
	engine *Engine
	token  uint64
}

// Revert undoes the call that produced the handle. Reverting twice, or
// reverting a no-op handle, does nothing.
func (h Handle) Revert() {
	if h.engine == nil {
		return
	}
	h.engine.revert(h.token)
}

// Active reports whether the handle still has something to revert,
// including an apply that is waiting for the page to become ready.
func (h Handle) Active() bool {
	if h.engine == nil {
		return false
	}
	_, ok := h.engine.handles[h.token]
	return ok
}

// Pending reports whether the apply is still waiting for page readiness.
func (h Handle) Pending() bool {
	if h.engine == nil {
		return false
	}
	st, ok := h.engine.handles[h.token]
	return ok && st.kind == kindPending
}

// Batch reverts several handles together, last applied first.
type Batch []Handle

// Revert reverts every handle in reverse order.
func (b Batch) Revert() {
	for i := len(b) - 1; i >= 0; i-- {
		b[i].Revert()
	}
}
