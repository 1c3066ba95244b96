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

import (
	"slices"

	"golang.org/x/net/html"
)

// RecordType identifies what kind of write produced a Record.
type RecordType int

const (
	Attributes RecordType = iota + 1
	ChildList
	CharacterData
)

func (t RecordType) String() string {
	switch t {
	case Attributes:
		return "attributes"
	case ChildList:
		return "childList"
	case CharacterData:
		return "characterData"
	default:
		return "unknown"
	}
}

// Record describes one write to the document.
type Record struct {
	Type   RecordType
	Target *html.Node

	// AttributeName is set for Attributes records.
	AttributeName string

	// OldValue is the attribute value or text before the write. HadValue is
	// false when the attribute did not exist.
	OldValue string
	HadValue bool

	// Added and Removed are set for ChildList records.
	Added   []*html.Node
	Removed []*html.Node

	seq uint64
}

// ObserveOptions selects which records an Observer receives.
type ObserveOptions struct {
	ChildList     bool
	Attributes    bool
	CharacterData bool

	// Subtree extends observation to every descendant of the target.
	Subtree bool

	// AttributeFilter limits Attributes records to these names. Empty means all.
	AttributeFilter []string
}

// Observer receives batches of records for one target node.
type Observer struct {
	doc    *Document
	target *html.Node
	opts   ObserveOptions
	fn     func([]Record)
	active bool
	since  uint64
}

// Observe registers fn for records matching opts on target. Callbacks run
// only from Flush, once per pass, with every matching record of that pass.
// Writes made before Observe are never delivered to the new observer.
func (d *Document) Observe(target *html.Node, opts ObserveOptions, fn func([]Record)) *Observer {
	o := &Observer{doc: d, target: target, opts: opts, fn: fn, active: true, since: d.seq}
	d.observers = append(d.observers, o)
	return o
}

// Disconnect stops delivery. Records already collected for the current
// pass are dropped. Calling Disconnect twice is a no-op.
func (o *Observer) Disconnect() {
	if o == nil || !o.active {
		return
	}
	o.active = false
	o.doc.observers = slices.DeleteFunc(o.doc.observers, func(x *Observer) bool { return x == o })
}

// Active reports whether the observer is still connected.
func (o *Observer) Active() bool { return o != nil && o.active }

func (o *Observer) wants(r Record) bool {
	if r.seq <= o.since {
		return false
	}
	if r.Target != o.target && !(o.opts.Subtree && isAncestor(o.target, r.Target)) {
		return false
	}
	switch r.Type {
	case Attributes:
		if !o.opts.Attributes {
			return false
		}
		return len(o.opts.AttributeFilter) == 0 || slices.Contains(o.opts.AttributeFilter, r.AttributeName)
	case ChildList:
		return o.opts.ChildList
	case CharacterData:
		return o.opts.CharacterData
	}
	return false
}

// Pending returns the number of undelivered records.
func (d *Document) Pending() int { return len(d.queue) }

// Flush delivers queued records until the queue is empty.
//
// Description:
//
//	Each pass takes every queued record, groups them per observer in
//	registration order, and invokes each observer once. Records produced
//	by those callbacks are delivered on the following pass. Flush stops
//	after the configured number of passes so a pair of observers fighting
//	over the same node cannot spin forever.
//
//	A Flush called from inside an observer callback returns false
//	immediately; the outer Flush keeps delivering.
//
// Outputs:
//
//	bool - True when the queue drained, false when the pass limit was hit.
func (d *Document) Flush() bool {
	if d.flushing {
		return false
	}
	d.flushing = true
	defer func() { d.flushing = false }()

	for pass := 0; pass < d.maxPasses; pass++ {
		if len(d.queue) == 0 {
			return true
		}
		records := d.queue
		d.queue = nil

		observers := slices.Clone(d.observers)
		batches := make([][]Record, len(observers))
		for i, o := range observers {
			for _, r := range records {
				if o.wants(r) {
					batches[i] = append(batches[i], r)
				}
			}
		}
		for i, o := range observers {
			if len(batches[i]) == 0 || !o.active {
				continue
			}
			o.fn(batches[i])
		}
	}
	return len(d.queue) == 0
}

func (d *Document) enqueue(r Record) {
	d.seq++
	if len(d.observers) == 0 {
		return
	}
	r.seq = d.seq
	d.queue = append(d.queue, r)
}

// isAncestor reports whether a is a proper ancestor of n.
func isAncestor(a, n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == a {
			return true
		}
	}
	return false
}
