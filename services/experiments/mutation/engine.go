// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mutation applies declarative, reversible changes to a page.
//
// A change is a Spec: a CSS selector, a Type, and a value. The Engine keeps
// a registry of active Specs and, for every element/attribute pair they
// touch, a record holding the value the page had before the engine got
// involved (the baseline), the value the engine last wrote, and the ordered
// stack of mutations attached to it. The value written to the page is always
// the baseline folded through that stack, so mutations compose and revert
// in any order and leave the page exactly as they found it.
//
// Two kinds of observers keep the records honest:
//
//   - one per record, which notices writes made by someone else, adopts
//     them as the new baseline and re-applies the stack on top;
//   - one page-wide childList observer, which re-runs every selector so
//     mutations follow elements that are added, re-rendered, or removed.
//
// # Lifecycle
//
//	engine := mutation.NewEngine(doc, mutation.WithLogger(logger))
//	defer engine.Close()
//
//	h := engine.Apply(mutation.Spec{Selector: "h1", Type: mutation.AddClass, Value: "promo"})
//	doc.Flush()
//	h.Revert()
//
// # Thread Safety
//
// Engine is not safe for concurrent use. It must be driven from the
// goroutine that owns its Document.
package mutation

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/page"
)

// Recorder receives engine activity, typically for metrics.
type Recorder interface {
	MutationApplied(t Type)
	MutationReverted(t Type)
	ExternalChange(attribute string)
}

// Engine owns the mutation registry for one Document.
type Engine struct {
	doc      *page.Document
	logger   *slog.Logger
	recorder Recorder

	nextID    uint64
	nextToken uint64

	mutations map[uint64]*registration
	order     []uint64
	byTuple   map[Spec]uint64
	elements  map[*html.Node]map[string]*attrRecord
	styles    map[string]*styleBlock
	handles   map[uint64]*handleState

	global *page.Observer
	closed bool
}

type registration struct {
	id       uint64
	spec     Spec
	attr     string
	value    string
	selector cascadia.Selector
	refs     int
	elements []*html.Node
}

type attrRecord struct {
	baseline string
	last     string
	stack    []uint64
	observer *page.Observer
}

type styleBlock struct {
	node *html.Node
	refs int
}

type handleKind int

const (
	kindPending handleKind = iota
	kindMutation
	kindStyle
)

type handleState struct {
	kind       handleKind
	mutationID uint64
	css        string
	cancel     func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Without it the engine is silent.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRecorder reports applies, reverts and external changes.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine creates an engine bound to doc.
//
// A nil doc, or one without a <body>, yields an engine whose every Apply
// and InjectStyle returns a no-op Handle.
func NewEngine(doc *page.Document, opts ...Option) *Engine {
	e := &Engine{
		doc:       doc,
		mutations: make(map[uint64]*registration),
		byTuple:   make(map[Spec]uint64),
		elements:  make(map[*html.Node]map[string]*attrRecord),
		styles:    make(map[string]*styleBlock),
		handles:   make(map[uint64]*handleState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if doc != nil {
		if body := doc.Body(); body != nil {
			e.global = doc.Observe(body, page.ObserveOptions{ChildList: true, Subtree: true}, func([]page.Record) {
				e.rescan()
			})
		}
	}
	return e
}

// Document returns the page the engine writes to.
func (e *Engine) Document() *page.Document { return e.doc }

// Apply registers spec and returns a handle that reverts it.
//
// Description:
//
//	Applying a Spec identical to one already active shares the existing
//	registration; the change is undone only after every handle for it has
//	been reverted. Before the page is ready the apply is deferred, and
//	reverting the handle in the meantime cancels it.
//
// Outputs:
//
//	Handle - Never nil-like to the caller; invalid specs, bad selectors,
//	a closed engine, or a missing page give a Handle whose Revert does
//	nothing.
func (e *Engine) Apply(spec Spec) Handle {
	if !e.usable() {
		return Handle{}
	}
	attr := spec.Attribute()
	if spec.Selector == "" || attr == "" {
		e.debug("ignoring invalid mutation", slog.String("type", string(spec.Type)), slog.String("value", spec.Value))
		return Handle{}
	}
	sel, err := page.Compile(spec.Selector)
	if err != nil {
		e.warn("invalid mutation selector", slog.String("selector", spec.Selector), slog.String("error", err.Error()))
		return Handle{}
	}

	token := e.newToken()
	if !e.doc.Ready() {
		st := &handleState{kind: kindPending}
		e.handles[token] = st
		st.cancel = e.doc.OnReady(func() {
			if cur, ok := e.handles[token]; ok && cur.kind == kindPending && !e.closed {
				cur.kind = kindMutation
				cur.mutationID = e.register(spec, attr, sel)
			}
		})
		return Handle{engine: e, token: token}
	}

	e.handles[token] = &handleState{kind: kindMutation, mutationID: e.register(spec, attr, sel)}
	return Handle{engine: e, token: token}
}

// InjectStyle adds a <style> block to the page head. Identical CSS text is
// injected once; the block is removed when its last handle is reverted.
// Styles are not deferred until the page is ready.
func (e *Engine) InjectStyle(css string) Handle {
	if !e.usable() || strings.TrimSpace(css) == "" {
		return Handle{}
	}
	blk, ok := e.styles[css]
	if !ok {
		parent := e.doc.Head()
		if parent == nil {
			parent = e.doc.Body()
		}
		node := e.doc.CreateElement("style")
		e.doc.AppendChild(node, e.doc.CreateText(css))
		e.doc.AppendChild(parent, node)
		blk = &styleBlock{node: node}
		e.styles[css] = blk
	}
	blk.refs++

	token := e.newToken()
	e.handles[token] = &handleState{kind: kindStyle, css: css}
	return Handle{engine: e, token: token}
}

// Close reverts every outstanding handle, newest first, and stops observing
// the page. Handles remain safe to call afterwards.
func (e *Engine) Close() {
	if e == nil || e.closed {
		return
	}
	tokens := make([]uint64, 0, len(e.handles))
	for t := range e.handles {
		tokens = append(tokens, t)
	}
	slices.Sort(tokens)
	for i := len(tokens) - 1; i >= 0; i-- {
		e.revert(tokens[i])
	}
	e.global.Disconnect()
	e.closed = true
}

// Mutations returns the number of registered mutations.
func (e *Engine) Mutations() int { return len(e.mutations) }

// Styles returns the number of injected style blocks.
func (e *Engine) Styles() int { return len(e.styles) }

// Records returns the number of live element/attribute records.
func (e *Engine) Records() int {
	n := 0
	for _, attrs := range e.elements {
		n += len(attrs)
	}
	return n
}

func (e *Engine) usable() bool {
	return e != nil && !e.closed && e.doc != nil && e.global != nil
}

func (e *Engine) newToken() uint64 {
	e.nextToken++
	return e.nextToken
}

// =============================================================================
// Registry
// =============================================================================

func (e *Engine) register(spec Spec, attr string, sel cascadia.Selector) uint64 {
	if id, ok := e.byTuple[spec]; ok {
		e.mutations[id].refs++
		return id
	}

	value := spec.Value
	if attr == attrHTML {
		if normalized, err := e.doc.NormalizeHTML(nil, value); err == nil {
			value = normalized
		}
	}

	e.nextID++
	reg := &registration{
		id:       e.nextID,
		spec:     spec,
		attr:     attr,
		value:    value,
		selector: sel,
		refs:     1,
	}
	e.mutations[reg.id] = reg
	e.order = append(e.order, reg.id)
	e.byTuple[spec] = reg.id

	e.debug("mutation registered",
		slog.Uint64("id", reg.id),
		slog.String("selector", spec.Selector),
		slog.String("type", string(spec.Type)))
	if e.recorder != nil {
		e.recorder.MutationApplied(spec.Type)
	}

	e.refresh(reg)
	return reg.id
}

func (e *Engine) release(id uint64) {
	reg, ok := e.mutations[id]
	if !ok {
		return
	}
	reg.refs--
	if reg.refs > 0 {
		return
	}
	for _, el := range slices.Clone(reg.elements) {
		e.stop(reg, el)
	}
	delete(e.mutations, id)
	delete(e.byTuple, reg.spec)
	e.order = slices.DeleteFunc(e.order, func(x uint64) bool { return x == id })

	if e.recorder != nil {
		e.recorder.MutationReverted(reg.spec.Type)
	}
}

func (e *Engine) revert(token uint64) {
	st, ok := e.handles[token]
	if !ok {
		return
	}
	delete(e.handles, token)

	switch st.kind {
	case kindPending:
		st.cancel()
	case kindMutation:
		e.release(st.mutationID)
	case kindStyle:
		blk, ok := e.styles[st.css]
		if !ok {
			return
		}
		blk.refs--
		if blk.refs == 0 {
			e.doc.RemoveNode(blk.node)
			delete(e.styles, st.css)
		}
	}
}

// rescan re-runs every selector in registration order.
func (e *Engine) rescan() {
	for _, id := range slices.Clone(e.order) {
		if reg, ok := e.mutations[id]; ok {
			e.refresh(reg)
		}
	}
}

// refresh attaches reg to newly matching elements and detaches it from
// elements that no longer match or have left the page.
func (e *Engine) refresh(reg *registration) {
	matched, err := e.doc.Match(reg.selector)
	if err != nil {
		return
	}
	for _, el := range matched {
		if !slices.Contains(reg.elements, el) {
			e.start(reg, el)
		}
	}
	for _, el := range slices.Clone(reg.elements) {
		if !slices.Contains(matched, el) {
			e.stop(reg, el)
		}
	}
}

func (e *Engine) start(reg *registration, el *html.Node) {
	reg.elements = append(reg.elements, el)
	rec := e.record(el, reg.attr)
	// Ids grow with registration, so a sorted stack is registration order.
	i, found := slices.BinarySearch(rec.stack, reg.id)
	if !found {
		rec.stack = slices.Insert(rec.stack, i, reg.id)
	}
	e.applyRecord(el, reg.attr, rec)
}

func (e *Engine) stop(reg *registration, el *html.Node) {
	reg.elements = slices.DeleteFunc(reg.elements, func(x *html.Node) bool { return x == el })
	attrs := e.elements[el]
	rec, ok := attrs[reg.attr]
	if !ok {
		return
	}
	rec.stack = slices.DeleteFunc(rec.stack, func(x uint64) bool { return x == reg.id })
	e.applyRecord(el, reg.attr, rec)

	if len(rec.stack) == 0 {
		rec.observer.Disconnect()
		delete(attrs, reg.attr)
		if len(attrs) == 0 {
			delete(e.elements, el)
		}
	}
}

// =============================================================================
// Element/attribute records
// =============================================================================

func (e *Engine) record(el *html.Node, attr string) *attrRecord {
	attrs, ok := e.elements[el]
	if !ok {
		attrs = make(map[string]*attrRecord)
		e.elements[el] = attrs
	}
	if rec, ok := attrs[attr]; ok {
		return rec
	}

	current := e.current(el, attr)
	rec := &attrRecord{baseline: current, last: current}
	rec.observer = e.doc.Observe(el, observeOptions(attr), func([]page.Record) {
		e.onExternalWrite(el, attr)
	})
	attrs[attr] = rec
	return rec
}

// onExternalWrite adopts a value written by someone else as the new
// baseline. The engine's own writes read back equal to last and stop here.
func (e *Engine) onExternalWrite(el *html.Node, attr string) {
	rec, ok := e.elements[el][attr]
	if !ok {
		return
	}
	current := e.current(el, attr)
	if current == rec.last {
		return
	}
	rec.baseline = current
	if e.recorder != nil {
		e.recorder.ExternalChange(attr)
	}
	e.applyRecord(el, attr, rec)
}

// applyRecord folds the baseline through the stack and writes the result
// if it differs from the live value.
func (e *Engine) applyRecord(el *html.Node, attr string, rec *attrRecord) {
	value := rec.baseline
	for _, id := range rec.stack {
		reg, ok := e.mutations[id]
		if !ok {
			continue
		}
		value = fold(reg.spec.Type, reg.value, value)
	}
	if attr == attrHTML {
		if normalized, err := e.doc.NormalizeHTML(el, value); err == nil {
			value = normalized
		}
	}

	if value == e.current(el, attr) {
		rec.last = value
		return
	}
	e.write(el, attr, value)
	rec.last = e.current(el, attr)
}

func (e *Engine) current(el *html.Node, attr string) string {
	switch attr {
	case attrHTML:
		return e.doc.InnerHTML(el)
	case attrClassName:
		v, _ := e.doc.Attr(el, "class")
		return v
	default:
		v, _ := e.doc.Attr(el, attr)
		return v
	}
}

func (e *Engine) write(el *html.Node, attr, value string) {
	if attr == attrHTML {
		if err := e.doc.SetInnerHTML(el, value); err != nil {
			e.warn("failed to write element markup", slog.String("error", err.Error()))
		}
		return
	}
	name := attr
	if attr == attrClassName {
		name = "class"
	}
	if value == "" {
		e.doc.RemoveAttr(el, name)
		return
	}
	e.doc.SetAttr(el, name, value)
}

func observeOptions(attr string) page.ObserveOptions {
	switch attr {
	case attrHTML:
		return page.ObserveOptions{ChildList: true, Subtree: true, Attributes: true, CharacterData: true}
	case attrClassName:
		return page.ObserveOptions{Attributes: true, AttributeFilter: []string{"class"}}
	default:
		return page.ObserveOptions{Attributes: true, AttributeFilter: []string{attr}}
	}
}

func (e *Engine) debug(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Debug(msg, args...)
	}
}

func (e *Engine) warn(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Warn(msg, args...)
	}
}
