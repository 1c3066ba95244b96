// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package page models a live HTML page for the mutation engine.
//
// A Document owns a parsed golang.org/x/net/html tree. Every write made
// through the Document produces a Record, and records are delivered to
// Observers in batches when Flush is called. This mirrors the way a browser
// queues mutation records and drains them as microtasks: writes made from
// inside an observer callback are delivered on the next pass of the same
// Flush.
//
// Writes made directly on the *html.Node values, bypassing the Document,
// are invisible to observers.
//
// # Thread Safety
//
// Document is not safe for concurrent use. One goroutine owns a page.
package page

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNoBody is returned when a document has no <body> element.
var ErrNoBody = errors.New("document has no body")

// defaultMaxPasses bounds how many delivery rounds a single Flush runs.
const defaultMaxPasses = 100

// Document is an observable HTML page.
type Document struct {
	root      *html.Node
	queue     []Record
	observers []*Observer
	maxPasses int
	seq       uint64

	ready      bool
	readyNext  int
	readyQueue []readyCallback
	flushing   bool
}

// Option configures a Document.
type Option func(*Document)

// WithMaxPasses overrides how many delivery rounds Flush runs before giving up.
func WithMaxPasses(n int) Option {
	return func(d *Document) {
		if n > 0 {
			d.maxPasses = n
		}
	}
}

// WithReady marks the document interactive from the start.
func WithReady() Option {
	return func(d *Document) { d.ready = true }
}

// New wraps an existing tree. The tree must be a document node as produced
// by html.Parse.
func New(root *html.Node, opts ...Option) *Document {
	d := &Document{root: root, maxPasses: defaultMaxPasses}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Parse reads a full HTML document.
func Parse(r io.Reader, opts ...Option) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return New(root, opts...), nil
}

// ParseString is Parse over a string.
func ParseString(markup string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(markup), opts...)
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// Head returns the <head> element, or nil.
func (d *Document) Head() *html.Node { return findElement(d.root, atom.Head) }

// Body returns the <body> element, or nil.
func (d *Document) Body() *html.Node { return findElement(d.root, atom.Body) }

// QueryAll returns the descendants of <body> matching a CSS selector, in
// document order. The body element itself is never returned.
func (d *Document) QueryAll(selector string) ([]*html.Node, error) {
	sel, err := Compile(selector)
	if err != nil {
		return nil, err
	}
	return d.Match(sel)
}

// Match runs a compiled selector against the descendants of <body>.
func (d *Document) Match(sel cascadia.Selector) ([]*html.Node, error) {
	body := d.Body()
	if body == nil {
		return nil, ErrNoBody
	}
	return cascadia.QueryAll(body, sel), nil
}

// Compile parses a CSS selector or selector group.
func Compile(selector string) (cascadia.Selector, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", selector, err)
	}
	return sel, nil
}

// Contains reports whether n is attached to this document.
func (d *Document) Contains(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// =============================================================================
// Reads
// =============================================================================

// Attr returns the value of an attribute and whether it is present.
func (d *Document) Attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// InnerHTML renders the children of n.
func (d *Document) InnerHTML(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		// Render only fails on writer errors; bytes.Buffer never returns one.
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

// OuterHTML renders n itself.
func (d *Document) OuterHTML(n *html.Node) string {
	var buf bytes.Buffer
	_ = html.Render(&buf, n)
	return buf.String()
}

// NormalizeHTML returns markup as it would read back from InnerHTML after
// being written into an element like context. A nil context parses as if
// inside a <div>.
func (d *Document) NormalizeHTML(context *html.Node, markup string) (string, error) {
	nodes, err := parseFragment(context, markup)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, n := range nodes {
		_ = html.Render(&buf, n)
	}
	return buf.String(), nil
}

// Render writes the whole document.
func (d *Document) Render(w io.Writer) error {
	return html.Render(w, d.root)
}

// String renders the whole document.
func (d *Document) String() string {
	var buf bytes.Buffer
	_ = d.Render(&buf)
	return buf.String()
}

// =============================================================================
// Writes
// =============================================================================

// SetAttr sets an attribute, keeping its position if it already exists.
func (d *Document) SetAttr(n *html.Node, name, value string) {
	old, had := d.Attr(n, name)
	if had {
		for i := range n.Attr {
			if n.Attr[i].Namespace == "" && n.Attr[i].Key == name {
				n.Attr[i].Val = value
				break
			}
		}
	} else {
		n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
	}
	d.enqueue(Record{Type: Attributes, Target: n, AttributeName: name, OldValue: old, HadValue: had})
}

// RemoveAttr deletes an attribute. Removing an absent attribute records nothing.
func (d *Document) RemoveAttr(n *html.Node, name string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr = append(n.Attr[:i:i], n.Attr[i+1:]...)
			d.enqueue(Record{Type: Attributes, Target: n, AttributeName: name, OldValue: a.Val, HadValue: true})
			return
		}
	}
}

// SetInnerHTML replaces the children of n with parsed markup.
func (d *Document) SetInnerHTML(n *html.Node, markup string) error {
	nodes, err := parseFragment(n, markup)
	if err != nil {
		return err
	}
	var removed []*html.Node
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	for _, c := range nodes {
		n.AppendChild(c)
	}
	if len(removed) > 0 || len(nodes) > 0 {
		d.enqueue(Record{Type: ChildList, Target: n, Added: nodes, Removed: removed})
	}
	return nil
}

// AppendHTML parses markup and appends it to the children of n.
func (d *Document) AppendHTML(n *html.Node, markup string) error {
	nodes, err := parseFragment(n, markup)
	if err != nil {
		return err
	}
	for _, c := range nodes {
		n.AppendChild(c)
	}
	if len(nodes) > 0 {
		d.enqueue(Record{Type: ChildList, Target: n, Added: nodes})
	}
	return nil
}

// SetText replaces the children of n with a single text node.
func (d *Document) SetText(n *html.Node, text string) {
	if n.Type == html.TextNode {
		old := n.Data
		n.Data = text
		d.enqueue(Record{Type: CharacterData, Target: n, OldValue: old, HadValue: true})
		return
	}
	var removed []*html.Node
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	var added []*html.Node
	if text != "" {
		t := &html.Node{Type: html.TextNode, Data: text}
		n.AppendChild(t)
		added = append(added, t)
	}
	if len(removed) > 0 || len(added) > 0 {
		d.enqueue(Record{Type: ChildList, Target: n, Added: added, Removed: removed})
	}
}

// AppendChild attaches child as the last child of parent. A child that is
// already attached elsewhere is moved.
func (d *Document) AppendChild(parent, child *html.Node) {
	if child.Parent != nil {
		d.RemoveNode(child)
	}
	parent.AppendChild(child)
	d.enqueue(Record{Type: ChildList, Target: parent, Added: []*html.Node{child}})
}

// InsertBefore attaches child before ref under parent. A nil ref appends.
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	if child.Parent != nil {
		d.RemoveNode(child)
	}
	parent.InsertBefore(child, ref)
	d.enqueue(Record{Type: ChildList, Target: parent, Added: []*html.Node{child}})
}

// RemoveNode detaches n from its parent. Detached nodes are ignored.
func (d *Document) RemoveNode(n *html.Node) {
	parent := n.Parent
	if parent == nil {
		return
	}
	parent.RemoveChild(n)
	d.enqueue(Record{Type: ChildList, Target: parent, Removed: []*html.Node{n}})
}

// CreateElement returns a detached element for tag.
func (d *Document) CreateElement(tag string) *html.Node {
	tag = strings.ToLower(tag)
	return &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Lookup([]byte(tag)),
		Data:     tag,
	}
}

// CreateText returns a detached text node.
func (d *Document) CreateText(text string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: text}
}

func parseFragment(context *html.Node, markup string) ([]*html.Node, error) {
	if context == nil || context.Type != html.ElementNode {
		context = &html.Node{Type: html.ElementNode, DataAtom: atom.Div, Data: "div"}
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), context)
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	return nodes, nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}
