// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

var (
	colorTeal    = lipgloss.Color("#2CD7C7")
	colorSlate   = lipgloss.Color("#2C4A54")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
)

var styles = struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorTeal),
	Muted:   lipgloss.NewStyle().Foreground(colorSlate),
	Success: lipgloss.NewStyle().Foreground(colorTeal),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),
	Header:  lipgloss.NewStyle().Bold(true).Padding(0, 1),
	Cell:    lipgloss.NewStyle().Padding(0, 1),
}

// printer writes CLI output, styled only when w is a terminal.
type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(w io.Writer) *printer {
	p := &printer{w: w}
	if f, ok := w.(*os.File); ok {
		p.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return p
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *printer) Title(text string) {
	fmt.Fprintln(p.w, p.render(styles.Title, text))
}

func (p *printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(styles.Success, "✓ "+fmt.Sprintf(format, args...)))
}

func (p *printer) Warning(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(styles.Warning, "⚠ "+fmt.Sprintf(format, args...)))
}

func (p *printer) Error(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(styles.Error, "✗ "+fmt.Sprintf(format, args...)))
}

func (p *printer) Muted(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(styles.Muted, fmt.Sprintf(format, args...)))
}

// Table prints rows under headers with a rounded border.
func (p *printer) Table(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow && p.color {
				return styles.Header.Foreground(colorTeal)
			}
			if row == table.HeaderRow {
				return styles.Header
			}
			return styles.Cell
		})
	if p.color {
		t = t.BorderStyle(lipgloss.NewStyle().Foreground(colorSlate))
	}
	fmt.Fprintln(p.w, t.Render())
}
