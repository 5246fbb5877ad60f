// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package search

import (
	"fmt"
	"strings"

	"github.com/ajroetker/perftune/evaluate"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true)
	bestStyle   = lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("#50A050"))
)

// maxDetail truncates failure details in the table.
const maxDetail = 60

// Table renders the outcome as one row per assignment, in enumeration order.
// The winning row is highlighted.
func (o *Outcome) Table() string {
	best := -1
	if o.Best != nil {
		best = o.Best.Assignment.Index
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case row == best:
				return bestStyle
			}
			return cellStyle
		}).
		Headers("#", "Assignment", "Status", "Cost", "Runs", "Elapsed", "Detail")
	for _, r := range o.Results {
		cost, runs := "", ""
		if r.OK() {
			cost = humanize.SIWithDigits(r.Cost, 3, "")
			runs = humanize.Comma(int64(len(r.Costs)))
		}
		status := r.Status.String()
		if r.CacheHit {
			status += " (cached)"
		}
		table.Row(
			humanize.Comma(int64(r.Assignment.Index)),
			r.Assignment.String(),
			status,
			cost,
			runs,
			r.Elapsed.Round(1e6).String(),
			firstLine(r.Detail, maxDetail),
		)
	}
	return table.String()
}

// Summary describes the outcome in one line.
func (o *Outcome) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s assignments, %s measured", humanize.Comma(int64(len(o.Results))), humanize.Comma(int64(o.Count(evaluate.Success))))
	if n := len(o.Results) - o.Count(evaluate.Success) - o.Count(evaluate.Skipped); n > 0 {
		fmt.Fprintf(&b, ", %s failed", humanize.Comma(int64(n)))
	}
	if n := o.Count(evaluate.Skipped); n > 0 {
		fmt.Fprintf(&b, ", %s skipped", humanize.Comma(int64(n)))
	}
	if o.Best != nil {
		fmt.Fprintf(&b, "; best %s with cost %s", o.Best.Assignment, humanize.SIWithDigits(o.Best.Cost, 3, ""))
	}
	fmt.Fprintf(&b, " in %s", o.Elapsed.Round(1e6))
	return b.String()
}

func firstLine(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > limit {
		s = s[:limit-3] + "..."
	}
	return s
}
