// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"golang.org/x/term"
)

// JSONOutput adds a --json switch to a command's parameters.
type JSONOutput struct {
	OutputJSON bool
}

// EmitJSON writes result as indented JSON to w when --json is set, or
// when w is stdout and stdout is not a terminal. It reports whether it
// wrote anything; when false the caller formats text itself.
func (j *JSONOutput) EmitJSON(w io.Writer, result any) (bool, error) {
	if !j.OutputJSON && !(w == os.Stdout && !term.IsTerminal(int(os.Stdout.Fd()))) {
		return false, nil
	}
	return true, WriteJSON(w, result)
}

// WriteJSON writes value as indented JSON.
func WriteJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// Table writes aligned key/value rows.
type Table struct {
	writer *tabwriter.Writer
}

// NewTable starts a table on w.
func NewTable(w io.Writer) *Table {
	return &Table{writer: tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)}
}

// Row adds one row; values are formatted with %v.
func (t *Table) Row(label string, value any) {
	fmt.Fprintf(t.writer, "%s\t%v\n", label, value)
}

// Flush writes the table.
func (t *Table) Flush() error {
	return t.writer.Flush()
}
