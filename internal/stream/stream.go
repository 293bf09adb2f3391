// Package stream decodes the replay engine's input: one JSON object per
// line, each carrying an action and the literal SQL to apply. See
// spec.md §6 ("Stream event format").
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgmover/internal/errs"
)

// Action names one of the events the logical-decoding producer emits.
type Action string

const (
	ActionBegin     Action = "BEGIN"
	ActionCommit    Action = "COMMIT"
	ActionInsert    Action = "INSERT"
	ActionUpdate    Action = "UPDATE"
	ActionDelete    Action = "DELETE"
	ActionTruncate  Action = "TRUNCATE"
	ActionMessage   Action = "MESSAGE"
	ActionSwitch    Action = "SWITCH"
	ActionKeepalive Action = "KEEPALIVE"
)

// Event is one line of the replay stream. Unknown JSON fields are
// ignored, which is encoding/json's default decoding behavior and
// exactly satisfies the wire contract without extra code.
type Event struct {
	Action Action `json:"action"`
	LSN    string `json:"lsn,omitempty"`
	TxID   uint32 `json:"txid,omitempty"`
	SQL    string `json:"sql,omitempty"`
}

// ParsedLSN parses the event's LSN field, returning an invalid LSN when
// the field is empty.
func (e Event) ParsedLSN() (pglogrepl.LSN, error) {
	if e.LSN == "" {
		return 0, nil
	}
	return pglogrepl.ParseLSN(e.LSN)
}

// InTransaction reports whether the action applies within a transaction
// opened by a prior BEGIN, as opposed to framing or control actions.
func (e Event) InTransaction() bool {
	switch e.Action {
	case ActionInsert, ActionUpdate, ActionDelete, ActionTruncate, ActionMessage:
		return true
	default:
		return false
	}
}

// Decoder reads one Event per input line.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r as a line-oriented Event source.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next Event, io.EOF when the input is exhausted, or a
// wrapped ErrProtocol if the line is not valid JSON.
func (d *Decoder) Next() (Event, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return Event{}, fmt.Errorf("%w: read stream line: %v", errs.ErrIO, err)
		}
		return Event{}, io.EOF
	}

	var e Event
	if err := json.Unmarshal(d.scanner.Bytes(), &e); err != nil {
		return Event{}, fmt.Errorf("%w: parse stream line: %v", errs.ErrProtocol, err)
	}
	return e, nil
}
