package txlog

import (
	"fmt"
	"strings"
)

// SimulatedSignature marks a result that came from simulation.
const SimulatedSignature = "(simulated)"

// Result is the outcome of a submitted or simulated transaction.
type Result struct {
	Signature     string
	Slot          uint64
	Err           string
	Hint          string
	Logs          []string
	UnitsConsumed uint64
}

// NewResult classifies a transaction outcome. txErr is the runtime's error
// value, nil on success; when set, the logs are searched for a program error
// so the result carries its name and hint instead of the raw value.
func NewResult(signature string, slot uint64, logs []string, unitsConsumed uint64, txErr error) Result {
	r := Result{
		Signature:     signature,
		Slot:          slot,
		Logs:          logs,
		UnitsConsumed: unitsConsumed,
	}
	if txErr == nil {
		return r
	}
	if pe, ok := ParseErrorFromLogs(logs); ok {
		r.Err = pe.Error()
		r.Hint = pe.Hint
		return r
	}
	r.Err = txErr.Error()
	return r
}

// Failed reports whether the transaction returned an error.
func (r Result) Failed() bool { return r.Err != "" }

// FormatResult renders r as human-readable lines.
func FormatResult(r Result) string {
	var lines []string
	if r.Failed() {
		lines = append(lines, "Error: "+r.Err)
		if r.Hint != "" {
			lines = append(lines, "Hint: "+r.Hint)
		}
		if r.UnitsConsumed > 0 {
			lines = append(lines, fmt.Sprintf("Compute Units: %d", r.UnitsConsumed))
		}
		if len(r.Logs) > 0 {
			lines = append(lines, "Logs:")
			for _, l := range r.Logs {
				lines = append(lines, "  "+l)
			}
		}
		return strings.Join(lines, "\n")
	}

	lines = append(lines, "Signature: "+r.Signature, fmt.Sprintf("Slot: %d", r.Slot))
	if r.UnitsConsumed > 0 {
		lines = append(lines, fmt.Sprintf("Compute Units: %d", r.UnitsConsumed))
	}
	if r.Signature != SimulatedSignature {
		lines = append(lines, "Explorer: https://explorer.solana.com/tx/"+r.Signature)
	}
	return strings.Join(lines, "\n")
}
