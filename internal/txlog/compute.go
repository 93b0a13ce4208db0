package txlog

import (
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultComputeBudget applies to instructions without an entry in
// ComputeBudgets.
const DefaultComputeBudget uint64 = 200_000

// ComputeBudgets are the expected compute-unit ceilings per command, sized
// for a 4096-account slab.
var ComputeBudgets = map[string]uint64{
	"init-market":         50_000,
	"init-user":           30_000,
	"init-lp":             30_000,
	"deposit":             40_000,
	"withdraw":            40_000,
	"keeper-crank":        80_000,
	"trade-nocpi":         50_000,
	"trade-cpi":           60_000,
	"liquidate-at-oracle": 80_000,
	"close-account":       80_000,
	"topup-insurance":     30_000,
	"set-risk-threshold":  20_000,
	"update-admin":        20_000,
}

// BudgetFor returns the budget for command.
func BudgetFor(command string) uint64 {
	if b, ok := ComputeBudgets[command]; ok {
		return b
	}
	return DefaultComputeBudget
}

// ComputeSummary is the runtime's own consumption line for a program.
type ComputeSummary struct {
	ProgramID string
	Consumed  uint64
	Limit     uint64
}

// Checkpoint is one sol_log_compute_units sample. Elapsed is the drop since
// the previous checkpoint and is zero for the first.
type Checkpoint struct {
	Label     string
	Remaining uint64
	Elapsed   uint64
	HasPrev   bool
}

var (
	consumedPattern  = regexp.MustCompile(`Program (\w+) consumed (\d+) of (\d+) compute units`)
	labeledPattern   = regexp.MustCompile(`(?i)Program log: ([^:]+): (\d+) (?:CU|units) remaining`)
	unlabeledPattern = regexp.MustCompile(`(?i)consumption: (\d+) units remaining`)
)

// ParseComputeUnits returns the first consumption line in logs.
func ParseComputeUnits(logs []string) (ComputeSummary, bool) {
	for _, line := range logs {
		m := consumedPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		consumed, err1 := strconv.ParseUint(m[2], 10, 64)
		limit, err2 := strconv.ParseUint(m[3], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		return ComputeSummary{ProgramID: m[1], Consumed: consumed, Limit: limit}, true
	}
	return ComputeSummary{}, false
}

// ParseCheckpoints extracts labeled and unlabeled compute checkpoints in log
// order.
func ParseCheckpoints(logs []string) []Checkpoint {
	var cps []Checkpoint
	for _, line := range logs {
		if m := labeledPattern.FindStringSubmatch(line); m != nil {
			if n, err := strconv.ParseUint(m[2], 10, 64); err == nil {
				cps = append(cps, Checkpoint{Label: strings.TrimSpace(m[1]), Remaining: n})
			}
			continue
		}
		if m := unlabeledPattern.FindStringSubmatch(line); m != nil {
			if n, err := strconv.ParseUint(m[1], 10, 64); err == nil {
				cps = append(cps, Checkpoint{Label: fmt.Sprintf("checkpoint_%d", len(cps)), Remaining: n})
			}
		}
	}

	for i := 1; i < len(cps); i++ {
		cps[i].HasPrev = true
		if cps[i-1].Remaining >= cps[i].Remaining {
			cps[i].Elapsed = cps[i-1].Remaining - cps[i].Remaining
		}
	}
	return cps
}

// Audit compares consumption against a budget.
type Audit struct {
	Command     string
	Consumed    uint64
	Budget      uint64
	Remaining   int64
	PercentUsed decimal.Decimal
	OverBudget  bool
	Checkpoints []Checkpoint
}

// AuditCompute builds an audit for command. A zero budget selects the
// default for the command. When consumed is zero the figure is taken from
// the logs.
func AuditCompute(command string, logs []string, consumed, budget uint64) Audit {
	if budget == 0 {
		budget = BudgetFor(command)
	}
	if consumed == 0 {
		if s, ok := ParseComputeUnits(logs); ok {
			consumed = s.Consumed
		}
	}

	pct := decimal.NewFromInt(0)
	if budget > 0 {
		pct = decimal.NewFromInt(100).
			Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(consumed), 0)).
			Div(decimal.NewFromBigInt(new(big.Int).SetUint64(budget), 0))
	}

	return Audit{
		Command:     command,
		Consumed:    consumed,
		Budget:      budget,
		Remaining:   int64(budget) - int64(consumed),
		PercentUsed: pct.Round(1),
		OverBudget:  consumed > budget,
		Checkpoints: ParseCheckpoints(logs),
	}
}

// Status is "OK" or "OVER BUDGET".
func (a Audit) Status() string {
	if a.OverBudget {
		return "OVER BUDGET"
	}
	return "OK"
}

// Format renders the audit as a plain-text report.
func (a Audit) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CU Audit: %s\n", a.Command)
	b.WriteString(strings.Repeat("-", 40) + "\n")
	fmt.Fprintf(&b, "Total Consumed: %d CU\n", a.Consumed)
	fmt.Fprintf(&b, "Budget:         %d CU\n", a.Budget)
	fmt.Fprintf(&b, "Remaining:      %d CU\n", a.Remaining)
	fmt.Fprintf(&b, "Usage:          %s%% %s", a.PercentUsed.StringFixed(1), a.Status())

	if len(a.Checkpoints) > 0 {
		b.WriteString("\n\nCheckpoints:")
		for _, cp := range a.Checkpoints {
			fmt.Fprintf(&b, "\n  %s: %d remaining", cp.Label, cp.Remaining)
			if cp.HasPrev {
				fmt.Fprintf(&b, " (+%d CU)", cp.Elapsed)
			}
		}
	}
	return b.String()
}

// BudgetEntry is one row of the budget table.
type BudgetEntry struct {
	Command string
	Budget  uint64
}

// SortedBudgets lists budgets from largest to smallest, ties by name.
func SortedBudgets() []BudgetEntry {
	out := make([]BudgetEntry, 0, len(ComputeBudgets))
	for cmd, b := range ComputeBudgets {
		out = append(out, BudgetEntry{Command: cmd, Budget: b})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Budget != out[j].Budget {
			return out[i].Budget > out[j].Budget
		}
		return out[i].Command < out[j].Command
	})
	return out
}
