package query

import (
	"Percolator/internal/abi"
	"Percolator/internal/core"
	fpmath "Percolator/internal/math"
	"Percolator/internal/persistence"
	"Percolator/internal/projection"
	"Percolator/internal/state"
	"Percolator/internal/txlog"
	"Percolator/internal/validation"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("unavailable")
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// FundingSource serves funding history for a market, newest first.
type FundingSource interface {
	QueryBySlab(slab string, limit int) []projection.FundingHistoryEntry
}

// QueryService provides read-only access to decoded market state, the
// event archive and the stateless decoding tools. Market reads are served
// from the in-memory LatestStore; archive reads need a database and fail
// with ErrUnavailable without one. Responses carry as_of_sequence for
// freshness semantics.
type QueryService struct {
	store   *LatestStore
	db      *sql.DB
	funding FundingSource
}

// NewQueryService wires the service. db and funding may be nil.
func NewQueryService(store *LatestStore, db *sql.DB, funding FundingSource) *QueryService {
	if store == nil {
		store = NewLatestStore()
	}
	return &QueryService{store: store, db: db, funding: funding}
}

// Store returns the latest-state store the service reads from.
func (qs *QueryService) Store() *LatestStore {
	return qs.store
}

// --- Market state ---

// ListMarkets returns every tracked market.
func (qs *QueryService) ListMarkets(ctx context.Context) []MarketResponse {
	outs := qs.store.List()
	markets := make([]MarketResponse, 0, len(outs))
	for _, out := range outs {
		markets = append(markets, NewMarketResponse(out))
	}
	return markets
}

// GetMarket returns the overview of one market.
func (qs *QueryService) GetMarket(ctx context.Context, slab string) (*MarketResponse, error) {
	out, err := qs.latest(slab)
	if err != nil {
		return nil, err
	}
	m := NewMarketResponse(out)
	return &m, nil
}

// ListAccounts returns every occupied slot of a market in index order. kind
// filters by "user" or "lp"; empty returns both.
func (qs *QueryService) ListAccounts(ctx context.Context, slab, kind string) ([]AccountResponse, error) {
	out, err := qs.latest(slab)
	if err != nil {
		return nil, err
	}

	kind = strings.ToLower(strings.TrimSpace(kind))
	switch kind {
	case "", "user", "lp":
	default:
		return nil, fmt.Errorf("%w: kind must be user or lp, got %q", ErrInvalidArgument, kind)
	}

	accounts := make([]AccountResponse, 0, len(out.Positions))
	for _, v := range out.Positions {
		if kind != "" && strings.ToLower(v.Kind.String()) != kind {
			continue
		}
		accounts = append(accounts, accountResponse(v, out.Snapshot.Config.Invert, out.Sequence))
	}
	return accounts, nil
}

// GetPosition returns one occupied slot.
func (qs *QueryService) GetPosition(ctx context.Context, slab, index string) (*AccountResponse, error) {
	out, err := qs.latest(slab)
	if err != nil {
		return nil, err
	}
	idx, err := validation.ValidateIndex(index, "index")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	for _, v := range out.Positions {
		if v.Index == int(idx) {
			a := accountResponse(v, out.Snapshot.Config.Invert, out.Sequence)
			return &a, nil
		}
	}
	return nil, fmt.Errorf("%w: slot %d of %s is not in use", ErrNotFound, idx, slab)
}

// GetConfig returns a market's configuration and risk parameters.
func (qs *QueryService) GetConfig(ctx context.Context, slab string) (*ConfigResponse, error) {
	out, err := qs.latest(slab)
	if err != nil {
		return nil, err
	}
	cfg, p := out.Snapshot.Config, out.Snapshot.Params
	return &ConfigResponse{
		Slab:                   out.Slab.String(),
		CollateralMint:         cfg.CollateralMint.String(),
		Vault:                  cfg.Vault.String(),
		IndexFeedID:            hex.EncodeToString(cfg.IndexFeedID[:]),
		MaxStalenessSlots:      cfg.MaxStalenessSlots,
		ConfFilterBps:          cfg.ConfFilterBps,
		Inverted:               cfg.Invert,
		UnitScale:              cfg.UnitScale,
		OraclePriceCapE2:       cfg.OraclePriceCapE2bps,
		VaultBump:              cfg.VaultAuthorityBump,
		WarmupPeriodSlots:      p.WarmupPeriodSlots,
		MaintenanceMarginBps:   p.MaintenanceMarginBps,
		InitialMarginBps:       p.InitialMarginBps,
		TradingFeeBps:          p.TradingFeeBps,
		LiquidationFeeBps:      p.LiquidationFeeBps,
		LiquidationBufferBps:   p.LiquidationBufferBps,
		MaxAccounts:            p.MaxAccounts,
		NewAccountFee:          p.NewAccountFee,
		RiskReductionThreshold: bigString(p.RiskReductionThreshold),
		MaintenanceFeePerSlot:  bigString(p.MaintenanceFeePerSlot),
		MaxCrankStalenessSlots: p.MaxCrankStalenessSlots,
		LiquidationFeeCap:      bigString(p.LiquidationFeeCap),
		MinLiquidationAbs:      bigString(p.MinLiquidationAbs),
		AsOfSequence:           out.Sequence,
	}, nil
}

// GetNonce returns the admin nonce of a market.
func (qs *QueryService) GetNonce(ctx context.Context, slab string) (*NonceResponse, error) {
	out, err := qs.latest(slab)
	if err != nil {
		return nil, err
	}
	return &NonceResponse{
		Slab:         out.Slab.String(),
		Nonce:        out.Snapshot.Header.Nonce,
		Slot:         out.Slot,
		AsOfSequence: out.Sequence,
	}, nil
}

// GetLiquidations returns the accounts a keeper could liquidate now.
func (qs *QueryService) GetLiquidations(ctx context.Context, slab string) (*LiquidationsResponse, error) {
	out, err := qs.latest(slab)
	if err != nil {
		return nil, err
	}
	resp := &LiquidationsResponse{
		Slab:         out.Slab.String(),
		Slot:         out.Slot,
		Candidates:   make([]LiquidationResponse, 0, len(out.Liquidations)),
		AsOfSequence: out.Sequence,
	}
	for _, c := range out.Liquidations {
		resp.Candidates = append(resp.Candidates, LiquidationResponse{
			Index:            c.Index,
			Owner:            c.Owner.String(),
			MarginRatioBps:   bigString(c.MarginRatioBps),
			EffectiveCapital: bigString(c.EffectiveCapital),
			Deficit:          bigString(c.Deficit),
			InsuranceCovered: bigString(c.InsuranceCovered),
			InsuranceShort:   bigString(c.InsuranceShort),
		})
	}
	return resp, nil
}

// GetInsurance compares the insurance fund with the combined deficit of
// every liquidation candidate.
func (qs *QueryService) GetInsurance(ctx context.Context, slab string) (*InsuranceResponse, error) {
	out, err := qs.latest(slab)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, c := range out.Liquidations {
		if c.Deficit != nil {
			total.Add(total, c.Deficit)
		}
	}
	fund := state.NewInsuranceFund(out.Snapshot.Insurance.Balance)
	covered, short := fund.ComputeCoverage(total)
	return &InsuranceResponse{
		Slab:         out.Slab.String(),
		Balance:      bigString(out.Snapshot.Insurance.Balance),
		FeeRevenue:   bigString(out.Snapshot.Insurance.FeeRevenue),
		TotalDeficit: total.String(),
		Covered:      covered.String(),
		Shortfall:    short.String(),
		CanCoverAll:  fund.CanCoverDeficit(total),
		AsOfSequence: out.Sequence,
	}, nil
}

// ListFunding returns funding history for a market, newest first.
func (qs *QueryService) ListFunding(ctx context.Context, slab string, limit int) ([]FundingHistoryResponse, error) {
	key, err := validation.ValidatePublicKey(slab, "slab")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if qs.funding == nil {
		return nil, fmt.Errorf("%w: funding history is not tracked", ErrUnavailable)
	}

	entries := qs.funding.QueryBySlab(key.String(), pageSize(limit))
	history := make([]FundingHistoryResponse, 0, len(entries))
	for _, e := range entries {
		history = append(history, FundingHistoryResponse{
			Slab:              e.Slab,
			Slot:              e.Slot,
			LastCrankSlot:     e.LastCrankSlot,
			PrevCrankSlot:     e.PrevCrankSlot,
			SlotsElapsed:      e.SlotsElapsed,
			RateBpsPerSlot:    e.RateBpsPerSlot,
			RateBpsPerHour:    bigString(e.RateBpsPerHour),
			FundingIndexQpbE6: bigString(e.FundingIndexQpbE6),
			IndexDelta:        bigString(e.IndexDelta),
			MarkPrice:         fpmath.E6ToDecimal(new(big.Int).SetUint64(e.MarkPriceE6)).String(),
			Sequence:          e.Sequence,
		})
	}
	return history, nil
}

// --- Archive ---

// ListEvents returns archived events from a sequence, optionally for one
// market.
func (qs *QueryService) ListEvents(ctx context.Context, slab string, fromSequence int64, limit int) ([]EventResponse, error) {
	if qs.db == nil {
		return nil, fmt.Errorf("%w: event archive is not configured", ErrUnavailable)
	}
	if fromSequence < 0 {
		return nil, fmt.Errorf("%w: from_sequence must not be negative", ErrInvalidArgument)
	}

	query := `
		SELECT sequence, snapshot_sequence, event_type, idempotency_key, market_id, slot,
		       payload, state_hash, timestamp
		FROM market_archive.events
		WHERE sequence >= $1
	`
	args := []any{fromSequence}
	argIdx := 2

	if slab != "" {
		key, err := validation.ValidatePublicKey(slab, "slab")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, key.String())
		argIdx++
	}

	query += " ORDER BY sequence ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]EventResponse, 0)
	for rows.Next() {
		var e EventResponse
		var slot int64
		var payload, stateHash []byte
		if err := rows.Scan(
			&e.Sequence, &e.SnapshotSequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&slot, &payload, &stateHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Slot = uint64(slot)
		e.Payload = json.RawMessage(payload)
		e.StateHash = hex.EncodeToString(stateHash)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Stateless tools ---

// DecodeError explains a custom program error code given in decimal or as
// 0x-prefixed hex.
func (qs *QueryService) DecodeError(code string) (*ErrorDecodeResponse, error) {
	code = strings.TrimSpace(code)
	var n uint64
	var err error
	if rest, ok := strings.CutPrefix(strings.ToLower(code), "0x"); ok {
		n, err = strconv.ParseUint(rest, 16, 32)
		if err != nil {
			err = &validation.ValidationError{Field: "code", Message: fmt.Sprintf("%q is not a 32-bit hex code", code)}
		}
	} else {
		n, err = validation.ValidateU64(code, "code")
		if err == nil && n > 0xffffffff {
			err = &validation.ValidationError{Field: "code", Message: fmt.Sprintf("%s exceeds 32 bits", code)}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	pe := txlog.Decode(uint32(n))
	return &ErrorDecodeResponse{
		Code:        pe.Code,
		Hex:         fmt.Sprintf("0x%x", pe.Code),
		Name:        pe.Name,
		Hint:        pe.Hint,
		Known:       pe.Known(),
		UserMessage: txlog.UserMessage(pe.Code),
	}, nil
}

// AuditRequest asks for a compute audit of a transaction's logs. Zero
// Consumed is read from the logs; zero Budget selects the command default.
type AuditRequest struct {
	Command  string   `json:"command"`
	Logs     []string `json:"logs"`
	Consumed uint64   `json:"consumed"`
	Budget   uint64   `json:"budget"`
}

// AuditCompute compares compute consumption with the command's budget.
func (qs *QueryService) AuditCompute(req AuditRequest) (*ComputeAuditResponse, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidArgument)
	}
	a := txlog.AuditCompute(req.Command, req.Logs, req.Consumed, req.Budget)

	resp := &ComputeAuditResponse{
		Command:     a.Command,
		Consumed:    a.Consumed,
		Budget:      a.Budget,
		Remaining:   a.Remaining,
		PercentUsed: a.PercentUsed.StringFixed(1),
		Status:      a.Status(),
		Report:      a.Format(),
	}
	for _, cp := range a.Checkpoints {
		c := CheckpointResponse{Label: cp.Label, Remaining: cp.Remaining}
		if cp.HasPrev {
			elapsed := cp.Elapsed
			c.Elapsed = &elapsed
		}
		resp.Checkpoints = append(resp.Checkpoints, c)
	}
	return resp, nil
}

// DecodeInstruction parses instruction data given as base64 (the default)
// or hex.
func (qs *QueryService) DecodeInstruction(data, encoding string) (*InstructionResponse, error) {
	var raw []byte
	var err error
	switch strings.ToLower(encoding) {
	case "", "base64":
		raw, err = base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	case "hex":
		raw, err = hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(data), "0x"))
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrInvalidArgument, encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrInvalidArgument, err)
	}

	ix, err := abi.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return &InstructionResponse{
		Kind:    ix.Kind().String(),
		Tag:     uint8(ix.Kind()),
		Command: ix.Kind().Command(),
		Args:    ix,
	}, nil
}

// --- Admin APIs ---

// VerifyIntegrity recomputes the archived hash chain from a sequence.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, fromSequence int64, limit int) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, fmt.Errorf("%w: event archive is not configured", ErrUnavailable)
	}
	if fromSequence < 0 {
		fromSequence = 0
	}
	if limit <= 0 {
		limit = maxPageSize
	}

	// Include the row before the window so its link can be checked.
	anchor := fromSequence
	if anchor > 0 {
		anchor--
	}
	rows, err := persistence.NewSnapshotManager(qs.db).LoadSnapshotsFrom(ctx, anchor, limit+1)
	if err != nil {
		return nil, err
	}
	report := VerifyChain(rows)
	report.FromSequence = fromSequence
	return &report, nil
}

// VerifyChain checks that each row links to its predecessor and that its
// state hash matches the recomputed digest. A chain starting at sequence 0
// must link to the genesis hash.
func VerifyChain(rows []persistence.SnapshotRow) IntegrityReport {
	report := IntegrityReport{Checked: len(rows)}
	if len(rows) > 0 {
		report.FromSequence = rows[0].Sequence
	}

	var prev [32]byte
	havePrev := false
	for i, row := range rows {
		if i == 0 && row.Sequence == 0 {
			prev = core.GenesisHash()
			havePrev = true
		}
		if i > 0 && row.Sequence != rows[i-1].Sequence+1 {
			report.SequenceGaps = append(report.SequenceGaps, row.Sequence)
			havePrev = false
		}

		rowPrev := toHash(row.PrevHash)
		if havePrev && rowPrev != prev {
			report.HashChainBreaks = append(report.HashChainBreaks, row.Sequence)
		}

		stored := toHash(row.StateHash)
		key, err := solana.PublicKeyFromBase58(row.Slab)
		if err != nil {
			report.StateHashMismatches = append(report.StateHashMismatches, row.Sequence)
		} else {
			digest := core.SnapshotDigest(key, row.Slot, toHash(row.ContentHash), row.EventCount)
			if core.ChainHash(rowPrev, row.Sequence, digest) != stored {
				report.StateHashMismatches = append(report.StateHashMismatches, row.Sequence)
			}
		}

		prev = stored
		havePrev = true
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.StateHashMismatches) == 0 &&
		len(report.SequenceGaps) == 0
	return report
}

// --- helpers ---

func (qs *QueryService) latest(slab string) (core.CoreOutput, error) {
	key, err := validation.ValidatePublicKey(slab, "slab")
	if err != nil {
		return core.CoreOutput{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	out, ok := qs.store.Get(key)
	if !ok {
		return core.CoreOutput{}, fmt.Errorf("%w: market %s", ErrNotFound, key)
	}
	return out, nil
}

// NewMarketResponse builds the overview of one processor output.
func NewMarketResponse(out core.CoreOutput) MarketResponse {
	s := out.Summary
	return MarketResponse{
		Slab:                  s.Slab.String(),
		Slot:                  s.Slot,
		Admin:                 s.Admin.String(),
		Nonce:                 s.Nonce,
		Inverted:              s.Inverted,
		Hyperp:                s.Hyperp,
		MarkPrice:             priceString(s.DisplayMarkE6),
		IndexPrice:            priceString(s.DisplayIndexE6),
		MarkPriceE6:           s.MarkPriceE6,
		IndexPriceE6:          s.IndexPriceE6,
		FundingBpsPerSlot:     s.FundingBpsSlot,
		FundingBpsPerHour:     bigString(s.FundingBpsHour),
		OpenInterest:          bigString(s.OpenInterest),
		Vault:                 s.Vault,
		InsuranceBalance:      bigString(s.Insurance),
		InsuranceFees:         bigString(s.InsuranceFees),
		Crank:                 CrankResponse(s.Crank),
		Capacity:              s.Capacity,
		UsedAccounts:          s.UsedAccounts,
		Users:                 s.Users,
		LPs:                   s.LPs,
		OpenPositions:         s.OpenPositions,
		TotalCapital:          bigString(s.TotalCapital),
		LongExposure:          bigString(s.LongExposure),
		ShortExposure:         bigString(s.ShortExposure),
		LiquidationCandidates: len(out.Liquidations),
		AsOfSequence:          out.Sequence,
		StateHash:             hex.EncodeToString(out.StateHash[:]),
		FetchedAt:             out.FetchedAt,
	}
}

func accountResponse(v state.PositionView, inverted bool, sequence int64) AccountResponse {
	a := AccountResponse{
		Index:            v.Index,
		Owner:            v.Owner.String(),
		AccountID:        v.AccountID,
		Kind:             v.Kind.String(),
		Side:             v.Side.String(),
		Size:             bigString(v.Size),
		Capital:          v.Capital,
		EntryPrice:       priceString(v.DisplayEntryPriceE6),
		MarkPrice:        priceString(v.DisplayMarkPriceE6),
		EntryPriceE6:     v.EntryPriceE6,
		UnrealizedPnL:    bigString(v.UnrealizedPnL),
		EffectiveCapital: bigString(v.EffectiveCapital),
		Notional:         bigString(v.Notional),
		MarginRatio:      v.MarginRatio.String(),
		Leverage:         v.Leverage.String(),
		MarginStatus:     v.Status.String(),
		AsOfSequence:     sequence,
	}
	if v.DisplayLiquidationPriceE6 != nil {
		p := priceString(v.DisplayLiquidationPriceE6)
		a.LiquidationPrice = &p
	}
	if v.Matcher != nil {
		a.Matcher = &MatcherResponse{
			Program: v.Matcher.Program.String(),
			Context: v.Matcher.Context.String(),
		}
	}
	return a
}

// priceString renders an e6 price as a decimal; unset prices render "0".
func priceString(e6 *big.Int) string {
	if e6 == nil {
		return "0"
	}
	return fpmath.E6ToDecimal(e6).String()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func toHash(b []byte) [32]byte {
	var h [32]byte
	copy(h[:], b)
	return h
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}

