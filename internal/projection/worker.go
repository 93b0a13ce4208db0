package projection

import (
	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/observability"
	"Percolator/internal/persistence"
	"Percolator/internal/slab"
	"Percolator/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/lib/pq"
)

// AccountRow is one row of projections.accounts_current. Unsigned and
// 128-bit figures are decimal strings so NUMERIC columns keep them exact.
type AccountRow struct {
	Slab         string
	Index        int
	Owner        string
	AccountID    string
	Kind         string
	Capital      string
	PositionSize string
	EntryPriceE6 string
	Side         string
	MarginStatus string
	MarginRatio  string
	Slot         int64
	Sequence     int64
}

// AccountRows renders the occupied slots of a snapshot.
func AccountRows(slabKey solana.PublicKey, slot uint64, sequence int64, views []state.PositionView) []AccountRow {
	rows := make([]AccountRow, 0, len(views))
	for _, v := range views {
		rows = append(rows, AccountRow{
			Slab:         slabKey.String(),
			Index:        v.Index,
			Owner:        v.Owner.String(),
			AccountID:    strconv.FormatUint(v.AccountID, 10),
			Kind:         v.Kind.String(),
			Capital:      strconv.FormatUint(v.Capital, 10),
			PositionSize: v.Size.String(),
			EntryPriceE6: strconv.FormatUint(v.EntryPriceE6, 10),
			Side:         v.Side.String(),
			MarginStatus: v.Status.String(),
			MarginRatio:  v.MarginRatio.String(),
			Slot:         int64(slot),
			Sequence:     sequence,
		})
	}
	return rows
}

// ProjectionWorker updates projection tables from processor outputs.
// The projection channel is non-blocking with drop; if projections fall
// behind they are rebuilt from checkpoints and the archived event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	funding   *FundingHistoryProjection
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	funding *FundingHistoryProjection,
	metrics *observability.Metrics,
) *ProjectionWorker {
	if funding == nil {
		funding = NewFundingHistoryProjection(0)
	}
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		funding:   funding,
		metrics:   metrics,
		lastSeq:   -1,
	}
}

// Funding returns the in-memory funding history the worker maintains.
func (pw *ProjectionWorker) Funding() *FundingHistoryProjection {
	return pw.funding
}

// LastSequence returns the last snapshot sequence applied, or -1.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				if pw.metrics != nil {
					pw.metrics.ProjectionErrors.WithLabelValues("all").Inc()
				}
				// Projections are eventually consistent and can be rebuilt.
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	if pw.db == nil {
		pw.applyFunding(output.Events, output.Sequence)
		return nil
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	start := time.Now()
	rows := AccountRows(output.Slab, output.Slot, output.Sequence, output.Positions)
	if err := syncAccounts(ctx, tx, output.Slab.String(), rows); err != nil {
		return fmt.Errorf("accounts projection: %w", err)
	}
	pw.observe("accounts", start)

	start = time.Now()
	for _, entry := range pw.applyFunding(output.Events, output.Sequence) {
		if err := insertFunding(ctx, tx, entry); err != nil {
			return fmt.Errorf("funding projection: %w", err)
		}
	}
	pw.observe("funding", start)

	start = time.Now()
	if err := applyLiquidations(ctx, tx, output.Events, output.Sequence); err != nil {
		return fmt.Errorf("liquidation projection: %w", err)
	}
	pw.observe("liquidations", start)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) applyFunding(events []event.Event, sequence int64) []FundingHistoryEntry {
	var out []FundingHistoryEntry
	for _, evt := range events {
		c, ok := evt.(*event.CrankAdvanced)
		if !ok {
			continue
		}
		if entry, ok := pw.funding.Apply(c, sequence); ok {
			out = append(out, entry)
		}
	}
	return out
}

func (pw *ProjectionWorker) observe(projection string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(projection).Observe(time.Since(start).Seconds())
	}
}

// syncAccounts replaces a slab's rows with the current occupied slots.
func syncAccounts(ctx context.Context, tx *sql.Tx, slabKey string, rows []AccountRow) error {
	indices := make([]int64, 0, len(rows))
	for _, r := range rows {
		indices = append(indices, int64(r.Index))
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM projections.accounts_current
		WHERE slab = $1 AND NOT (idx = ANY($2))
	`, slabKey, pq.Array(indices)); err != nil {
		return err
	}

	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.accounts_current
				(slab, idx, owner, account_id, kind, capital, position_size, entry_price_e6,
				 side, margin_status, margin_ratio, slot, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
			ON CONFLICT (slab, idx) DO UPDATE SET
				owner = EXCLUDED.owner,
				account_id = EXCLUDED.account_id,
				kind = EXCLUDED.kind,
				capital = EXCLUDED.capital,
				position_size = EXCLUDED.position_size,
				entry_price_e6 = EXCLUDED.entry_price_e6,
				side = EXCLUDED.side,
				margin_status = EXCLUDED.margin_status,
				margin_ratio = EXCLUDED.margin_ratio,
				slot = EXCLUDED.slot,
				last_sequence = EXCLUDED.last_sequence,
				updated_at = NOW()
			WHERE projections.accounts_current.last_sequence <= EXCLUDED.last_sequence
		`, r.Slab, r.Index, r.Owner, r.AccountID, r.Kind, r.Capital, r.PositionSize, r.EntryPriceE6,
			r.Side, r.MarginStatus, r.MarginRatio, r.Slot, r.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func insertFunding(ctx context.Context, tx *sql.Tx, e FundingHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.funding_history
			(slab, last_crank_slot, slot, rate_bps_per_slot, rate_bps_per_hour,
			 funding_index_qpb_e6, index_delta, slots_elapsed, mark_price_e6, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (slab, last_crank_slot) DO NOTHING
	`, e.Slab, int64(e.LastCrankSlot), int64(e.Slot), e.RateBpsPerSlot, e.RateBpsPerHour.String(),
		e.FundingIndexQpbE6.String(), e.IndexDelta.String(), int64(e.SlotsElapsed),
		strconv.FormatUint(e.MarkPriceE6, 10), e.Sequence)
	return err
}

func applyLiquidations(ctx context.Context, tx *sql.Tx, events []event.Event, sequence int64) error {
	for _, evt := range events {
		switch e := evt.(type) {
		case *event.LiquidationTriggered:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.liquidation_history
					(liquidation_id, slab, idx, owner, triggered_slot, margin_ratio_bps,
					 deficit, insurance_covered, last_sequence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (liquidation_id) DO NOTHING
			`, e.LiquidationID, e.Market, e.Index, e.Owner, int64(e.Slot),
				bigString(e.MarginRatioBps), bigString(e.Deficit), bigString(e.InsuranceCovered),
				sequence); err != nil {
				return err
			}
		case *event.LiquidationCleared:
			if _, err := tx.ExecContext(ctx, `
				UPDATE projections.liquidation_history
				SET cleared_slot = $2, last_sequence = $3
				WHERE liquidation_id = $1 AND cleared_slot IS NULL
			`, e.LiquidationID, int64(e.Slot), sequence); err != nil {
				return err
			}
		}
	}
	return nil
}

// RebuildProjections rebuilds all projection tables. Current accounts come
// from the latest checkpoint of each slab; funding and liquidation history
// are replayed from the archived event log.
func RebuildProjections(ctx context.Context, db *sql.DB, funding *FundingHistoryProjection) error {
	truncateStatements := []string{
		`TRUNCATE projections.accounts_current`,
		`TRUNCATE projections.funding_history`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	if funding == nil {
		funding = NewFundingHistoryProjection(0)
	}
	funding.Reset()

	sm := persistence.NewSnapshotManager(db)
	checkpoints, err := sm.LoadCheckpoints(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var watermark int64 = -1
	for _, cp := range checkpoints {
		key, err := solana.PublicKeyFromBase58(cp.Slab)
		if err != nil {
			return fmt.Errorf("checkpoint %s: %w", cp.Slab, err)
		}
		snap, err := slab.Parse(cp.Data)
		if err != nil {
			return fmt.Errorf("checkpoint %s: %w", cp.Slab, err)
		}
		rows := AccountRows(key, cp.Slot, cp.Sequence, state.PositionViews(snap))
		if err := syncAccounts(ctx, tx, cp.Slab, rows); err != nil {
			return fmt.Errorf("rebuild accounts %s: %w", cp.Slab, err)
		}
		watermark = max(watermark, cp.Sequence)
	}

	const page = 1000
	var from int64
	for {
		rows, err := sm.LoadEventsFrom(ctx, from, page)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, r := range rows {
			et, ok := event.ParseEventType(r.EventType)
			if !ok {
				continue
			}
			switch et {
			case event.EventTypeCrankAdvanced, event.EventTypeLiquidationTriggered, event.EventTypeLiquidationCleared:
			default:
				continue
			}
			evt, err := event.Decode(et, r.Payload)
			if err != nil {
				return fmt.Errorf("event %d: %w", r.Sequence, err)
			}
			if c, ok := evt.(*event.CrankAdvanced); ok {
				if entry, ok := funding.Apply(c, r.SnapshotSequence); ok {
					if err := insertFunding(ctx, tx, entry); err != nil {
						return err
					}
				}
				continue
			}
			if err := applyLiquidations(ctx, tx, []event.Event{evt}, r.SnapshotSequence); err != nil {
				return err
			}
		}
		if len(rows) < page {
			break
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	if watermark >= 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ('main', $1, NOW())
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
		`, watermark); err != nil {
			return fmt.Errorf("watermark update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("INFO: projection rebuild complete (%d markets)", len(checkpoints))
	return nil
}

// LoadWatermark returns the last snapshot sequence the projections reflect,
// or -1 when they are empty.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
