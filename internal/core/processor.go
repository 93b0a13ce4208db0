package core

import (
	"Percolator/internal/event"
	"Percolator/internal/observability"
	"Percolator/internal/slab"
	"Percolator/internal/state"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ErrInvalidSnapshot wraps every decode failure of an inbound snapshot.
// Callers terminate such messages instead of redelivering them.
var ErrInvalidSnapshot = errors.New("invalid slab snapshot")

// CoreOutput is everything derived from one accepted snapshot.
type CoreOutput struct {
	Sequence  int64
	Slab      solana.PublicKey
	Slot      uint64
	FetchedAt time.Time
	Raw       []byte

	ContentHash [32]byte
	StateHash   [32]byte
	PrevHash    [32]byte

	Snapshot     *slab.Snapshot
	Summary      state.MarketSummary
	Positions    []state.PositionView
	Liquidations []state.LiquidationCandidate
	Funding      *state.FundingSnapshot

	Events    []event.Event
	Envelopes []*event.EventEnvelope
}

// SnapshotProcessor is the single-threaded pipeline that turns raw slab
// snapshots into decoded market state and a diff event stream.
type SnapshotProcessor struct {
	sequence      int64
	eventSequence int64

	hasher       *StateHasher
	sequencer    *SlotSequencer
	deduper      *SnapshotDeduper
	funding      *state.FundingManager
	liquidations *state.LiquidationManager

	latest  map[solana.PublicKey]*slab.Snapshot
	metrics *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewSnapshotProcessor(
	startSequence, startEventSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBSnapshotChecker,
	lruCapacity int,
	metrics *observability.Metrics,
) *SnapshotProcessor {
	return &SnapshotProcessor{
		sequence:       startSequence,
		eventSequence:  startEventSequence,
		hasher:         NewStateHasher(),
		sequencer:      NewSlotSequencer(),
		deduper:        NewSnapshotDeduper(lruCapacity, dbChecker),
		funding:        state.NewFundingManager(),
		liquidations:   state.NewLiquidationManager(),
		latest:         make(map[solana.PublicKey]*slab.Snapshot),
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// ProcessSnapshot is the main processing pipeline. Stale and duplicate
// snapshots are dropped without error; undecodable ones return an error
// wrapping ErrInvalidSnapshot and leave all state untouched.
func (p *SnapshotProcessor) ProcessSnapshot(in *event.SlabSnapshot) error {
	start := time.Now()
	if in == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}

	// Step 1: slot ordering
	decision, gap := p.sequencer.Check(in.Slab, in.Slot)
	if decision == SlotStale {
		p.sequencer.RecordStale(in.Slab)
		p.recordOutcome("stale")
		return nil
	}

	// Step 2: dedup (LRU, then archive)
	archiveHits := p.deduper.Metrics().ArchiveHits
	if p.deduper.IsDuplicate(in.Slab, in.Slot) {
		p.recordOutcome("duplicate")
		if p.metrics != nil {
			tier := "lru"
			if p.deduper.Metrics().ArchiveHits > archiveHits {
				tier = "archive"
			}
			p.metrics.DedupDuplicates.WithLabelValues(tier).Inc()
		}
		return nil
	}

	// Step 3: decode
	snap, err := slab.Parse(in.Data)
	if err != nil {
		p.recordOutcome("invalid")
		return fmt.Errorf("%w: slab %s slot %d: %w", ErrInvalidSnapshot, in.Slab, in.Slot, err)
	}

	p.sequencer.Advance(in.Slab, in.Slot, gap)
	if gap > 0 && p.metrics != nil {
		p.metrics.SlotGaps.WithLabelValues(in.Slab.String()).Add(float64(gap))
	}

	// Step 4: derive events
	market := in.Slab.String()
	prev := p.latest[in.Slab]

	var events []event.Event
	if marketChanged(prev, snap) {
		events = append(events, newMarketUpdated(market, in.Slot, snap))
	}

	prevFunding, hadFunding := p.funding.GetFundingSnapshot(in.Slab)
	var prevCrank uint64
	if hadFunding {
		prevCrank = prevFunding.LastCrankSlot
	}
	funding, advanced := p.funding.Observe(
		in.Slab,
		in.Slot,
		snap.Engine.FundingRateBpsPerSlot,
		snap.Engine.FundingIndexQpbE6,
		snap.Config.MarkPriceE6,
		snap.Engine.LastCrankSlot,
	)
	if hadFunding && advanced {
		events = append(events, &event.CrankAdvanced{
			Market:                market,
			Slot:                  in.Slot,
			PrevCrankSlot:         prevCrank,
			LastCrankSlot:         funding.LastCrankSlot,
			FundingRateBpsPerSlot: funding.RateBpsPerSlot,
			FundingRateBpsPerHour: copyBig(funding.RateBpsPerHour),
			FundingIndexQpbE6:     copyBig(funding.FundingIndexQpbE6),
			MarkPriceE6:           funding.MarkPriceE6,
		})
	}

	events = append(events, diffAccounts(market, in.Slot, prev, snap)...)

	candidates := state.ScanLiquidations(snap)
	events = append(events, p.liquidationEvents(in.Slab, in.Slot, candidates)...)

	// Step 5: hash chain
	contentHash := ContentHash(in.Data)
	prevHash := p.hasher.GetPrevHash()
	stateHash := p.hasher.ComputeHash(p.sequence, SnapshotDigest(in.Slab, in.Slot, contentHash, len(events)))

	// Step 6: envelopes
	envelopes := make([]*event.EventEnvelope, 0, len(events))
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			// Event payloads are plain structs; a marshal failure is a bug.
			panic(fmt.Sprintf("FATAL: marshal %s: %v", evt.EventType(), err))
		}
		envelopes = append(envelopes, &event.EventEnvelope{
			Sequence:         p.eventSequence,
			SnapshotSequence: p.sequence,
			IdempotencyKey:   evt.IdempotencyKey(),
			EventType:        evt.EventType(),
			MarketID:         evt.MarketID(),
			Slot:             in.Slot,
			Timestamp:        in.FetchedAt,
			SourceSequence:   evt.SourceSequence(),
			Payload:          payload,
			StateHash:        stateHash,
			PrevHash:         prevHash,
		})
		p.eventSequence++
	}

	output := CoreOutput{
		Sequence:     p.sequence,
		Slab:         in.Slab,
		Slot:         in.Slot,
		FetchedAt:    in.FetchedAt,
		Raw:          in.Data,
		ContentHash:  contentHash,
		StateHash:    stateHash,
		PrevHash:     prevHash,
		Snapshot:     snap,
		Summary:      state.Summarize(in.Slab, in.Slot, snap),
		Positions:    state.PositionViews(snap),
		Liquidations: candidates,
		Funding:      funding,
		Events:       events,
		Envelopes:    envelopes,
	}
	p.sequence++
	p.latest[in.Slab] = snap

	// Step 7: emit. Persistence is a blocking send so nothing is lost when
	// the writer falls behind; projections drop and rebuild from checkpoints.
	select {
	case p.persistChan <- output:
	default:
		if p.metrics != nil {
			p.metrics.PersistBackpressure.Inc()
		}
		p.persistChan <- output
	}
	select {
	case p.projectionChan <- output:
	default:
		if p.metrics != nil {
			p.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
		}
	}

	// Step 8: mark processed
	p.deduper.MarkProcessed(in.Slab, in.Slot)

	p.recordOutcome("applied")
	if p.metrics != nil {
		p.recordMarketMetrics(output, time.Since(start))
	}
	return nil
}

// liquidationEvents reconciles candidates with open episodes. Cleared
// episodes are reported before new ones.
func (p *SnapshotProcessor) liquidationEvents(
	slabKey solana.PublicKey,
	slot uint64,
	candidates []state.LiquidationCandidate,
) []event.Event {
	started, ended := p.liquidations.Update(slabKey, slot, candidates)
	market := slabKey.String()

	byIndex := make(map[int]state.LiquidationCandidate, len(candidates))
	for _, c := range candidates {
		byIndex[c.Index] = c
	}

	events := make([]event.Event, 0, len(started)+len(ended))
	for _, liq := range ended {
		events = append(events, &event.LiquidationCleared{
			LiquidationID: liq.LiquidationID,
			Market:        market,
			Slot:          slot,
			Index:         liq.Index,
			Owner:         liq.Owner.String(),
			TriggeredSlot: liq.TriggeredSlot,
		})
	}
	for _, liq := range started {
		c := byIndex[liq.Index]
		events = append(events, &event.LiquidationTriggered{
			LiquidationID:    liq.LiquidationID,
			Market:           market,
			Slot:             slot,
			Index:            liq.Index,
			Owner:            liq.Owner.String(),
			MarginRatioBps:   copyBig(c.MarginRatioBps),
			Deficit:          copyBig(c.Deficit),
			InsuranceCovered: copyBig(c.InsuranceCovered),
		})
	}

	if p.metrics != nil {
		p.metrics.LiquidationTriggered.WithLabelValues(market).Add(float64(len(started)))
		p.metrics.LiquidationCleared.WithLabelValues(market).Add(float64(len(ended)))
	}
	return events
}

func (p *SnapshotProcessor) recordOutcome(outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.SnapshotsProcessed.WithLabelValues(outcome).Inc()
}

func (p *SnapshotProcessor) recordMarketMetrics(out CoreOutput, elapsed time.Duration) {
	market := out.Slab.String()
	m := p.metrics

	m.SnapshotProcessDuration.Observe(elapsed.Seconds())
	m.SnapshotSequence.Set(float64(out.Sequence))
	m.SnapshotSizeBytes.WithLabelValues(market).Set(float64(len(out.Raw)))
	m.LastSlot.WithLabelValues(market).Set(float64(out.Slot))
	for _, evt := range out.Events {
		m.EventsEmitted.WithLabelValues(evt.EventType().String()).Inc()
	}

	m.LiquidationCandidates.WithLabelValues(market).Set(float64(len(out.Liquidations)))
	insurance, _ := out.Summary.Insurance.Float64()
	m.InsuranceBalance.WithLabelValues(market).Set(insurance)
	oi, _ := out.Summary.OpenInterest.Float64()
	m.OpenInterest.WithLabelValues(market).Set(oi)
	m.FundingRateBpsSlot.WithLabelValues(market).Set(float64(out.Summary.FundingBpsSlot))
	stale := 0.0
	if out.Summary.Crank.Stale {
		stale = 1
	}
	m.CrankStale.WithLabelValues(market).Set(stale)

	m.DedupLRUSize.Set(float64(p.deduper.Size()))
	m.DedupLRUEvictions.Set(float64(p.deduper.lru.Evictions()))
	if !out.FetchedAt.IsZero() {
		m.FetchLag.Observe(time.Since(out.FetchedAt).Seconds())
	}
}

// RestoreMarket seeds per-slab state from a checkpoint without emitting
// events. Open liquidation episodes are re-derived and receive new IDs. The
// returned output carries the decoded views of the checkpoint so read models
// can serve the market before its next snapshot arrives.
func (p *SnapshotProcessor) RestoreMarket(slabKey solana.PublicKey, sequence int64, slot uint64, data []byte) (CoreOutput, error) {
	snap, err := slab.Parse(data)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("%w: restore %s slot %d: %w", ErrInvalidSnapshot, slabKey, slot, err)
	}
	p.latest[slabKey] = snap
	p.sequencer.Restore(slabKey, slot)
	funding, _ := p.funding.Observe(
		slabKey,
		slot,
		snap.Engine.FundingRateBpsPerSlot,
		snap.Engine.FundingIndexQpbE6,
		snap.Config.MarkPriceE6,
		snap.Engine.LastCrankSlot,
	)
	candidates := state.ScanLiquidations(snap)
	p.liquidations.Update(slabKey, slot, candidates)
	p.deduper.MarkProcessed(slabKey, slot)

	return CoreOutput{
		Sequence:     sequence,
		Slab:         slabKey,
		Slot:         slot,
		Raw:          data,
		ContentHash:  ContentHash(data),
		Snapshot:     snap,
		Summary:      state.Summarize(slabKey, slot, snap),
		Positions:    state.PositionViews(snap),
		Liquidations: candidates,
		Funding:      funding,
	}, nil
}

// RestoreChain sets the next sequences and the chain tip after recovery.
func (p *SnapshotProcessor) RestoreChain(nextSequence, nextEventSequence int64, tip [32]byte) {
	p.sequence = nextSequence
	p.eventSequence = nextEventSequence
	p.hasher.SetPrevHash(tip)
}

// WarmDedup preloads processed snapshot keys.
func (p *SnapshotProcessor) WarmDedup(keys []string) {
	p.deduper.Warm(keys)
}

// GetSequence returns the sequence the next accepted snapshot will get.
func (p *SnapshotProcessor) GetSequence() int64 {
	return p.sequence
}

// GetEventSequence returns the sequence the next derived event will get.
func (p *SnapshotProcessor) GetEventSequence() int64 {
	return p.eventSequence
}

// GetStateHash returns the current chain tip.
func (p *SnapshotProcessor) GetStateHash() [32]byte {
	return p.hasher.GetPrevHash()
}

// LastSlot returns the last accepted slot for a slab.
func (p *SnapshotProcessor) LastSlot(slabKey solana.PublicKey) (uint64, bool) {
	return p.sequencer.LastSlot(slabKey)
}

// Latest returns the last accepted decoded snapshot for a slab.
func (p *SnapshotProcessor) Latest(slabKey solana.PublicKey) (*slab.Snapshot, bool) {
	snap, ok := p.latest[slabKey]
	return snap, ok
}

// ActiveLiquidations returns the number of open liquidation episodes.
func (p *SnapshotProcessor) ActiveLiquidations() int {
	return p.liquidations.ActiveCount()
}

// SequenceMetrics exposes per-slab gap and stale counters.
func (p *SnapshotProcessor) SequenceMetrics() *SequenceMetrics {
	return p.sequencer.Metrics()
}

// DedupMetrics exposes dedup counters.
func (p *SnapshotProcessor) DedupMetrics() DedupMetrics {
	return p.deduper.Metrics()
}
