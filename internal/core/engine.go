package core

import (
	"fmt"
	"time"

	"IrmaLedger/internal/event"
	"IrmaLedger/internal/ledger"
	"IrmaLedger/internal/observability"
	"IrmaLedger/internal/state"

	"github.com/rs/zerolog"
)

// CoreConfig holds the replicated parameters of the state transition. Every
// replica replaying the same log must run with the same values.
type CoreConfig struct {
	Precision              ledger.PrecisionTable
	Bump                   uint8
	Redemption             state.RedemptionParams
	Oracle                 state.OracleParams
	SplitStrategy          string
	IdempotencyLRUCapacity int
}

func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Precision:              ledger.DefaultPrecisions(),
		Redemption:             state.DefaultRedemptionParams,
		Oracle:                 state.DefaultOracleParams,
		SplitStrategy:          state.SplitLinear,
		IdempotencyLRUCapacity: 1_000_000,
	}
}

// DeterministicCore is the single-threaded event processor
type DeterministicCore struct {
	sequence          int64 // next sequence to assign
	hasher            *StateHasher
	reserves          *ledger.ReserveTracker
	redemptions       *state.RedemptionEngine
	oracle            state.OracleParams
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	// replaying suppresses emission and the tier-2 dedup lookup while the
	// core re-applies events that are already in the log.
	replaying bool
}

// CoreOutput is everything downstream needs to know about one decided event.
// Exactly one of Batch != nil, Rejection != "" or a no-op holds.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
	Batch    *ledger.Batch // nil when state did not change

	Mint       *state.MintResult
	Redemption *state.Redemption

	// Rejection is the ledger error code of a deterministic domain rejection
	Rejection    string
	RejectReason string

	// Ledger is the full state after the event
	Ledger ledger.State
}

func (o *CoreOutput) Rejected() bool {
	return o.Rejection != ""
}

func NewDeterministicCore(
	cfg CoreConfig,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (*DeterministicCore, error) {
	if err := state.ValidateRedemptionParams(cfg.Redemption); err != nil {
		return nil, fmt.Errorf("redemption params: %w", err)
	}
	if err := state.ValidateOracleParams(cfg.Oracle); err != nil {
		return nil, fmt.Errorf("oracle params: %w", err)
	}
	strategy, err := state.ParseSplitStrategy(cfg.SplitStrategy, cfg.Redemption)
	if err != nil {
		return nil, err
	}

	return &DeterministicCore{
		sequence:          1,
		hasher:            NewStateHasher(),
		reserves:          ledger.NewReserveTracker(cfg.Precision, cfg.Bump),
		redemptions:       state.NewRedemptionEngine(cfg.Redemption, strategy),
		oracle:            cfg.Oracle,
		idempotency:       NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, dbChecker, metrics, log),
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		log:               log,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// ProcessEvent runs one event through the pipeline. It returns (nil, nil) for
// duplicates and stale oracle readings. Domain rejections are not errors: they
// are sequenced, hashed and emitted with Rejection set. An error means the event
// was not decided and may be retried.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*CoreOutput, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	partition := evt.Partition()
	sourceSequence := evt.SourceSequence()

	// Step 1: idempotency (two-tier)
	var isDuplicate bool
	if c.replaying {
		isDuplicate = c.idempotency.IsDuplicateInMemory(eventType, idempotencyKey)
	} else {
		isDuplicate = c.idempotency.IsDuplicate(eventType, idempotencyKey)
	}

	// Step 2: source ordering
	fresh, err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, isDuplicate)
	if err != nil {
		c.countRejected(eventType, "sequence")
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}
	if isDuplicate {
		c.countRejected(eventType, "duplicate")
		return nil, nil
	}
	if !fresh {
		c.countRejected(eventType, "stale")
		return nil, nil
	}

	// Step 3: dispatch and apply
	ref := ledger.EventRef{
		Key:       idempotencyKey,
		Sequence:  c.sequence,
		Timestamp: evt.TimestampMicros(),
	}
	output := &CoreOutput{Event: evt}

	batch, err := c.dispatchEvent(evt, ref, output)
	if err == nil && batch != nil {
		err = c.reserves.ApplyBatch(batch)
	}
	if err != nil {
		code := ledger.ErrorCode(err)
		if code == ledger.CodeInternal {
			c.countRejected(eventType, "internal")
			return nil, fmt.Errorf("event %s %s rejected: %w", eventType, idempotencyKey, err)
		}
		output.Batch = nil
		output.Mint = nil
		output.Redemption = nil
		output.Rejection = code
		output.RejectReason = err.Error()
		c.countRejected(eventType, code)
		c.log.Info().
			Str("event_type", eventType).
			Str("key", idempotencyKey).
			Str("code", code).
			Err(err).
			Msg("event rejected")
	} else {
		output.Batch = batch
	}

	// Step 4: hash chain and envelope
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, c.reserves.Digest())

	output.Envelope = &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		Timestamp:      time.UnixMicro(evt.TimestampMicros()).UTC(),
		SourceSequence: sourceSequence,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output.Ledger = c.reserves.Snapshot()

	c.sequence++
	c.sequenceValidator.Advance(partition, sourceSequence)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	// Step 5: emit. Persistence blocks (backpressure); projections drop when full
	// and catch up from the event log.
	if c.persistChan != nil && !c.replaying {
		c.persistChan <- *output
	}
	if c.projectionChan != nil && !c.replaying {
		select {
		case c.projectionChan <- *output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}

	c.recordApplied(eventType, output, start)
	return output, nil
}

// dispatchEvent routes evt to its handler. Only an initialize is accepted before
// genesis.
func (c *DeterministicCore) dispatchEvent(evt event.Event, ref ledger.EventRef, out *CoreOutput) (*ledger.Batch, error) {
	if _, ok := evt.(*event.LedgerInitialize); !ok && !c.reserves.Initialized() {
		return nil, fmt.Errorf("%w: %s before initialize", ledger.ErrNotInitialized, evt.EventType())
	}

	switch e := evt.(type) {
	case *event.LedgerInitialize:
		return c.handleLedgerInitialize(e, ref)
	case *event.MintPriceSet:
		return c.handleMintPriceSet(e, ref)
	case *event.IrmaBought:
		return c.handleIrmaBought(e, ref, out)
	case *event.IrmaSold:
		return c.handleIrmaSold(e, ref, out)
	case *event.OracleInflationReported:
		return c.handleOracleInflation(e, ref)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// handleLedgerInitialize resets every slot to genesis values. A second
// initialize is accepted and changes nothing.
func (c *DeterministicCore) handleLedgerInitialize(_ *event.LedgerInitialize, ref ledger.EventRef) (*ledger.Batch, error) {
	if c.reserves.Initialized() {
		return nil, nil
	}
	return ledger.GenerateGenesis(ref), nil
}

func (c *DeterministicCore) handleMintPriceSet(evt *event.MintPriceSet, ref ledger.EventRef) (*ledger.Batch, error) {
	a, err := ledger.ParseAsset(evt.Asset)
	if err != nil {
		return nil, err
	}
	if err := state.ValidatePriceSet(c.reserves, a, evt.Price); err != nil {
		return nil, err
	}
	return ledger.GeneratePriceSet(ref, a, evt.Price), nil
}

func (c *DeterministicCore) handleIrmaBought(evt *event.IrmaBought, ref ledger.EventRef, out *CoreOutput) (*ledger.Batch, error) {
	a, err := ledger.ParseAsset(evt.QuoteToken)
	if err != nil {
		return nil, err
	}
	res, err := state.ComputeMint(c.reserves, a, evt.Amount)
	if err != nil {
		return nil, err
	}
	out.Mint = &res
	return ledger.GenerateMint(ref, res.Asset, res.ReserveIn, res.SupplyOut)
}

// handleIrmaSold plans the redemption against the pre-event state. A no-op plan
// (nothing priced) produces no batch but is still sequenced.
func (c *DeterministicCore) handleIrmaSold(evt *event.IrmaSold, ref ledger.EventRef, out *CoreOutput) (*ledger.Batch, error) {
	q, err := ledger.ParseAsset(evt.QuoteToken)
	if err != nil {
		return nil, err
	}
	plan, err := c.redemptions.Plan(c.reserves, q, evt.IrmaAmount)
	if err != nil {
		return nil, err
	}
	out.Redemption = plan
	if plan.Path == state.PathNoop {
		return nil, nil
	}
	return ledger.GenerateRedemption(ref, plan.Quote, plan.ReserveOut, plan.Burns), nil
}

func (c *DeterministicCore) handleOracleInflation(evt *event.OracleInflationReported, ref ledger.EventRef) (*ledger.Batch, error) {
	a, err := ledger.ParseAsset(evt.Asset)
	if err != nil {
		return nil, err
	}
	price := state.DeriveMintPrice(c.oracle, evt.InflationPercent, evt.ReferencePriceUSD)
	if err := state.ValidatePriceSet(c.reserves, a, price); err != nil {
		return nil, err
	}
	return ledger.GeneratePriceSet(ref, a, price), nil
}

func (c *DeterministicCore) countRejected(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordApplied(eventType string, out *CoreOutput, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence - 1))
	if out.Rejected() {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()

	if out.Mint != nil {
		c.metrics.MintedSupply.WithLabelValues(out.Mint.Asset.String()).Add(float64(out.Mint.SupplyOut))
	}
	if r := out.Redemption; r != nil {
		c.metrics.Redemptions.WithLabelValues(r.Regime.String(), r.Path.String()).Inc()
		for _, b := range r.Burns {
			c.metrics.RedeemedSupply.WithLabelValues(b.Asset.String()).Add(float64(b.Amount))
		}
	}
	if out.Batch == nil {
		return
	}
	for _, e := range out.Batch.Entries {
		c.metrics.CoreEntries.WithLabelValues(e.EntryType.String()).Inc()
	}
	for _, a := range out.Batch.Touched() {
		c.publishAssetGauges(a)
	}
}

func (c *DeterministicCore) publishAssetGauges(a ledger.AssetID) {
	if !c.reserves.Enabled(a) {
		return
	}
	st := c.reserves.Snapshot()
	rp, err := c.reserves.RedemptionPrice(a)
	if err != nil {
		return
	}
	c.metrics.SetAssetState(a.String(), st.Reserve[a], st.Circulation[a], st.MintPrice[a], rp)
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state of the core
type SnapshotState struct {
	Sequence        int64 // last processed sequence
	StateHash       [32]byte
	Ledger          ledger.State
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state. Events after
// snap.Sequence are then replayed from the log.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.reserves.Restore(snap.Ledger); err != nil {
		return err
	}
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.WarmLRU(snap.IdempotencyKeys)

	if c.metrics != nil {
		for _, a := range ledger.AllAssets() {
			c.publishAssetGauges(a)
		}
		c.metrics.CoreSequence.Set(float64(snap.Sequence))
	}
	return nil
}

// SetReplaying switches replay mode. While replaying, decided events are not
// emitted downstream and deduplication only consults the in-memory tier.
func (c *DeterministicCore) SetReplaying(replaying bool) {
	c.replaying = replaying
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence to be assigned.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// ExpectedSourceSequence returns the next source sequence the partition accepts.
// Only safe before the loop starts or from the loop goroutine.
func (c *DeterministicCore) ExpectedSourceSequence(partition string) int64 {
	return c.sequenceValidator.GetExpectedSequence(partition)
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Ledger returns a copy of the current ledger state.
func (c *DeterministicCore) Ledger() ledger.State {
	return c.reserves.Snapshot()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Ledger:          c.reserves.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
