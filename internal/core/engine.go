package core

import (
	"SerpLedger/internal/event"
	"SerpLedger/internal/ledger"
	"SerpLedger/internal/observability"
	"SerpLedger/internal/serp"
	"SerpLedger/internal/state"
	"fmt"
	"sort"
	"time"
)

// DeterministicCore is the single-threaded event processor
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	ledger            *ledger.Ledger
	recorder          *ledger.Recorder
	validator         *ledger.ConservationValidator
	priceTracker      *state.PriceTracker
	paramsManager     *state.ParamsManager
	adjustments       *state.AdjustmentTracker
	protocol          *serp.Protocol
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event // the typed event, for wire re-serialization
	Batch      *ledger.Batch
	Outcome    *serp.TickOutcome // non-nil for applied or skipped ticks
	StateDelta []byte
}

func NewDeterministicCore(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	lruCapacity int,
	metrics *observability.Metrics,
) *DeterministicCore {
	recorder := ledger.NewRecorder(startSequence)
	book := ledger.NewLedger(recorder)
	validator := ledger.NewConservationValidator(book)
	priceTracker := state.NewPriceTracker()
	paramsManager := state.NewParamsManager()

	if lruCapacity <= 0 {
		lruCapacity = 1_000_000
	}
	idempotencyChecker := NewIdempotencyChecker(lruCapacity, dbChecker)
	sequenceValidator := NewSequenceValidator()

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		ledger:            book,
		recorder:          recorder,
		validator:         validator,
		priceTracker:      priceTracker,
		paramsManager:     paramsManager,
		adjustments:       state.NewAdjustmentTracker(),
		protocol:          serp.NewProtocol(book, priceTracker, paramsManager),
		idempotency:       idempotencyChecker,
		sequenceValidator: sequenceValidator,
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// SeedParams installs the startup adjustment parameters for a stable
// currency (version 0). Runtime changes arrive as ParamUpdate events.
func (c *DeterministicCore) SeedParams(currency ledger.CurrencyID, p serp.CurrencyParams) error {
	return c.paramsManager.Seed(currency, p)
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Feed partitions (prices, tick epochs,
	// param versions) tolerate gaps and drop stale; command partitions are
	// strict.
	switch e := evt.(type) {
	case *event.PriceUpdate:
		if err := c.sequenceValidator.ValidateMonotonicSequence("price:"+e.Symbol, e.PriceSequence); err != nil {
			return err
		}
	case *event.SerpTick:
		if err := c.sequenceValidator.ValidateMonotonicSequence("tick:"+e.Symbol, e.Epoch); err != nil {
			return err
		}
	case *event.ParamUpdate:
		// Versions are sparse: governance may jump several versions at once.
		// The params manager drops stale versions itself.
		if err := c.sequenceValidator.ValidateMonotonicSequence("params:"+e.Symbol, e.Version); err != nil {
			return err
		}
	default:
		partition := c.getPartition(evt)
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch. The ledger records journal entries into the open
	// batch as mutations land, so the batch is the exact trace of what was
	// applied. Operations validate before their first mutation; a dispatch
	// error therefore aborts with state and journal untouched.
	timestamp := c.getEventTimestamp(evt)
	c.recorder.Begin(idempotencyKey, timestamp.UnixMicro())

	outcome, err := c.dispatchEvent(evt)
	if err != nil {
		c.recorder.Abort()
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "dispatch").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	batch := c.recorder.Finish()

	// Step 4: Validate the batch. Empty batches skip validation (state-only
	// events like PriceUpdate and ParamUpdate produce no entries but still
	// need an envelope in the event log).
	if len(batch.Entries) > 0 {
		if err := c.validator.ValidateBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		// Conservation against live state for every touched currency
		if err := c.validator.ValidateTouched(batch); err != nil {
			panic(fmt.Sprintf("FATAL: conservation violated: %v", err))
		}
	}

	// Periodic full sweep across all registered currencies
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateAll(); err != nil {
			panic(fmt.Sprintf("FATAL: conservation violated: %v", err))
		}
	}

	// Step 5: State digest and hash chain. The previous tip is captured
	// before ComputeHash advances it.
	stateDigest := c.computeStateDigest(batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Currency:       evt.Currency(),
		Timestamp:      timestamp,
		SourceSequence: evt.SourceSequence(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Event:      evt,
		Batch:      batch,
		Outcome:    outcome,
		StateDelta: stateDigest,
	}

	c.sequence++

	// Step 6: Emit outputs. Persistence uses a BLOCKING send — the core
	// stalls until the persistence worker drains, so no event is lost.
	// Projections use a NON-BLOCKING send with drop; workers rebuild from
	// the event log if they fall behind.
	select {
	case c.persistChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.PersistBackpressure.Inc()
		}
		c.persistChan <- output
	}

	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}

	// Step 7: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		for _, entry := range batch.Entries {
			c.metrics.CoreJournals.WithLabelValues(entry.Kind.String()).Inc()
		}
		if outcome != nil {
			c.recordTickMetrics(outcome)
		}
	}

	return nil
}

func (c *DeterministicCore) recordTickMetrics(outcome *serp.TickOutcome) {
	symbol, _ := ledger.GetCurrencySymbol(outcome.Currency)

	result := "applied"
	if !outcome.Applied {
		result = outcome.Skip.String()
	}
	c.metrics.TickOutcomes.WithLabelValues(symbol, result).Inc()

	if outcome.Applied {
		direction := outcome.Direction.String()
		c.metrics.AdjustmentSupply.WithLabelValues(symbol, direction).Add(float64(outcome.SupplyChange))
		c.metrics.AdjustmentNative.WithLabelValues(symbol, direction).Add(float64(outcome.NativeAmount))
		if outcome.UnpaidFee > 0 {
			c.metrics.AdjustmentUnpaidFees.WithLabelValues(symbol).Add(float64(outcome.UnpaidFee))
		}
	}
}

// getPartition determines partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if currency := evt.Currency(); currency != nil {
		return fmt.Sprintf("currency:%s", *currency)
	}
	return "global"
}

// getEventTimestamp extracts the versioned timestamp from an event.
// The core MUST NOT call time.Now(); all timestamps are versioned inputs.
func (c *DeterministicCore) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.PriceUpdate:
		return time.UnixMicro(e.PriceTimestamp)
	case *event.SerpTick:
		return time.UnixMicro(e.Timestamp)
	case *event.DepositRequested:
		return e.Timestamp
	case *event.WithdrawalRequested:
		return e.Timestamp
	case *event.TransferRequested:
		return e.Timestamp
	case *event.ReserveRequested:
		return e.Timestamp
	case *event.UnreserveRequested:
		return e.Timestamp
	case *event.SlashRequested:
		return e.Timestamp
	case *event.RepatriateRequested:
		return e.Timestamp
	case *event.LockSet:
		return e.Timestamp
	case *event.LockExtended:
		return e.Timestamp
	case *event.LockRemoved:
		return e.Timestamp
	case *event.ParamUpdate:
		return time.UnixMicro(e.Timestamp)
	default:
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T — deterministic core cannot use wall-clock time", evt))
	}
}

// computeStateDigest creates canonical bytes for the state hash: every
// balance record touched by the batch, sorted by path, followed by the
// issuance of every touched currency so conservation is pinned into the
// hash chain.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.BalanceKey]bool)
	currencies := make(map[ledger.CurrencyID]bool)

	if batch != nil {
		for _, e := range batch.Entries {
			affected[ledger.NewBalanceKey(e.Account, e.Currency)] = true
			currencies[e.Currency] = true
		}
	}

	// Sort accounts deterministically by path
	keys := make([]ledger.BalanceKey, 0, len(affected))
	for key := range affected {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Path() < keys[j].Path()
	})

	digest := make([]byte, 0, len(keys)*80)

	for _, key := range keys {
		acct := c.ledger.GetAccount(key)

		// Append account path (length-prefixed)
		path := key.Path()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		// Append free and reserved (8 bytes LE each)
		digest = appendUint64LE(digest, uint64(acct.Free))
		digest = appendUint64LE(digest, uint64(acct.Reserved))
	}

	// Issuance lines, sorted by currency ID
	ids := make([]ledger.CurrencyID, 0, len(currencies))
	for id := range currencies {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		symbol, _ := ledger.GetCurrencySymbol(id)
		digest = append(digest, byte(len(symbol)))
		digest = append(digest, []byte(symbol)...)
		digest = appendUint64LE(digest, uint64(c.ledger.TotalIssuance(id)))
	}

	return digest
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// resolveCurrency maps a wire symbol to its registered ID
func resolveCurrency(symbol string) (ledger.CurrencyID, error) {
	currency, ok := ledger.GetCurrencyID(symbol)
	if !ok {
		return 0, fmt.Errorf("unknown currency: %s", symbol)
	}
	return currency, nil
}

// resolveLock validates and maps a wire lock name
func resolveLock(name string) (ledger.LockID, error) {
	if name == "" {
		return ledger.LockID{}, fmt.Errorf("empty lock id")
	}
	if len(name) > 8 {
		return ledger.LockID{}, fmt.Errorf("lock id %q exceeds 8 bytes", name)
	}
	return ledger.NewLockID(name), nil
}

func (c *DeterministicCore) handlePriceUpdate(evt *event.PriceUpdate) error {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return err
	}
	return c.priceTracker.UpdatePrice(currency, evt.Price, evt.PriceSequence, evt.PriceTimestamp)
}

// handleSerpTick runs one supply adjustment through the protocol. A stale
// epoch is dropped idempotently; the epoch only advances after the tick
// completed, so a hard failure stays retryable.
func (c *DeterministicCore) handleSerpTick(evt *event.SerpTick) (*serp.TickOutcome, error) {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return nil, err
	}

	if c.adjustments.IsStale(currency, evt.Epoch) {
		return nil, nil
	}

	outcome, err := c.protocol.OnTick(evt.Epoch, currency)
	if err != nil {
		return nil, fmt.Errorf("tick %s epoch %d: %w", evt.Symbol, evt.Epoch, err)
	}

	c.adjustments.RecordOutcome(currency, evt.Epoch, outcome.Applied)
	return &outcome, nil
}

func (c *DeterministicCore) handleDepositRequested(evt *event.DepositRequested) error {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return err
	}
	return c.ledger.Deposit(evt.Account, currency, evt.Amount)
}

func (c *DeterministicCore) handleWithdrawalRequested(evt *event.WithdrawalRequested) error {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return err
	}
	return c.ledger.Withdraw(evt.Account, currency, evt.Amount)
}

func (c *DeterministicCore) handleTransferRequested(evt *event.TransferRequested) error {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return err
	}
	return c.ledger.Transfer(evt.From, evt.To, currency, evt.Amount)
}

func (c *DeterministicCore) handleReserveRequested(evt *event.ReserveRequested) error {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return err
	}
	return c.ledger.Reserve(evt.Account, currency, evt.Amount)
}

// handleUnreserveRequested is best-effort: the unreleased remainder is
// visible in the journal deltas, not an error.
func (c *DeterministicCore) handleUnreserveRequested(evt *event.UnreserveRequested) error {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return err
	}
	c.ledger.Unreserve(evt.Account, currency, evt.Amount)
	return nil
}

// handleSlashRequested never fails; the unpaid remainder is visible in the
// journal deltas.
func (c *DeterministicCore) handleSlashRequested(evt *event.SlashRequested) error {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return err
	}
	c.ledger.Slash(evt.Account, currency, evt.Amount)
	return nil
}

func (c *DeterministicCore) handleRepatriateRequested(evt *event.RepatriateRequested) error {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return err
	}
	status, ok := ledger.ParseBalanceStatus(evt.Status)
	if !ok {
		return fmt.Errorf("unknown balance status: %s", evt.Status)
	}
	_, err = c.ledger.RepatriateReserved(evt.From, evt.To, currency, evt.Amount, status)
	return err
}

func (c *DeterministicCore) handleLockSet(evt *event.LockSet) error {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return err
	}
	lockID, err := resolveLock(evt.LockID)
	if err != nil {
		return err
	}
	return c.ledger.SetLock(lockID, evt.Account, currency, evt.Amount)
}

func (c *DeterministicCore) handleLockExtended(evt *event.LockExtended) error {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return err
	}
	lockID, err := resolveLock(evt.LockID)
	if err != nil {
		return err
	}
	return c.ledger.ExtendLock(lockID, evt.Account, currency, evt.Amount)
}

func (c *DeterministicCore) handleLockRemoved(evt *event.LockRemoved) error {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return err
	}
	lockID, err := resolveLock(evt.LockID)
	if err != nil {
		return err
	}
	c.ledger.RemoveLock(lockID, evt.Account, currency)
	return nil
}

// handleParamUpdate replaces a stable currency's adjustment parameters.
// Stale versions are dropped idempotently (empty batch, envelope logged).
func (c *DeterministicCore) handleParamUpdate(evt *event.ParamUpdate) error {
	currency, err := resolveCurrency(evt.Symbol)
	if err != nil {
		return err
	}

	params := serp.CurrencyParams{
		PegUnit:             evt.PegUnit,
		Tolerance:           evt.Tolerance,
		IncentiveRate:       evt.IncentiveRate,
		AdjustmentFrequency: evt.AdjustmentFrequency,
		Serper:              evt.Serper,
	}

	_, err = c.paramsManager.UpdateParams(currency, params, evt.Version)
	return err
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (*serp.TickOutcome, error) {
	switch e := evt.(type) {
	case *event.PriceUpdate:
		return nil, c.handlePriceUpdate(e)
	case *event.SerpTick:
		return c.handleSerpTick(e)
	case *event.DepositRequested:
		return nil, c.handleDepositRequested(e)
	case *event.WithdrawalRequested:
		return nil, c.handleWithdrawalRequested(e)
	case *event.TransferRequested:
		return nil, c.handleTransferRequested(e)
	case *event.ReserveRequested:
		return nil, c.handleReserveRequested(e)
	case *event.UnreserveRequested:
		return nil, c.handleUnreserveRequested(e)
	case *event.SlashRequested:
		return nil, c.handleSlashRequested(e)
	case *event.RepatriateRequested:
		return nil, c.handleRepatriateRequested(e)
	case *event.LockSet:
		return nil, c.handleLockSet(e)
	case *event.LockExtended:
		return nil, c.handleLockExtended(e)
	case *event.LockRemoved:
		return nil, c.handleLockRemoved(e)
	case *event.ParamUpdate:
		return nil, c.handleParamUpdate(e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.BalanceKey]ledger.Account
	Locks           map[ledger.BalanceKey][]ledger.BalanceLock
	Issuance        map[ledger.CurrencyID]ledger.Balance
	Prices          map[ledger.CurrencyID]*state.PriceState
	Params          map[ledger.CurrencyID]serp.CurrencyParams
	ParamVersions   map[ledger.CurrencyID]int64
	Adjustments     map[ledger.CurrencyID]*state.AdjustmentState
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart, load the latest snapshot then replay events after it.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	// Restore sequence
	c.sequence = snap.Sequence + 1 // Next sequence to assign
	c.recorder.SetSequence(snap.Sequence + 1)

	// Restore state hash chain
	c.hasher.SetPrevHash(snap.StateHash)

	// Restore balances, locks, issuance
	for key, acct := range snap.Balances {
		c.ledger.RestoreBalance(key, acct)
	}
	for key, locks := range snap.Locks {
		c.ledger.RestoreLocks(key, locks)
	}
	for currency, amount := range snap.Issuance {
		c.ledger.RestoreIssuance(currency, amount)
	}

	// Restore price book
	for currency, ps := range snap.Prices {
		c.priceTracker.RestorePrice(currency, ps)
	}

	// Restore adjustment params and versions
	for currency, params := range snap.Params {
		c.paramsManager.RestoreParams(currency, params, snap.ParamVersions[currency])
	}

	// Restore tick epochs
	for currency, adjState := range snap.Adjustments {
		c.adjustments.RestoreState(currency, adjState)
	}

	// Restore sequence validator state
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
}

// WarmLRU loads recent idempotency keys into the LRU cache to avoid
// cold-path DB lookups for recently processed events.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// SetReplayMode toggles startup-replay dedup behavior: while on, the
// Postgres dedup tier is bypassed so events read back from the log are
// reapplied instead of skipped.
func (c *DeterministicCore) SetReplayMode(on bool) {
	c.idempotency.SetReplayMode(on)
}

// GetSequence returns the current global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.ledger.SnapshotBalances(),
		Locks:           c.ledger.SnapshotLocks(),
		Issuance:        c.ledger.SnapshotIssuance(),
		Prices:          c.priceTracker.AllPrices(),
		Params:          c.paramsManager.AllParams(),
		ParamVersions:   c.paramsManager.AllVersions(),
		Adjustments:     c.adjustments.AllStates(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
