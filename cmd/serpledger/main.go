package main

import (
	"SerpLedger/internal/config"
	"SerpLedger/internal/core"
	"SerpLedger/internal/event"
	"SerpLedger/internal/ingestion"
	"SerpLedger/internal/ledger"
	fpmath "SerpLedger/internal/math"
	"SerpLedger/internal/observability"
	"SerpLedger/internal/persistence"
	"SerpLedger/internal/projection"
	"SerpLedger/internal/query"
	"SerpLedger/internal/serp"
	"SerpLedger/internal/server"
	"SerpLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("main")
	logger.Info().Msg("SerpLedger starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	cfg := config.DefaultConfig()

	// --- Currency configuration ---
	curFile, err := config.LoadCurrencyFile(cfg.CurrencyConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.CurrencyConfigPath).Msg("load currency config")
	}
	curFile.ApplyMinimumBalances()
	stableParams, err := curFile.StableParams()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid stable currency parameters")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	// --- SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: load snapshot ---
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot load failed, falling back to full replay")
	}
	if snap != nil {
		startSequence = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("loaded snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	// --- Channels ---
	// The persist channel blocks (backpressure), the projection channel
	// drops. Worker-side channels mirror the core-side ones; the bridge
	// converts between the core's types and the workers'.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.OutboundChanSize)
	outcomeChan := make(chan ingestion.AdjustmentPublication, cfg.OutboundChanSize)
	rawEventChan := make(chan ingestion.RawEvent, 4096)
	natsEventChan := make(chan event.Event, 4096)
	adminEventChan := make(chan event.Event, 256)
	snapshotReqChan := make(chan snapshotRequest)
	errChan := make(chan error, 10)

	// --- Observability ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Deterministic core ---
	deterministicCore := core.NewDeterministicCore(
		startSequence,
		persistCoreChan,
		projectionCoreChan,
		dbChecker,
		cfg.IdempotencyLRUCapacity,
		metrics,
	)

	// Seed adjustment parameters from the currency file (version 0). A
	// snapshot restore below replaces them with the versions that were live
	// when the snapshot was taken; ParamUpdate events change them after that.
	for currency, params := range stableParams {
		if err := deterministicCore.SeedParams(currency, params); err != nil {
			symbol, _ := ledger.GetCurrencySymbol(currency)
			logger.Fatal().Err(err).Str("symbol", symbol).Msg("seed params")
		}
	}

	if snap != nil {
		if err := restoreStateFromSnapshot(deterministicCore, snap, logger); err != nil {
			logger.Fatal().Err(err).Msg("snapshot restore")
		}
		if len(snap.IdempotencyKeys) > 0 {
			deterministicCore.WarmLRU(snap.IdempotencyKeys)
			logger.Info().Int("keys", len(snap.IdempotencyKeys)).Msg("LRU warmed from snapshot")
		}
	}

	// Everything at or below this sequence is already in the event log;
	// the bridge suppresses re-persisting and re-publishing it during replay.
	publishFloor, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("read event log head")
	}

	// --- Pipeline workers ---
	// Workers run before replay so replayed outputs drain instead of
	// deadlocking the blocking persist channel. They live on their own
	// context: shutdown closes their input channels so queued outputs are
	// flushed before the context is cancelled.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan,
		metrics, observability.NewLogger("projection"))

	var workersWG sync.WaitGroup
	workersWG.Add(2)
	go func() {
		defer workersWG.Done()
		sendErr(errChan, persistWorker.Run(workerCtx))
	}()
	go func() {
		defer workersWG.Done()
		sendErr(errChan, projWorker.Run(workerCtx))
	}()

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridgeCoreOutputs(persistCoreChan, projectionCoreChan,
			persistWorkerChan, projectionWorkerChan,
			publishChan, outcomeChan,
			publishFloor, metrics, observability.NewLogger("bridge"))
	}()

	// --- Event replay ---
	// Replay bypasses the Postgres dedup tier: every replayed event is in
	// the log by definition. The projection worker skips sequences at or
	// below its stored watermark, so replayed outputs only fill in updates
	// that were dropped before the restart.
	deterministicCore.SetReplayMode(true)
	replayCount, replayHeadHash, err := replayEventsFromLog(ctx, snapMgr, deterministicCore, startSequence, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("event replay")
	}
	deterministicCore.SetReplayMode(false)
	if replayCount > 0 {
		logger.Info().
			Int64("events", replayCount).
			Int64("sequence", deterministicCore.GetSequence()).
			Msg("replay complete")
	}

	// Deterministic replay must land exactly on the stored hash chain.
	actualHash := deterministicCore.GetStateHash()
	switch {
	case replayCount > 0 && len(replayHeadHash) == len(actualHash):
		var expected [32]byte
		copy(expected[:], replayHeadHash)
		if actualHash != expected {
			logger.Fatal().
				Hex("expected", replayHeadHash).
				Hex("actual", actualHash[:]).
				Msg("state hash mismatch after replay")
		}
		logger.Info().Msg("state hash verified against event log head")
	case snap != nil && replayCount == 0:
		var expected [32]byte
		copy(expected[:], snap.StateHash)
		if actualHash != expected {
			logger.Fatal().
				Hex("expected", snap.StateHash).
				Hex("actual", actualHash[:]).
				Msg("state hash mismatch after snapshot restore")
		}
		logger.Info().Msg("state hash verified after snapshot restore")
	}

	// Snapshot plus replay only restores the dedup keys the previous
	// process held in memory. Fill the cache toward capacity from the log
	// so older duplicates still dedup without a DB round trip.
	if keys, err := dbChecker.LoadRecentKeys(ctx, cfg.IdempotencyLRUCapacity); err != nil {
		logger.Warn().Err(err).Msg("idempotency warm-up query failed")
	} else if len(keys) > 0 {
		deterministicCore.WarmLRU(keys)
		logger.Info().Int("keys", len(keys)).Msg("LRU warmed from event log")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure inbound streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, observability.NewLogger("subscriber"))
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, outcomeChan, observability.NewLogger("publisher"))
	workersWG.Add(1)
	go func() {
		defer workersWG.Done()
		sendErr(errChan, outboundPublisher.Run(workerCtx))
	}()

	workersDone := make(chan struct{})
	go func() {
		workersWG.Wait()
		close(workersDone)
	}()

	// --- Services ---
	queryService := query.NewQueryService(db)
	injector := ingestion.NewInjector(adminEventChan)

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		Injector:      injector,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Logger:        observability.NewLogger("server"),
	})

	// --- Ingestion and serving goroutines ---
	go runParseLoop(ctx, rawEventChan, natsEventChan, observability.NewLogger("ingestion"))

	// Single writer: every event source funnels into this one loop, and
	// snapshot capture rides the same loop so it never observes a half
	// applied event.
	processingDone := make(chan struct{})
	go func() {
		defer close(processingDone)
		runProcessingLoop(ctx, deterministicCore, natsEventChan, adminEventChan, snapshotReqChan, observability.NewLogger("core"))
	}()

	go func() {
		sendErr(errChan, grpcServer.StartGRPC(ctx))
	}()
	go func() {
		sendErr(errChan, grpcServer.StartHTTPGateway(ctx))
	}()

	lastSnapshotSeq := deterministicCore.GetSequence() - 1
	go runPeriodicSnapshots(ctx, snapshotReqChan, snapMgr, cfg.SnapshotInterval, lastSnapshotSeq, metrics, logger)

	go runMetricsServer(ctx, cfg.MetricsAddr, errChan, logger)

	go runChannelStats(ctx, metrics, map[string]chanStats{
		"persist_core":      {func() int { return len(persistCoreChan) }, cap(persistCoreChan)},
		"projection_core":   {func() int { return len(projectionCoreChan) }, cap(projectionCoreChan)},
		"persist_worker":    {func() int { return len(persistWorkerChan) }, cap(persistWorkerChan)},
		"projection_worker": {func() int { return len(projectionWorkerChan) }, cap(projectionWorkerChan)},
		"outbound_publish":  {func() int { return len(publishChan) }, cap(publishChan)},
		"outbound_outcome":  {func() int { return len(outcomeChan) }, cap(outcomeChan)},
		"raw_inbound":       {func() int { return len(rawEventChan) }, cap(rawEventChan)},
		"typed_inbound":     {func() int { return len(natsEventChan) }, cap(natsEventChan)},
	})

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	logger.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("SerpLedger ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errChan:
		logger.Error().Err(err).Msg("fatal goroutine error, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, wait for the core loop to go quiescent, then close the
	// pipeline stage by stage so queued outputs are flushed, and finish
	// with a snapshot of the final state.
	grpcServer.SetServing(false)
	healthChecker.SetReady(false)
	cancel()
	natsSubscriber.Stop()

	coreStopped := waitDone(processingDone, 10*time.Second)
	if coreStopped {
		close(persistCoreChan)
		close(projectionCoreChan)
		if waitDone(bridgeDone, 10*time.Second) {
			close(persistWorkerChan)
			close(projectionWorkerChan)
			close(publishChan)
			close(outcomeChan)
			if !waitDone(workersDone, 20*time.Second) {
				logger.Error().Msg("pipeline workers did not drain in time")
			}
		} else {
			logger.Error().Msg("output bridge did not drain in time")
		}
	} else {
		logger.Error().Msg("processing loop did not stop, skipping pipeline drain")
	}
	workerCancel()

	if coreStopped {
		finalState := deterministicCore.CreateSnapshotState()
		if finalState.Sequence >= 0 {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := takeSnapshot(shutdownCtx, finalState, snapMgr, metrics, logger); err != nil {
				logger.Error().Err(err).Msg("final snapshot failed")
			} else {
				logger.Info().Int64("sequence", finalState.Sequence).Msg("final snapshot saved")
			}
		}
	}

	logger.Info().Msg("SerpLedger shutdown complete")
}

// sendErr forwards a goroutine's exit error, ignoring clean exits and
// cancellation.
func sendErr(errChan chan<- error, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	select {
	case errChan <- err:
	default:
	}
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ============================================================================
// Output bridge
// ============================================================================

// bridgeCoreOutputs converts core.CoreOutput into the persistence,
// projection, and outbound formats, which keeps those packages free of a
// dependency on the core. It runs until both input channels are closed;
// shutdown relies on that to drain queued outputs.
//
// Sequences at or below publishFloor came back out of the event log during
// replay: they are already persisted and published, so only the projection
// path sees them (the projection worker's watermark decides whether they
// are applied).
func bridgeCoreOutputs(
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	outcomeOut chan<- ingestion.AdjustmentPublication,
	publishFloor int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for persistIn != nil || projectionIn != nil {
		select {
		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			if output.Envelope.Sequence <= publishFloor {
				continue
			}

			persistOut <- persistOutputFrom(output, logger)

			select {
			case publishOut <- ingestion.PublishableEvent{
				Sequence:       output.Envelope.Sequence,
				EventType:      output.Envelope.EventType.String(),
				IdempotencyKey: output.Envelope.IdempotencyKey,
				Symbol:         copyStringPtr(output.Envelope.Currency),
				Payload:        output.Batch,
				StateHash:      output.Envelope.StateHash[:],
				Timestamp:      output.Envelope.Timestamp,
			}:
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}

			if output.Outcome != nil {
				select {
				case outcomeOut <- adjustmentPublicationFrom(output):
				default:
					if metrics != nil {
						metrics.PublishDrops.Inc()
					}
				}
			}

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}

			select {
			case projectionOut <- projectionOutputFrom(output):
			default:
				if metrics != nil {
					metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
		}
	}
}

func persistOutputFrom(output core.CoreOutput, logger zerolog.Logger) persistence.CoreOutput {
	// The event log stores the wire-format payload so replay runs through
	// the same parser as live ingestion.
	payload, err := ingestion.MarshalEvent(output.Event)
	if err != nil {
		// Cannot happen for an event the core accepted. Keep the envelope
		// row so the hash chain stays contiguous.
		logger.Error().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("event payload marshal failed")
		payload = []byte("{}")
	}

	pOutput := persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       output.Envelope.Sequence,
			EventType:      output.Envelope.EventType.String(),
			IdempotencyKey: output.Envelope.IdempotencyKey,
			Currency:       copyStringPtr(output.Envelope.Currency),
			Payload:        payload,
			StateHash:      output.Envelope.StateHash[:],
			PrevHash:       output.Envelope.PrevHash[:],
			Timestamp:      output.Envelope.Timestamp,
			SourceSequence: output.Envelope.SourceSequence,
		},
	}

	if output.Batch != nil {
		for _, e := range output.Batch.Entries {
			pOutput.JournalRows = append(pOutput.JournalRows, persistence.JournalRow{
				EntryID:       e.EntryID.String(),
				BatchID:       e.BatchID.String(),
				EventRef:      e.EventRef,
				Sequence:      e.Sequence,
				Account:       e.Account.String(),
				CurrencyID:    uint16(e.Currency),
				Kind:          e.Kind.String(),
				FreeDelta:     e.FreeDelta,
				ReservedDelta: e.ReservedDelta,
				IssuanceDelta: e.IssuanceDelta,
				Timestamp:     e.Timestamp,
			})
		}
	}

	return pOutput
}

func projectionOutputFrom(output core.CoreOutput) projection.ProjectionOutput {
	pOutput := projection.ProjectionOutput{
		Sequence:  output.Envelope.Sequence,
		EventType: output.Envelope.EventType.String(),
		Symbol:    copyStringPtr(output.Envelope.Currency),
		Timestamp: output.Envelope.Timestamp.UnixMicro(),
	}

	if output.Batch != nil {
		for _, e := range output.Batch.Entries {
			symbol, ok := ledger.GetCurrencySymbol(e.Currency)
			if !ok {
				continue
			}
			pOutput.JournalEntries = append(pOutput.JournalEntries, projection.JournalEntry{
				Account:       e.Account.String(),
				Symbol:        symbol,
				Kind:          e.Kind.String(),
				FreeDelta:     e.FreeDelta,
				ReservedDelta: e.ReservedDelta,
				IssuanceDelta: e.IssuanceDelta,
			})
		}
	}

	if output.Outcome != nil {
		pOutput.Adjustment = adjustmentRecordFrom(output)
	}

	return pOutput
}

func adjustmentRecordFrom(output core.CoreOutput) *projection.AdjustmentRecord {
	outcome := output.Outcome
	symbol, _ := ledger.GetCurrencySymbol(outcome.Currency)
	return &projection.AdjustmentRecord{
		Symbol:       symbol,
		Epoch:        tickEpoch(output.Event),
		Sequence:     output.Envelope.Sequence,
		Applied:      outcome.Applied,
		SkipReason:   skipReasonString(outcome.Skip),
		Direction:    directionString(outcome.Direction),
		StablePrice:  int64(outcome.StablePrice),
		NativePrice:  int64(outcome.NativePrice),
		Deviation:    int64(outcome.Deviation),
		SupplyChange: int64(outcome.SupplyChange),
		NativeAmount: int64(outcome.NativeAmount),
		QuotedPrice:  outcome.Quoted,
		UnpaidFee:    int64(outcome.UnpaidFee),
		Timestamp:    output.Envelope.Timestamp.UnixMicro(),
	}
}

func adjustmentPublicationFrom(output core.CoreOutput) ingestion.AdjustmentPublication {
	outcome := output.Outcome
	symbol, _ := ledger.GetCurrencySymbol(outcome.Currency)
	return ingestion.AdjustmentPublication{
		Symbol:       symbol,
		Sequence:     output.Envelope.Sequence,
		Epoch:        tickEpoch(output.Event),
		Applied:      outcome.Applied,
		SkipReason:   skipReasonString(outcome.Skip),
		Direction:    directionString(outcome.Direction),
		StablePrice:  outcome.StablePrice,
		NativePrice:  outcome.NativePrice,
		Deviation:    int64(outcome.Deviation),
		SupplyChange: outcome.SupplyChange,
		NativeAmount: outcome.NativeAmount,
		QuotedPrice:  outcome.Quoted,
		UnpaidFee:    outcome.UnpaidFee,
		TimestampUs:  output.Envelope.Timestamp.UnixMicro(),
	}
}

func tickEpoch(evt event.Event) int64 {
	if tick, ok := evt.(*event.SerpTick); ok {
		return tick.Epoch
	}
	return 0
}

func skipReasonString(r serp.SkipReason) string {
	if r == serp.SkipNone {
		return ""
	}
	return r.String()
}

func directionString(d fpmath.Direction) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func copyStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ============================================================================
// Ingestion loops
// ============================================================================

// runParseLoop validates and parses raw NATS events into typed events.
// Messages are acked after the typed event is accepted into the inbound
// channel, not after core processing: a full channel blocks the ack, and
// backpressure reaches JetStream instead of expiring AckWait mid-process.
func runParseLoop(ctx context.Context, rawChan <-chan ingestion.RawEvent, typedChan chan<- event.Event, logger zerolog.Logger) {
	// Subjects use the ">" wildcard; match by prefix with the ".>" stripped.
	subjectToType := make(map[string]string)
	for _, sc := range ingestion.DefaultSubjects() {
		subjectToType[strings.TrimSuffix(sc.Subject, ".>")] = sc.EventType
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := resolveEventType(raw.Subject, subjectToType)
			if eventType == "" {
				logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
				raw.AckFunc() // acked so it is not redelivered forever
				continue
			}

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("event parse failed")
				raw.AckFunc()
				continue
			}

			select {
			case typedChan <- evt:
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

// resolveEventType finds the event type for a subject by longest matching
// prefix.
func resolveEventType(subject string, prefixMap map[string]string) string {
	bestLen := -1
	bestType := ""
	for prefix, evtType := range prefixMap {
		if strings.HasPrefix(subject, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestType = evtType
		}
	}
	return bestType
}

// snapshotRequest asks the processing loop for a copy of the core state.
// Routing capture through the loop keeps the core single-writer: the copy
// is taken between events, never during one.
type snapshotRequest struct {
	resp chan *core.SnapshotState
}

// runProcessingLoop is the single writer. All event sources and snapshot
// requests are serialized here; nothing else touches the core after
// startup.
func runProcessingLoop(
	ctx context.Context,
	deterministicCore *core.DeterministicCore,
	natsEvents <-chan event.Event,
	adminEvents <-chan event.Event,
	snapshotReq <-chan snapshotRequest,
	logger zerolog.Logger,
) {
	process := func(evt event.Event) {
		if err := deterministicCore.ProcessEvent(evt); err != nil {
			// Rejections (stale sequence, insufficient funds, bad currency)
			// are normal operation, already counted in rejection metrics.
			logger.Warn().
				Err(err).
				Str("event_type", evt.EventType().String()).
				Str("idempotency_key", evt.IdempotencyKey()).
				Msg("event rejected")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-natsEvents:
			if !ok {
				return
			}
			process(evt)
		case evt, ok := <-adminEvents:
			if !ok {
				return
			}
			process(evt)
		case req := <-snapshotReq:
			req.resp <- deterministicCore.CreateSnapshotState()
		}
	}
}

// ============================================================================
// Snapshot restore and replay
// ============================================================================

// restoreStateFromSnapshot converts persistence.SnapshotData back into the
// core's in-memory representation. Any conversion failure aborts the
// restore: a partially restored state is worse than a full replay.
func restoreStateFromSnapshot(deterministicCore *core.DeterministicCore, snap *persistence.SnapshotData, logger zerolog.Logger) error {
	coreSnap := &core.SnapshotState{
		Sequence:        snap.Sequence,
		Balances:        make(map[ledger.BalanceKey]ledger.Account, len(snap.Balances)),
		Locks:           make(map[ledger.BalanceKey][]ledger.BalanceLock),
		Issuance:        make(map[ledger.CurrencyID]ledger.Balance, len(snap.Issuance)),
		Prices:          make(map[ledger.CurrencyID]*state.PriceState, len(snap.Prices)),
		Params:          make(map[ledger.CurrencyID]serp.CurrencyParams, len(snap.Params)),
		ParamVersions:   make(map[ledger.CurrencyID]int64, len(snap.Params)),
		Adjustments:     make(map[ledger.CurrencyID]*state.AdjustmentState, len(snap.Adjustments)),
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
	}
	copy(coreSnap.StateHash[:], snap.StateHash)

	for _, bs := range snap.Balances {
		key, err := balanceKeyFrom(bs.Account, bs.Symbol)
		if err != nil {
			return fmt.Errorf("balance snapshot: %w", err)
		}
		coreSnap.Balances[key] = ledger.Account{Free: bs.Free, Reserved: bs.Reserved}
	}

	for _, ls := range snap.Locks {
		key, err := balanceKeyFrom(ls.Account, ls.Symbol)
		if err != nil {
			return fmt.Errorf("lock snapshot: %w", err)
		}
		coreSnap.Locks[key] = append(coreSnap.Locks[key], ledger.BalanceLock{
			ID:     ledger.NewLockID(ls.LockID),
			Amount: ls.Amount,
		})
	}

	for symbol, amount := range snap.Issuance {
		currency, ok := ledger.GetCurrencyID(symbol)
		if !ok {
			return fmt.Errorf("issuance snapshot: unknown currency %q", symbol)
		}
		coreSnap.Issuance[currency] = amount
	}

	for symbol, ps := range snap.Prices {
		currency, ok := ledger.GetCurrencyID(symbol)
		if !ok {
			return fmt.Errorf("price snapshot: unknown currency %q", symbol)
		}
		coreSnap.Prices[currency] = &state.PriceState{
			Price:         ps.Price,
			PriceSequence: ps.PriceSequence,
			Timestamp:     ps.Timestamp,
		}
	}

	for symbol, pp := range snap.Params {
		currency, ok := ledger.GetCurrencyID(symbol)
		if !ok {
			return fmt.Errorf("params snapshot: unknown currency %q", symbol)
		}
		serper, err := uuid.Parse(pp.Serper)
		if err != nil {
			return fmt.Errorf("params snapshot %s: invalid serper: %w", symbol, err)
		}
		coreSnap.Params[currency] = serp.CurrencyParams{
			PegUnit:             pp.PegUnit,
			Tolerance:           pp.Tolerance,
			IncentiveRate:       pp.IncentiveRate,
			AdjustmentFrequency: pp.AdjustmentFrequency,
			Serper:              serper,
		}
		coreSnap.ParamVersions[currency] = pp.Version
	}

	for symbol, as := range snap.Adjustments {
		currency, ok := ledger.GetCurrencyID(symbol)
		if !ok {
			return fmt.Errorf("adjustment snapshot: unknown currency %q", symbol)
		}
		coreSnap.Adjustments[currency] = &state.AdjustmentState{
			LastEpoch:   as.LastEpoch,
			LastApplied: as.LastApplied,
			Applied:     as.Applied,
			Skipped:     as.Skipped,
		}
	}

	deterministicCore.RestoreFromSnapshot(coreSnap)
	logger.Info().
		Int64("sequence", snap.Sequence).
		Int("balances", len(snap.Balances)).
		Int("locks", len(snap.Locks)).
		Msg("state restored from snapshot")
	return nil
}

func balanceKeyFrom(account, symbol string) (ledger.BalanceKey, error) {
	acct, err := uuid.Parse(account)
	if err != nil {
		return ledger.BalanceKey{}, fmt.Errorf("invalid account %q: %w", account, err)
	}
	currency, ok := ledger.GetCurrencyID(symbol)
	if !ok {
		return ledger.BalanceKey{}, fmt.Errorf("unknown currency %q", symbol)
	}
	return ledger.NewBalanceKey(acct, currency), nil
}

// replayEventsFromLog feeds stored events back through the core, starting
// at fromSequence. It returns the replay count and the stored state hash of
// the last replayed event, which the caller compares against the core's
// recomputed chain tip.
func replayEventsFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	deterministicCore *core.DeterministicCore,
	fromSequence int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (int64, []byte, error) {
	const batchSize = 1000
	start := time.Now()

	var totalReplayed int64
	var headHash []byte

	for {
		events, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return totalReplayed, headHash, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(events) == 0 {
			break
		}

		for i := range events {
			evtRow := &events[i]

			raw := ingestion.RawEvent{
				Subject: evtRow.EventType,
				Data:    evtRow.Payload,
			}
			typedEvt, err := ingestion.ParseRawEvent(raw, evtRow.EventType)
			if err != nil {
				logger.Warn().
					Err(err).
					Int64("sequence", evtRow.Sequence).
					Str("event_type", evtRow.EventType).
					Msg("unparseable event in log, skipping")
				continue
			}

			if err := deterministicCore.ProcessEvent(typedEvt); err != nil {
				logger.Warn().
					Err(err).
					Int64("sequence", evtRow.Sequence).
					Msg("replay rejected event")
			}

			totalReplayed++
			headHash = evtRow.StateHash
		}

		if metrics != nil {
			metrics.ReplayEventsTotal.Add(float64(len(events)))
		}
		fromSequence = events[len(events)-1].Sequence + 1
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	return totalReplayed, headHash, nil
}

// ============================================================================
// Snapshots
// ============================================================================

// runPeriodicSnapshots captures a snapshot whenever the sequence has
// advanced by at least interval events since the last one. Capture goes
// through the processing loop; the periodic check only decides whether the
// captured state is worth persisting.
func runPeriodicSnapshots(
	ctx context.Context,
	snapshotReq chan<- snapshotRequest,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	lastSnapshotSeq int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			captured, ok := requestSnapshotState(ctx, snapshotReq)
			if !ok {
				return
			}
			if captured.Sequence-lastSnapshotSeq < interval {
				continue
			}
			if err := takeSnapshot(ctx, captured, snapMgr, metrics, logger); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = captured.Sequence
			logger.Info().Int64("sequence", captured.Sequence).Msg("periodic snapshot saved")
		}
	}
}

func requestSnapshotState(ctx context.Context, snapshotReq chan<- snapshotRequest) (*core.SnapshotState, bool) {
	req := snapshotRequest{resp: make(chan *core.SnapshotState, 1)}
	select {
	case snapshotReq <- req:
	case <-ctx.Done():
		return nil, false
	}
	select {
	case captured := <-req.resp:
		return captured, true
	case <-ctx.Done():
		return nil, false
	}
}

// takeSnapshot persists an already-captured core state.
func takeSnapshot(
	ctx context.Context,
	coreSnap *core.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()

	snapData := snapshotDataFromState(coreSnap)

	size, err := snapMgr.SaveSnapshot(ctx, snapData)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Verified immediately: the data came from live state, not a restore.
	if err := snapMgr.MarkVerified(ctx, snapData.Sequence); err != nil {
		logger.Warn().Err(err).Msg("mark snapshot verified failed")
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snapData.Sequence))
	}
	return nil
}

func snapshotDataFromState(coreSnap *core.SnapshotState) *persistence.SnapshotData {
	snapData := &persistence.SnapshotData{
		Sequence:        coreSnap.Sequence,
		StateHash:       coreSnap.StateHash[:],
		Balances:        make([]persistence.BalanceSnapshot, 0, len(coreSnap.Balances)),
		Issuance:        make(map[string]uint64, len(coreSnap.Issuance)),
		Prices:          make(map[string]persistence.PriceSnap, len(coreSnap.Prices)),
		Params:          make(map[string]persistence.ParamsSnap, len(coreSnap.Params)),
		Adjustments:     make(map[string]persistence.AdjustmentSnap, len(coreSnap.Adjustments)),
		SequenceState:   coreSnap.SequenceState,
		IdempotencyKeys: coreSnap.IdempotencyKeys,
		CreatedAt:       time.Now(),
	}

	for key, acct := range coreSnap.Balances {
		symbol, _ := ledger.GetCurrencySymbol(key.Currency)
		snapData.Balances = append(snapData.Balances, persistence.BalanceSnapshot{
			Account:  key.Account.String(),
			Symbol:   symbol,
			Free:     acct.Free,
			Reserved: acct.Reserved,
		})
	}

	for key, locks := range coreSnap.Locks {
		symbol, _ := ledger.GetCurrencySymbol(key.Currency)
		for _, lock := range locks {
			snapData.Locks = append(snapData.Locks, persistence.LockSnapshot{
				Account: key.Account.String(),
				Symbol:  symbol,
				LockID:  lock.ID.String(),
				Amount:  lock.Amount,
			})
		}
	}

	for currency, amount := range coreSnap.Issuance {
		symbol, _ := ledger.GetCurrencySymbol(currency)
		snapData.Issuance[symbol] = amount
	}

	for currency, ps := range coreSnap.Prices {
		symbol, _ := ledger.GetCurrencySymbol(currency)
		snapData.Prices[symbol] = persistence.PriceSnap{
			Price:         ps.Price,
			PriceSequence: ps.PriceSequence,
			Timestamp:     ps.Timestamp,
		}
	}

	for currency, params := range coreSnap.Params {
		symbol, _ := ledger.GetCurrencySymbol(currency)
		snapData.Params[symbol] = persistence.ParamsSnap{
			PegUnit:             params.PegUnit,
			Tolerance:           params.Tolerance,
			IncentiveRate:       params.IncentiveRate,
			AdjustmentFrequency: params.AdjustmentFrequency,
			Serper:              params.Serper.String(),
			Version:             coreSnap.ParamVersions[currency],
		}
	}

	for currency, as := range coreSnap.Adjustments {
		symbol, _ := ledger.GetCurrencySymbol(currency)
		snapData.Adjustments[symbol] = persistence.AdjustmentSnap{
			LastEpoch:   as.LastEpoch,
			LastApplied: as.LastApplied,
			Applied:     as.Applied,
			Skipped:     as.Skipped,
		}
	}

	return snapData
}

// ============================================================================
// Auxiliary servers
// ============================================================================

func runMetricsServer(ctx context.Context, addr string, errChan chan<- error, logger zerolog.Logger) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    addr,
		Handler: metricsMux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sendErr(errChan, fmt.Errorf("metrics server: %w", err))
	}
}

type chanStats struct {
	size     func() int
	capacity int
}

func runChannelStats(ctx context.Context, metrics *observability.Metrics, channels map[string]chanStats) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, cs := range channels {
				metrics.SetChannelMetrics(name, cs.size(), cs.capacity)
			}
		}
	}
}
