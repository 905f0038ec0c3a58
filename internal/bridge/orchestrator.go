package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	clierr "github.com/dmreyes/agentfund/internal/errors"
	"github.com/dmreyes/agentfund/internal/flowstore"
	"github.com/dmreyes/agentfund/internal/mw"
)

// Middleware is the slice of the middleware client the orchestrator uses.
type Middleware interface {
	BridgeQuote(ctx context.Context, requests []mw.BridgeRequest, forceUpdate bool) (mw.QuoteResponse, error)
	BridgeExecute(ctx context.Context, quoteID string) (mw.QuoteResponse, error)
	BridgeStatus(ctx context.Context, quoteID string) (mw.QuoteResponse, error)
}

// DestinationReader checks whether bridged funds have landed. Used by Resume,
// where chain state is authoritative over anything the store remembers.
type DestinationReader func(ctx context.Context, chain, token, wallet string) (*big.Int, error)

// Orchestrator drives bridge batches through
// QUOTING -> QUOTED -> EXECUTING -> SETTLING -> DONE/FAILED,
// persisting each transition so batches survive a restart.
type Orchestrator struct {
	client       Middleware
	store        *flowstore.Store
	quoteTTL     time.Duration
	pollInterval time.Duration
	destination  DestinationReader
	logger       *zap.Logger
	now          func() time.Time
}

func NewOrchestrator(client Middleware, store *flowstore.Store, quoteTTL, pollInterval time.Duration, logger *zap.Logger) *Orchestrator {
	if quoteTTL <= 0 {
		quoteTTL = time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		client:       client,
		store:        store,
		quoteTTL:     quoteTTL,
		pollInterval: pollInterval,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetDestinationReader wires the chain-side settlement check used by Resume.
func (o *Orchestrator) SetDestinationReader(reader DestinationReader) { o.destination = reader }

// Quote creates (or reuses) a quoted batch for a request set. Without force,
// an unexpired quote for the same request set is served from the store. A new
// quote is refused while another batch is executing or settling.
func (o *Orchestrator) Quote(ctx context.Context, requests []mw.BridgeRequest, force bool) (*Batch, error) {
	if len(requests) == 0 {
		return nil, clierr.New(clierr.CodeUsage, "no bridge requests to quote")
	}
	if active, err := o.findActiveBatch(); err != nil {
		return nil, err
	} else if active != nil {
		return nil, clierr.New(clierr.CodeBlocked,
			fmt.Sprintf("batch %s is %s; re-quoting is blocked until it settles", active.BatchID, active.State))
	}

	fingerprint := Fingerprint(requests)
	if !force {
		if cached, err := o.findFreshQuote(fingerprint); err == nil && cached != nil {
			o.logger.Debug("serving cached quote", zap.String("batch", cached.BatchID))
			return cached, nil
		}
	}

	batch := &Batch{
		BatchID:     uuid.NewString(),
		Fingerprint: fingerprint,
		State:       StateQuoting,
		CreatedAt:   o.now(),
	}
	for i, request := range requests {
		batch.Legs = append(batch.Legs, Leg{
			RequestID: fmt.Sprintf("%s-%d", batch.BatchID, i),
			Request:   request,
		})
	}
	if err := o.save(batch); err != nil {
		return nil, err
	}

	resp, err := o.client.BridgeQuote(ctx, requests, force)
	if err != nil {
		batch.State = StateFailed
		batch.Message = err.Error()
		o.markLegs(batch, mw.StatusQuoteFailed)
		_ = o.save(batch)
		return batch, err
	}

	batch.QuoteID = resp.ID
	batch.QuotedAt = o.now()
	batch.ExpiresAt = o.quoteExpiry(resp)
	o.applyStatuses(batch, resp.BridgeRequestStatus)

	if batch.AnyFailed() {
		batch.State = StateFailed
		batch.Message = firstFailureMessage(batch)
		if err := o.save(batch); err != nil {
			return nil, err
		}
		return batch, clierr.New(clierr.CodeQuoteFailed, batch.Message)
	}

	batch.State = StateQuoted
	if err := o.save(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// Execute submits a quoted batch and polls until every leg reaches a terminal
// status or ctx expires. Legs already done are never re-executed; an expired
// quote forces a re-quote instead of executing stale routes.
func (o *Orchestrator) Execute(ctx context.Context, batchID string) (*Batch, error) {
	batch, err := o.load(batchID)
	if err != nil {
		return nil, err
	}
	switch batch.State {
	case StateQuoted:
	case StateExecuting, StateSettling:
		return o.poll(ctx, batch)
	case StateDone:
		return batch, nil
	default:
		return batch, clierr.New(clierr.CodeUsage,
			fmt.Sprintf("batch %s is %s and cannot be executed", batch.BatchID, batch.State))
	}
	if !batch.ExpiresAt.IsZero() && o.now().After(batch.ExpiresAt) {
		batch.State = StateFailed
		batch.Message = "quote expired before execution; request a new quote"
		_ = o.save(batch)
		return batch, clierr.New(clierr.CodeQuoteFailed, batch.Message)
	}

	batch.State = StateExecuting
	if err := o.save(batch); err != nil {
		return nil, err
	}

	resp, err := o.client.BridgeExecute(ctx, batch.QuoteID)
	if err != nil {
		// The submission never reached the legs; the quote is still good, so
		// the batch drops back to QUOTED and a retried execute resubmits.
		batch.State = StateQuoted
		batch.Message = err.Error()
		_ = o.save(batch)
		return batch, err
	}
	o.applyStatuses(batch, resp.BridgeRequestStatus)
	if err := o.save(batch); err != nil {
		return nil, err
	}

	return o.poll(ctx, batch)
}

// Status refreshes a batch from the middleware without driving it forward.
// Terminal batches are returned from the store untouched.
func (o *Orchestrator) Status(ctx context.Context, batchID string) (*Batch, error) {
	batch, err := o.load(batchID)
	if err != nil {
		return nil, err
	}
	if batch.State.Terminal() || batch.QuoteID == "" {
		return batch, nil
	}
	resp, err := o.client.BridgeStatus(ctx, batch.QuoteID)
	if err != nil {
		// Status is a read; a flaky endpoint does not fail the batch.
		o.logger.Warn("bridge status fetch failed", zap.String("batch", batchID), zap.Error(err))
		return batch, nil
	}
	o.applyStatuses(batch, resp.BridgeRequestStatus)
	o.fold(batch)
	if err := o.save(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// Resume re-derives an interrupted batch after a restart. Chain state wins:
// each leg is first checked against the destination balance, then the status
// endpoint fills in the rest.
func (o *Orchestrator) Resume(ctx context.Context, batchID string) (*Batch, error) {
	batch, err := o.load(batchID)
	if err != nil {
		return nil, err
	}
	if batch.State.Terminal() {
		return batch, nil
	}

	if o.destination != nil {
		for i := range batch.Legs {
			leg := &batch.Legs[i]
			if leg.Done() {
				continue
			}
			required, ok := parseBase(leg.Request.To.Amount)
			if !ok {
				continue
			}
			landed, err := o.destination(ctx, leg.Request.To.Chain, leg.Request.To.Token, leg.Request.To.Address)
			if err != nil {
				o.logger.Warn("destination check failed",
					zap.String("batch", batchID),
					zap.String("chain", leg.Request.To.Chain),
					zap.Error(err))
				continue
			}
			if landed.Cmp(required) >= 0 {
				leg.Status = mw.StatusExecutionDone
			}
		}
	}

	if batch.QuoteID != "" {
		if resp, err := o.client.BridgeStatus(ctx, batch.QuoteID); err == nil {
			o.applyStatuses(batch, resp.BridgeRequestStatus)
		}
	}
	o.fold(batch)
	if err := o.save(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// ListActive returns non-terminal batches, newest first.
func (o *Orchestrator) ListActive() ([]*Batch, error) {
	records, err := o.store.List(flowstore.KindBridgeBatch, "", 50)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "list batches", err)
	}
	var batches []*Batch
	for _, record := range records {
		var batch Batch
		if err := json.Unmarshal(record.Payload, &batch); err != nil {
			continue
		}
		if !batch.State.Terminal() {
			batches = append(batches, &batch)
		}
	}
	return batches, nil
}

func (o *Orchestrator) poll(ctx context.Context, batch *Batch) (*Batch, error) {
	for {
		o.fold(batch)
		if err := o.save(batch); err != nil {
			return nil, err
		}
		if batch.State.Terminal() {
			if batch.State == StateFailed {
				return batch, clierr.New(clierr.CodeExecutionFailed, firstFailureMessage(batch))
			}
			return batch, nil
		}

		select {
		case <-ctx.Done():
			// Settlement windows closing is not a failure; the batch keeps
			// processing middleware-side and can be resumed.
			batch.Message = "still processing; resume to continue tracking"
			_ = o.save(batch)
			return batch, clierr.New(clierr.CodeSettlementPending, batch.Message)
		case <-time.After(o.pollInterval):
		}

		resp, err := o.client.BridgeStatus(ctx, batch.QuoteID)
		if err != nil {
			o.logger.Warn("bridge status poll failed", zap.String("batch", batch.BatchID), zap.Error(err))
			continue
		}
		o.applyStatuses(batch, resp.BridgeRequestStatus)
	}
}

// applyStatuses copies middleware statuses onto legs positionally. A leg that
// already reached EXECUTION_DONE is never downgraded. An empty response carries
// no information; a non-empty response whose count disagrees with the batch
// means the middleware is tracking a different set of transfers, and every
// unfinished leg fails rather than being matched to the wrong status.
func (o *Orchestrator) applyStatuses(batch *Batch, statuses []mw.RequestStatus) {
	if len(statuses) == 0 {
		return
	}
	if len(statuses) != len(batch.Legs) {
		o.logger.Error("bridge status count mismatch",
			zap.String("batch", batch.BatchID),
			zap.Int("legs", len(batch.Legs)),
			zap.Int("statuses", len(statuses)))
		for i := range batch.Legs {
			leg := &batch.Legs[i]
			if leg.Done() {
				continue
			}
			leg.Status = mw.StatusExecutionFailed
			leg.Message = fmt.Sprintf("middleware reported %d transfers for a %d-leg batch", len(statuses), len(batch.Legs))
		}
		return
	}
	for i, status := range statuses {
		leg := &batch.Legs[i]
		if leg.Done() {
			continue
		}
		if status.Status != "" {
			leg.Status = status.Status
		}
		if status.TxHash != "" {
			leg.TxHash = status.TxHash
		}
		if status.ExplorerLink != "" {
			leg.ExplorerURL = status.ExplorerLink
		}
		if status.Message != "" {
			leg.Message = status.Message
		}
		leg.EtaSeconds = status.EtaSeconds
	}
}

func (o *Orchestrator) markLegs(batch *Batch, status string) {
	for i := range batch.Legs {
		if !batch.Legs[i].Done() {
			batch.Legs[i].Status = status
		}
	}
}

// fold derives the aggregate state from leg statuses: DONE only when every
// leg is done, FAILED as soon as any leg fails terminally.
func (o *Orchestrator) fold(batch *Batch) {
	switch {
	case batch.AllDone():
		batch.State = StateDone
		batch.Message = ""
	case batch.AnyFailed():
		batch.State = StateFailed
		batch.Message = firstFailureMessage(batch)
	case batch.State == StateExecuting && allSubmitted(batch):
		batch.State = StateSettling
	}
}

func allSubmitted(batch *Batch) bool {
	for _, leg := range batch.Legs {
		if leg.Status != mw.StatusExecutionPending && !leg.Done() {
			return false
		}
	}
	return true
}

func firstFailureMessage(batch *Batch) string {
	for _, leg := range batch.Legs {
		if leg.Failed() {
			if leg.Message != "" {
				return leg.Message
			}
			return fmt.Sprintf("leg %s failed with %s", leg.RequestID, leg.Status)
		}
	}
	return batch.Message
}

func (o *Orchestrator) quoteExpiry(resp mw.QuoteResponse) time.Time {
	if resp.ExpirationTimestamp > 0 {
		return time.Unix(resp.ExpirationTimestamp, 0).UTC()
	}
	return o.now().Add(o.quoteTTL)
}

func (o *Orchestrator) findActiveBatch() (*Batch, error) {
	for _, state := range []BatchState{StateExecuting, StateSettling} {
		records, err := o.store.List(flowstore.KindBridgeBatch, string(state), 1)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "scan active batches", err)
		}
		if len(records) > 0 {
			var batch Batch
			if err := json.Unmarshal(records[0].Payload, &batch); err != nil {
				return nil, clierr.Wrap(clierr.CodeInternal, "decode batch", err)
			}
			return &batch, nil
		}
	}
	return nil, nil
}

func (o *Orchestrator) findFreshQuote(fingerprint string) (*Batch, error) {
	records, err := o.store.List(flowstore.KindBridgeBatch, string(StateQuoted), 20)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		var batch Batch
		if err := json.Unmarshal(record.Payload, &batch); err != nil {
			continue
		}
		if batch.Fingerprint == fingerprint && o.now().Before(batch.ExpiresAt) {
			return &batch, nil
		}
	}
	return nil, nil
}

func (o *Orchestrator) load(batchID string) (*Batch, error) {
	record, err := o.store.Get(batchID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "load batch", err)
	}
	var batch Batch
	if err := json.Unmarshal(record.Payload, &batch); err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "decode batch", err)
	}
	return &batch, nil
}

func (o *Orchestrator) save(batch *Batch) error {
	batch.UpdatedAt = o.now()
	payload, err := json.Marshal(batch)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode batch", err)
	}
	record := flowstore.FlowRecord{
		FlowID:    batch.BatchID,
		Kind:      flowstore.KindBridgeBatch,
		Status:    string(batch.State),
		CreatedAt: batch.CreatedAt.Format(time.RFC3339),
		UpdatedAt: batch.UpdatedAt.Format(time.RFC3339),
		Payload:   payload,
	}
	if err := o.store.Save(record); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "persist batch", err)
	}
	return nil
}
