package onramp

import (
	"context"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/dmreyes/agentfund/internal/bridge"
	clierr "github.com/dmreyes/agentfund/internal/errors"
	"github.com/dmreyes/agentfund/internal/flowstore"
	"github.com/dmreyes/agentfund/internal/id"
	"github.com/dmreyes/agentfund/internal/mw"
)

const sessionEOA = "0x1111111111111111111111111111111111111111"

type fakeSafes struct {
	resp  mw.SafeCreationResponse
	err   error
	calls int
}

func (f *fakeSafes) CreateSafe(context.Context, string, map[string]string) (mw.SafeCreationResponse, error) {
	f.calls++
	return f.resp, f.err
}

type fakeBridger struct {
	batch *bridge.Batch
	err   error
}

func (f *fakeBridger) Quote(context.Context, []mw.BridgeRequest, bool) (*bridge.Batch, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.batch, nil
}

func (f *fakeBridger) Execute(context.Context, string) (*bridge.Batch, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.batch, nil
}

type fakeNative struct {
	amount *big.Int
	err    error
}

func (f *fakeNative) read(context.Context, string, string) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.amount), nil
}

func sessionStore(t *testing.T) *flowstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := flowstore.Open(filepath.Join(dir, "flows.db"), filepath.Join(dir, "flows.lock"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startParams(deposit bool) StartParams {
	return StartParams{
		OnRampChain: "gnosis",
		DestChain:   "gnosis",
		EOA:         sessionEOA,
		DepositMode: deposit,
		Requests: []mw.BridgeRequest{
			{
				From: mw.AssetRef{Chain: "gnosis", Address: sessionEOA, Token: id.AddressZero},
				To:   mw.AssetRef{Chain: "base", Address: sessionEOA, Token: id.AddressZero, Amount: "100"},
			},
		},
	}
}

func TestBuyDetectionByBalanceDelta(t *testing.T) {
	native := &fakeNative{amount: big.NewInt(500)}
	bridger := &fakeBridger{batch: &bridge.Batch{BatchID: "b-1", State: bridge.StateDone}}
	o := NewOrchestrator(&fakeSafes{}, bridger, native.read, sessionStore(t), zap.NewNop())

	session, err := o.Start(context.Background(), startParams(true))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if session.Status != StatusBuying {
		t.Fatalf("unexpected status: %s", session.Status)
	}

	// No new funds yet: advancing stays in BUYING.
	session, err = o.Advance(context.Background(), session.SessionID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if session.Status != StatusBuying {
		t.Fatalf("buy should not complete without a balance delta")
	}

	native.amount = big.NewInt(900)
	session, err = o.Advance(context.Background(), session.SessionID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if session.Status != StatusSwapping || !session.FundsMoved {
		t.Fatalf("buy should complete once funds appear: %+v", session)
	}
}

func TestSelfBridgeSuppression(t *testing.T) {
	requests := []mw.BridgeRequest{
		{
			From: mw.AssetRef{Chain: "gnosis", Address: sessionEOA, Token: id.AddressZero},
			To:   mw.AssetRef{Chain: "gnosis", Address: sessionEOA, Token: id.AddressZero, Amount: "100"},
		},
		{
			From: mw.AssetRef{Chain: "gnosis", Address: sessionEOA, Token: id.AddressZero},
			To:   mw.AssetRef{Chain: "gnosis", Address: sessionEOA, Token: "0xcE11e14225575945b8E6Dc0D4F2dD4C570f79d9f", Amount: "50"},
		},
		{
			From: mw.AssetRef{Chain: "gnosis", Address: sessionEOA, Token: id.AddressZero},
			To:   mw.AssetRef{Chain: "base", Address: sessionEOA, Token: id.AddressZero, Amount: "25"},
		},
	}
	filtered := FilterSelfBridge(requests)
	if len(filtered) != 2 {
		t.Fatalf("only the same-chain native leg should drop, got %d legs", len(filtered))
	}
	for _, request := range filtered {
		sameChainNative := request.From.Chain == request.To.Chain && id.SameAddress(request.To.Token, id.AddressZero)
		if sameChainNative {
			t.Fatalf("self-bridge leg survived: %+v", request)
		}
	}
}

func TestDepositModeSkipsSafeSteps(t *testing.T) {
	native := &fakeNative{amount: big.NewInt(0)}
	bridger := &fakeBridger{batch: &bridge.Batch{BatchID: "b-1", State: bridge.StateDone}}
	safes := &fakeSafes{}
	o := NewOrchestrator(safes, bridger, native.read, sessionStore(t), zap.NewNop())

	session, err := o.Start(context.Background(), startParams(true))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(session.Steps) != 2 {
		t.Fatalf("deposit mode should run buy and swap only, got %d steps", len(session.Steps))
	}

	native.amount = big.NewInt(100)
	if _, err := o.Advance(context.Background(), session.SessionID); err != nil {
		t.Fatalf("advance buy: %v", err)
	}
	session, err = o.Advance(context.Background(), session.SessionID)
	if err != nil {
		t.Fatalf("advance swap: %v", err)
	}
	if session.Status != StatusDone {
		t.Fatalf("deposit mode should finish after the swap, got %s", session.Status)
	}
	if safes.calls != 0 {
		t.Fatalf("deposit mode must not touch safe creation")
	}
}

func TestFullFlowWithTransferRetry(t *testing.T) {
	native := &fakeNative{amount: big.NewInt(0)}
	bridger := &fakeBridger{batch: &bridge.Batch{BatchID: "b-1", State: bridge.StateDone}}
	olas := "0xcE11e14225575945b8E6Dc0D4F2dD4C570f79d9f"
	safes := &fakeSafes{resp: mw.SafeCreationResponse{
		Safe:           "0x9999999999999999999999999999999999999999",
		CreateTx:       "0xabc",
		TransferErrors: map[string]string{olas: "transfer reverted"},
	}}
	o := NewOrchestrator(safes, bridger, native.read, sessionStore(t), zap.NewNop())

	session, err := o.Start(context.Background(), startParams(false))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	native.amount = big.NewInt(100)
	if _, err := o.Advance(context.Background(), session.SessionID); err != nil {
		t.Fatalf("advance buy: %v", err)
	}
	if _, err := o.Advance(context.Background(), session.SessionID); err != nil {
		t.Fatalf("advance swap: %v", err)
	}

	session, err = o.Advance(context.Background(), session.SessionID)
	if err != nil {
		t.Fatalf("advance safe: %v", err)
	}
	if session.Status != StatusTransferring {
		t.Fatalf("failed transfer should hold the session in TRANSFERRING, got %s", session.Status)
	}
	if session.TransferErrors[olas] != "transfer reverted" {
		t.Fatalf("transfer error not recorded: %+v", session.TransferErrors)
	}

	// Retry succeeds.
	safes.resp.TransferErrors = nil
	session, err = o.Advance(context.Background(), session.SessionID)
	if err != nil {
		t.Fatalf("retry transfers: %v", err)
	}
	if session.Status != StatusDone {
		t.Fatalf("expected DONE after retry, got %s", session.Status)
	}
	if session.Safe == "" {
		t.Fatalf("safe address not recorded")
	}
	if safes.calls != 2 {
		t.Fatalf("expected 2 create-safe calls, got %d", safes.calls)
	}
}

func TestSwapFailureReportsFundsSafe(t *testing.T) {
	native := &fakeNative{amount: big.NewInt(0)}
	bridger := &fakeBridger{err: clierr.New(clierr.CodeExecutionFailed, "route failed")}
	o := NewOrchestrator(&fakeSafes{}, bridger, native.read, sessionStore(t), zap.NewNop())

	session, err := o.Start(context.Background(), startParams(false))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	native.amount = big.NewInt(100)
	if _, err := o.Advance(context.Background(), session.SessionID); err != nil {
		t.Fatalf("advance buy: %v", err)
	}

	session, err = o.Advance(context.Background(), session.SessionID)
	if err == nil {
		t.Fatalf("expected swap failure")
	}
	if session.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", session.Status)
	}
	var swapStep Step
	for _, step := range session.Steps {
		if step.Name == StepSwap {
			swapStep = step
		}
	}
	if swapStep.Status != StepError {
		t.Fatalf("swap step should be errored: %+v", swapStep)
	}
	if want := "your funds remain safe"; !strings.Contains(swapStep.Message, want) {
		t.Fatalf("message %q should mention %q", swapStep.Message, want)
	}
}

func TestFailedSwapRetriesOnAdvance(t *testing.T) {
	native := &fakeNative{amount: big.NewInt(0)}
	bridger := &fakeBridger{err: clierr.New(clierr.CodeExecutionFailed, "route failed")}
	o := NewOrchestrator(&fakeSafes{}, bridger, native.read, sessionStore(t), zap.NewNop())

	session, err := o.Start(context.Background(), startParams(true))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	native.amount = big.NewInt(100)
	if _, err := o.Advance(context.Background(), session.SessionID); err != nil {
		t.Fatalf("advance buy: %v", err)
	}

	session, err = o.Advance(context.Background(), session.SessionID)
	if err == nil {
		t.Fatalf("expected swap failure")
	}
	if session.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", session.Status)
	}

	// The route recovers; advancing retries the swap from where it failed.
	bridger.err = nil
	bridger.batch = &bridge.Batch{BatchID: "b-1", State: bridge.StateDone}
	session, err = o.Advance(context.Background(), session.SessionID)
	if err != nil {
		t.Fatalf("retry swap: %v", err)
	}
	if session.Status != StatusDone {
		t.Fatalf("expected DONE after swap retry, got %s", session.Status)
	}
	for _, step := range session.Steps {
		if step.Status != StepFinish {
			t.Fatalf("step %s should be finished after retry: %+v", step.Name, step)
		}
	}
}

func TestFailedSafeCreationRetriesOnAdvance(t *testing.T) {
	native := &fakeNative{amount: big.NewInt(0)}
	bridger := &fakeBridger{batch: &bridge.Batch{BatchID: "b-1", State: bridge.StateDone}}
	safes := &fakeSafes{err: clierr.New(clierr.CodeExecutionFailed, "deployment reverted")}
	o := NewOrchestrator(safes, bridger, native.read, sessionStore(t), zap.NewNop())

	session, err := o.Start(context.Background(), startParams(false))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	native.amount = big.NewInt(100)
	if _, err := o.Advance(context.Background(), session.SessionID); err != nil {
		t.Fatalf("advance buy: %v", err)
	}
	if _, err := o.Advance(context.Background(), session.SessionID); err != nil {
		t.Fatalf("advance swap: %v", err)
	}

	session, err = o.Advance(context.Background(), session.SessionID)
	if err == nil {
		t.Fatalf("expected safe creation failure")
	}
	if session.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", session.Status)
	}

	// The middleware recovers; creation is idempotent so advancing retries it.
	safes.err = nil
	safes.resp = mw.SafeCreationResponse{
		Safe:     "0x9999999999999999999999999999999999999999",
		CreateTx: "0xabc",
	}
	session, err = o.Advance(context.Background(), session.SessionID)
	if err != nil {
		t.Fatalf("retry safe creation: %v", err)
	}
	if session.Status != StatusDone {
		t.Fatalf("expected DONE after retry, got %s", session.Status)
	}
	if session.Safe == "" {
		t.Fatalf("safe address not recorded")
	}
	if safes.calls != 2 {
		t.Fatalf("expected 2 create-safe calls, got %d", safes.calls)
	}
}

func TestSettlementPendingKeepsSwapInProgress(t *testing.T) {
	native := &fakeNative{amount: big.NewInt(0)}
	bridger := &fakeBridger{batch: &bridge.Batch{BatchID: "b-1", State: bridge.StateQuoted}}
	o := NewOrchestrator(&fakeSafes{}, bridger, native.read, sessionStore(t), zap.NewNop())

	session, _ := o.Start(context.Background(), startParams(true))
	native.amount = big.NewInt(100)
	_, _ = o.Advance(context.Background(), session.SessionID)

	// First swap advance quotes and submits; the batch is still in flight.
	session, err := o.Advance(context.Background(), session.SessionID)
	if err != nil {
		t.Fatalf("advance swap: %v", err)
	}
	if session.Status != StatusSwapping || session.BatchID == "" {
		t.Fatalf("swap should be in flight: %+v", session)
	}

	bridger.err = clierr.New(clierr.CodeSettlementPending, "still processing")
	session, err = o.Advance(context.Background(), session.SessionID)
	if err != nil {
		t.Fatalf("settlement pending should not error the session: %v", err)
	}
	if session.Status != StatusSwapping {
		t.Fatalf("session should stay in SWAPPING, got %s", session.Status)
	}
}
