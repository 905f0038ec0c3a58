package onramp

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmreyes/agentfund/internal/bridge"
	clierr "github.com/dmreyes/agentfund/internal/errors"
	"github.com/dmreyes/agentfund/internal/flowstore"
	"github.com/dmreyes/agentfund/internal/id"
	"github.com/dmreyes/agentfund/internal/model"
	"github.com/dmreyes/agentfund/internal/mw"
)

// Session statuses. The session advances strictly forward; a FAILED session
// re-arms its errored step on the next advance, and the funds-safe flag tells
// the user nothing was lost in the meantime.
const (
	StatusBuying       = "BUYING"
	StatusSwapping     = "SWAPPING"
	StatusCreatingSafe = "CREATING_SAFE"
	StatusTransferring = "TRANSFERRING"
	StatusDone         = "DONE"
	StatusFailed       = "FAILED"
)

// Step statuses mirror the per-step progress reported to the UI layer.
const (
	StepWait    = "wait"
	StepProcess = "process"
	StepFinish  = "finish"
	StepError   = "error"
)

const (
	StepBuy        = "buy"
	StepSwap       = "swap"
	StepCreateSafe = "create_safe"
	StepTransfer   = "transfer"
)

type Step struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Session is one on-ramp flow: buy native on the on-ramp chain, swap/bridge
// it to the destination, create the master safe, sweep funds in.
type Session struct {
	SessionID      string             `json:"session_id"`
	DepositMode    bool               `json:"deposit_mode"`
	OnRampChain    string             `json:"onramp_chain"`
	DestChain      string             `json:"dest_chain"`
	EOA            string             `json:"eoa"`
	BaselineNative string             `json:"baseline_native"`
	Requests       []mw.BridgeRequest `json:"requests"`
	BatchID        string             `json:"batch_id,omitempty"`
	Safe           string             `json:"safe,omitempty"`
	Status         string             `json:"status"`
	Steps          []Step             `json:"steps"`
	FundsMoved     bool               `json:"funds_moved"`
	TransferErrors map[string]string  `json:"transfer_errors,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// SafeCreator is the middleware surface the safe steps use.
type SafeCreator interface {
	CreateSafe(ctx context.Context, chain string, initialFunds map[string]string) (mw.SafeCreationResponse, error)
}

// Bridger drives the swap step through the bridge state machine.
type Bridger interface {
	Quote(ctx context.Context, requests []mw.BridgeRequest, force bool) (*bridge.Batch, error)
	Execute(ctx context.Context, batchID string) (*bridge.Batch, error)
}

// NativeReader reads the on-ramp chain EOA balance for buy detection.
type NativeReader func(ctx context.Context, chain, wallet string) (*big.Int, error)

type Orchestrator struct {
	safes   SafeCreator
	bridger Bridger
	native  NativeReader
	store   *flowstore.Store
	logger  *zap.Logger
	now     func() time.Time
}

func NewOrchestrator(safes SafeCreator, bridger Bridger, native NativeReader, store *flowstore.Store, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		safes:   safes,
		bridger: bridger,
		native:  native,
		store:   store,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type StartParams struct {
	OnRampChain string
	DestChain   string
	EOA         string
	Requests    []mw.BridgeRequest
	DepositMode bool
}

// Start opens a session. The current EOA balance becomes the buy-detection
// baseline: the buy step completes when funds newly appear above it. Deposit
// mode (safe already exists) runs the buy and swap steps only.
func (o *Orchestrator) Start(ctx context.Context, params StartParams) (*Session, error) {
	if !id.IsHexAddress(params.EOA) {
		return nil, clierr.New(clierr.CodeUsage, "invalid eoa address")
	}
	baseline, err := o.native(ctx, params.OnRampChain, params.EOA)
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID:      uuid.NewString(),
		DepositMode:    params.DepositMode,
		OnRampChain:    params.OnRampChain,
		DestChain:      params.DestChain,
		EOA:            params.EOA,
		BaselineNative: baseline.String(),
		Requests:       FilterSelfBridge(params.Requests),
		Status:         StatusBuying,
		CreatedAt:      o.now(),
	}
	session.Steps = []Step{
		{Name: StepBuy, Status: StepProcess},
		{Name: StepSwap, Status: StepWait},
	}
	if !params.DepositMode {
		session.Steps = append(session.Steps,
			Step{Name: StepCreateSafe, Status: StepWait},
			Step{Name: StepTransfer, Status: StepWait},
		)
	}
	if err := o.save(session); err != nil {
		return nil, err
	}
	return session, nil
}

// Advance drives the session's current step once and persists the result.
// Steps are idempotent: advancing a step that cannot progress yet leaves the
// session unchanged. A FAILED session retries its errored step; completed
// steps are never rolled back.
func (o *Orchestrator) Advance(ctx context.Context, sessionID string) (*Session, error) {
	session, err := o.load(sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == StatusFailed {
		if !o.resetFailedStep(session) {
			return session, nil
		}
	}

	switch session.Status {
	case StatusBuying:
		err = o.advanceBuy(ctx, session)
	case StatusSwapping:
		err = o.advanceSwap(ctx, session)
	case StatusCreatingSafe, StatusTransferring:
		err = o.advanceSafe(ctx, session)
	case StatusDone:
		return session, nil
	default:
		return session, clierr.New(clierr.CodeInvariant, fmt.Sprintf("unknown session status %q", session.Status))
	}

	if saveErr := o.save(session); saveErr != nil {
		return nil, saveErr
	}
	return session, err
}

// Get returns a session without advancing it.
func (o *Orchestrator) Get(sessionID string) (*Session, error) {
	return o.load(sessionID)
}

func (o *Orchestrator) advanceBuy(ctx context.Context, session *Session) error {
	current, err := o.native(ctx, session.OnRampChain, session.EOA)
	if err != nil {
		o.setStep(session, StepBuy, StepProcess, "balance check failed; will retry")
		return err
	}
	baseline, _ := new(big.Int).SetString(session.BaselineNative, 10)
	if baseline == nil {
		baseline = big.NewInt(0)
	}
	if current.Cmp(baseline) <= 0 {
		// Nothing arrived yet; keep waiting.
		return nil
	}
	session.FundsMoved = true
	o.setStep(session, StepBuy, StepFinish, "")
	o.setStep(session, StepSwap, StepProcess, "")
	session.Status = StatusSwapping
	return nil
}

func (o *Orchestrator) advanceSwap(ctx context.Context, session *Session) error {
	if len(session.Requests) == 0 {
		o.setStep(session, StepSwap, StepFinish, "")
		o.finishSwapStage(session)
		return nil
	}

	if session.BatchID == "" {
		batch, err := o.bridger.Quote(ctx, session.Requests, false)
		if err != nil {
			return o.failSwap(session, err)
		}
		session.BatchID = batch.BatchID
	}

	batch, err := o.bridger.Execute(ctx, session.BatchID)
	if err != nil {
		if cliErr, ok := clierr.As(err); ok && cliErr.Code == clierr.CodeSettlementPending {
			o.setStep(session, StepSwap, StepProcess, "bridging in progress")
			return nil
		}
		return o.failSwap(session, err)
	}
	if batch.State != bridge.StateDone {
		o.setStep(session, StepSwap, StepProcess, "bridging in progress")
		return nil
	}
	o.setStep(session, StepSwap, StepFinish, "")
	o.finishSwapStage(session)
	return nil
}

func (o *Orchestrator) finishSwapStage(session *Session) {
	if session.DepositMode {
		session.Status = StatusDone
		return
	}
	o.setStep(session, StepCreateSafe, StepProcess, "")
	session.Status = StatusCreatingSafe
}

func (o *Orchestrator) failSwap(session *Session, err error) error {
	message := err.Error()
	if session.FundsMoved {
		message += "; your funds remain safe at " + session.EOA
	}
	o.setStep(session, StepSwap, StepError, message)
	session.Status = StatusFailed
	return err
}

// advanceSafe creates the safe and sweeps funds. Creation is idempotent
// middleware-side, so retrying failed transfers is another CreateSafe call.
func (o *Orchestrator) advanceSafe(ctx context.Context, session *Session) error {
	resp, err := o.safes.CreateSafe(ctx, session.DestChain, nil)
	if err != nil {
		message := err.Error()
		if session.FundsMoved {
			message += "; your funds remain safe at " + session.EOA
		}
		if session.Status == StatusCreatingSafe {
			o.setStep(session, StepCreateSafe, StepError, message)
		} else {
			o.setStep(session, StepTransfer, StepError, message)
		}
		session.Status = StatusFailed
		return err
	}

	if resp.Safe != "" {
		session.Safe = resp.Safe
	}
	o.setStep(session, StepCreateSafe, StepFinish, "")
	session.TransferErrors = resp.TransferErrors

	if len(resp.TransferErrors) > 0 {
		o.setStep(session, StepTransfer, StepProcess,
			fmt.Sprintf("%d transfer(s) failed; advance to retry", len(resp.TransferErrors)))
		session.Status = StatusTransferring
		return nil
	}
	o.setStep(session, StepTransfer, StepFinish, "")
	session.Status = StatusDone
	return nil
}

// resetFailedStep re-arms the step that failed and moves the session back to
// the matching stage so the dispatch below retries it. Returns false when no
// errored step exists to retry.
func (o *Orchestrator) resetFailedStep(session *Session) bool {
	for i := range session.Steps {
		step := &session.Steps[i]
		if step.Status != StepError {
			continue
		}
		step.Status = StepProcess
		step.Message = ""
		switch step.Name {
		case StepBuy:
			session.Status = StatusBuying
		case StepSwap:
			session.Status = StatusSwapping
		case StepCreateSafe:
			session.Status = StatusCreatingSafe
		case StepTransfer:
			session.Status = StatusTransferring
		}
		return true
	}
	return false
}

func (o *Orchestrator) setStep(session *Session, name, status, message string) {
	for i := range session.Steps {
		if session.Steps[i].Name == name {
			session.Steps[i].Status = status
			session.Steps[i].Message = message
			return
		}
	}
}

// FilterSelfBridge drops native legs whose source and destination chain are
// the same: bought native on the destination chain needs no bridging.
func FilterSelfBridge(requests []mw.BridgeRequest) []mw.BridgeRequest {
	out := make([]mw.BridgeRequest, 0, len(requests))
	for _, request := range requests {
		sameChain := strings.EqualFold(request.From.Chain, request.To.Chain)
		nativeLeg := id.SameAddress(request.To.Token, id.AddressZero)
		if sameChain && nativeLeg {
			continue
		}
		out = append(out, request)
	}
	return out
}

// View renders a session for envelope output.
func View(session *Session) model.OnRampSessionView {
	view := model.OnRampSessionView{
		SessionID:      session.SessionID,
		Status:         session.Status,
		FundsSafe:      session.Status != StatusFailed || session.FundsMoved,
		TransferErrors: session.TransferErrors,
	}
	for _, step := range session.Steps {
		view.Steps = append(view.Steps, model.OnRampStepView{
			Name:    step.Name,
			Status:  step.Status,
			Message: step.Message,
		})
	}
	return view
}

func (o *Orchestrator) load(sessionID string) (*Session, error) {
	record, err := o.store.Get(sessionID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "load session", err)
	}
	var session Session
	if err := json.Unmarshal(record.Payload, &session); err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "decode session", err)
	}
	return &session, nil
}

func (o *Orchestrator) save(session *Session) error {
	session.UpdatedAt = o.now()
	payload, err := json.Marshal(session)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode session", err)
	}
	record := flowstore.FlowRecord{
		FlowID:    session.SessionID,
		Kind:      flowstore.KindOnRampSession,
		Status:    session.Status,
		CreatedAt: session.CreatedAt.Format(time.RFC3339),
		UpdatedAt: session.UpdatedAt.Format(time.RFC3339),
		Payload:   payload,
	}
	if err := o.store.Save(record); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "persist session", err)
	}
	return nil
}
