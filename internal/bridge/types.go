package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"time"

	"github.com/dmreyes/agentfund/internal/balance"
	"github.com/dmreyes/agentfund/internal/id"
	"github.com/dmreyes/agentfund/internal/model"
	"github.com/dmreyes/agentfund/internal/mw"
)

// BatchState is the aggregate lifecycle of one bridge batch.
type BatchState string

const (
	StateQuoting   BatchState = "QUOTING"
	StateQuoted    BatchState = "QUOTED"
	StateExecuting BatchState = "EXECUTING"
	StateSettling  BatchState = "SETTLING"
	StateDone      BatchState = "DONE"
	StateFailed    BatchState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s BatchState) Terminal() bool { return s == StateDone || s == StateFailed }

// Leg is one bridge request inside a batch with its last known status.
type Leg struct {
	RequestID   string           `json:"request_id"`
	Request     mw.BridgeRequest `json:"request"`
	Status      string           `json:"status"`
	TxHash      string           `json:"tx_hash,omitempty"`
	ExplorerURL string           `json:"explorer_url,omitempty"`
	Message     string           `json:"message,omitempty"`
	EtaSeconds  int64            `json:"eta_seconds,omitempty"`
}

func (l Leg) Done() bool { return l.Status == mw.StatusExecutionDone }
func (l Leg) Failed() bool {
	return l.Status == mw.StatusExecutionFailed || l.Status == mw.StatusQuoteFailed
}

// Batch is the persisted unit of bridging work.
type Batch struct {
	BatchID     string     `json:"batch_id"`
	QuoteID     string     `json:"quote_id,omitempty"`
	Fingerprint string     `json:"fingerprint"`
	State       BatchState `json:"state"`
	Legs        []Leg      `json:"legs"`
	QuotedAt    time.Time  `json:"quoted_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at,omitempty"`
	Message     string     `json:"message,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AllDone reports whether every leg finished; Failed reports whether any leg
// failed terminally. A batch completes only when all legs complete.
func (b *Batch) AllDone() bool {
	for _, leg := range b.Legs {
		if !leg.Done() {
			return false
		}
	}
	return len(b.Legs) > 0
}

func (b *Batch) AnyFailed() bool {
	for _, leg := range b.Legs {
		if leg.Failed() {
			return true
		}
	}
	return false
}

func (b *Batch) Active() bool {
	return b.State == StateExecuting || b.State == StateSettling
}

// Fingerprint identifies a request set so an unexpired quote can be reused.
func Fingerprint(requests []mw.BridgeRequest) string {
	buf, _ := json.Marshal(requests)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:8])
}

// View renders a batch for envelope output.
func View(batch *Batch) model.BridgeBatchView {
	view := model.BridgeBatchView{
		BatchID: batch.BatchID,
		Status:  string(batch.State),
		Message: batch.Message,
	}
	if !batch.QuotedAt.IsZero() {
		view.QuotedAt = batch.QuotedAt.Format(time.RFC3339)
	}
	if !batch.ExpiresAt.IsZero() {
		view.ExpiresAt = batch.ExpiresAt.Format(time.RFC3339)
	}
	for _, leg := range batch.Legs {
		legView := model.BridgeLegView{
			RequestID:   leg.RequestID,
			FromChainID: leg.Request.From.Chain,
			ToChainID:   leg.Request.To.Chain,
			Token:       leg.Request.To.Token,
			Status:      leg.Status,
			TxHash:      leg.TxHash,
			ExplorerURL: leg.ExplorerURL,
			Message:     leg.Message,
		}
		if token, ok := tokenFor(leg.Request.To.Chain, leg.Request.To.Token); ok {
			if amount, ok := parseBase(leg.Request.To.Amount); ok {
				legView.Amount = balance.AmountView(amount, token.Decimals)
			}
		}
		view.Legs = append(view.Legs, legView)
	}
	return view
}

func parseBase(v string) (*big.Int, bool) {
	if v == "" {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(v, 10)
	return amount, ok
}

func tokenFor(chainInput, address string) (id.Token, bool) {
	chain, err := id.ParseChain(chainInput)
	if err != nil {
		return id.Token{}, false
	}
	return id.TokenByAddress(chain.CAIP2, address)
}
