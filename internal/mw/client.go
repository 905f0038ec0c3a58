package mw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	clierr "github.com/dmreyes/agentfund/internal/errors"
	"github.com/dmreyes/agentfund/internal/httpx"
)

// Request statuses reported by the middleware per bridge leg.
const (
	StatusQuoteDone        = "QUOTE_DONE"
	StatusQuoteFailed      = "QUOTE_FAILED"
	StatusExecutionPending = "EXECUTION_PENDING"
	StatusExecutionDone    = "EXECUTION_DONE"
	StatusExecutionFailed  = "EXECUTION_FAILED"
)

// AssetRef is one side of a bridge request on the wire. Amount is set on the
// destination side only.
type AssetRef struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Token   string `json:"token"`
	Amount  string `json:"amount,omitempty"`
}

type BridgeRequest struct {
	From AssetRef `json:"from"`
	To   AssetRef `json:"to"`
}

type RequestStatus struct {
	Status       string `json:"status"`
	EtaSeconds   int64  `json:"eta,omitempty"`
	Message      string `json:"message,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
	ExplorerLink string `json:"explorer_link,omitempty"`
}

type QuoteResponse struct {
	ID                  string          `json:"id"`
	BridgeRequestStatus []RequestStatus `json:"bridge_request_status"`
	ExpirationTimestamp int64           `json:"expiration_timestamp"`
	IsRefillRequired    bool            `json:"is_refill_required"`
	ErrorMessage        string          `json:"error,omitempty"`
}

type Wallet struct {
	Address     string            `json:"address"`
	LedgerType  string            `json:"ledger_type"`
	Safes       map[string]string `json:"safes"`
	SafeChains  []string          `json:"safe_chains"`
	OwnerChains []string          `json:"owner_chains,omitempty"`
}

// SafeCreationResponse reports the creation transaction plus per-token
// transfer outcomes, keyed by token address.
type SafeCreationResponse struct {
	Safe           string            `json:"safe"`
	CreateTx       string            `json:"create_tx"`
	TransferTxs    map[string]string `json:"transfer_txs"`
	TransferErrors map[string]string `json:"transfer_errors,omitempty"`
}

type ServiceResponse struct {
	ServiceConfigID string `json:"service_config_id"`
	Status          string `json:"status,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Client talks to the local operate middleware, which owns keys and executes
// transactions on this client's behalf.
type Client struct {
	baseURL string
	http    *httpx.Client
}

func NewClient(baseURL string, timeout time.Duration, retries int) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpx.New(timeout, retries),
	}
}

func (c *Client) Wallets(ctx context.Context) ([]Wallet, error) {
	var wallets []Wallet
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodGet, c.baseURL+"/wallet", nil, nil, &wallets); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch wallets", err)
	}
	return wallets, nil
}

// CreateSafe asks the middleware to deploy the master safe on a chain and
// sweep initial funds into it. The middleware is idempotent per chain: a
// repeated call for an existing safe returns the safe without a create_tx.
func (c *Client) CreateSafe(ctx context.Context, chain string, initialFunds map[string]string) (SafeCreationResponse, error) {
	payload := map[string]any{"chain": chain}
	if len(initialFunds) > 0 {
		payload["initial_funds"] = initialFunds
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SafeCreationResponse{}, clierr.Wrap(clierr.CodeInternal, "encode safe request", err)
	}
	var resp SafeCreationResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/wallet/safe", body, nil, &resp); err != nil {
		return SafeCreationResponse{}, clierr.Wrap(clierr.CodeExecutionFailed, "create safe", err)
	}
	return resp, nil
}

// BridgeQuote requests a quote for a batch of bridge legs. forceUpdate makes
// the middleware refresh route quotes instead of serving a cached plan; it is
// set only on an explicit user retry.
func (c *Client) BridgeQuote(ctx context.Context, requests []BridgeRequest, forceUpdate bool) (QuoteResponse, error) {
	body, err := json.Marshal(map[string]any{
		"bridge_requests": requests,
		"force_update":    forceUpdate,
	})
	if err != nil {
		return QuoteResponse{}, clierr.Wrap(clierr.CodeInternal, "encode quote request", err)
	}
	var resp QuoteResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/bridge/refill_requirements", body, nil, &resp); err != nil {
		return QuoteResponse{}, clierr.Wrap(clierr.CodeQuoteFailed, "bridge quote", err)
	}
	return resp, nil
}

func (c *Client) BridgeExecute(ctx context.Context, quoteID string) (QuoteResponse, error) {
	body, err := json.Marshal(map[string]string{"id": quoteID})
	if err != nil {
		return QuoteResponse{}, clierr.Wrap(clierr.CodeInternal, "encode execute request", err)
	}
	var resp QuoteResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/bridge/execute", body, nil, &resp); err != nil {
		return QuoteResponse{}, clierr.Wrap(clierr.CodeExecutionFailed, "bridge execute", err)
	}
	return resp, nil
}

func (c *Client) BridgeStatus(ctx context.Context, quoteID string) (QuoteResponse, error) {
	var resp QuoteResponse
	endpoint := c.baseURL + "/api/bridge/status/" + url.PathEscape(quoteID)
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return QuoteResponse{}, clierr.Wrap(clierr.CodeUnavailable, "bridge status", err)
	}
	return resp, nil
}

// Service fetches a service's current deployment status.
func (c *Client) Service(ctx context.Context, serviceConfigID string) (ServiceResponse, error) {
	endpoint := fmt.Sprintf("%s/api/v2/service/%s", c.baseURL, url.PathEscape(serviceConfigID))
	var resp ServiceResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return ServiceResponse{}, clierr.Wrap(clierr.CodeUnavailable, "fetch service", err)
	}
	return resp, nil
}

func (c *Client) StartService(ctx context.Context, serviceConfigID string) error {
	return c.serviceAction(ctx, serviceConfigID, "start")
}

func (c *Client) StopService(ctx context.Context, serviceConfigID string) error {
	return c.serviceAction(ctx, serviceConfigID, "stop")
}

func (c *Client) serviceAction(ctx context.Context, serviceConfigID, action string) error {
	endpoint := fmt.Sprintf("%s/api/v2/service/%s/%s", c.baseURL, url.PathEscape(serviceConfigID), action)
	var resp ServiceResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, endpoint, []byte("{}"), nil, &resp); err != nil {
		return clierr.Wrap(clierr.CodeExecutionFailed, action+" service", err)
	}
	if resp.Error != "" {
		return clierr.New(clierr.CodeExecutionFailed, resp.Error)
	}
	return nil
}

// UpdateService re-points a service at a different staking program. The
// middleware re-stakes on the next start.
func (c *Client) UpdateService(ctx context.Context, serviceConfigID, stakingProgram string) error {
	body, err := json.Marshal(map[string]string{"staking_program_id": stakingProgram})
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode update request", err)
	}
	endpoint := fmt.Sprintf("%s/api/v2/service/%s", c.baseURL, url.PathEscape(serviceConfigID))
	var resp ServiceResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPut, endpoint, body, nil, &resp); err != nil {
		return clierr.Wrap(clierr.CodeExecutionFailed, "update service", err)
	}
	if resp.Error != "" {
		return clierr.New(clierr.CodeExecutionFailed, resp.Error)
	}
	return nil
}
