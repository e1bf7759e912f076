// Package relayer submits signed meta requests to the gas-sponsoring
// relayer, which broadcasts the creation transaction on the creator's
// behalf.
package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/marketforge/internal/crypto"
	"github.com/alanyoungcy/marketforge/internal/domain"
)

const submitPath = "/meta/create"

// Client is the REST client for the relayer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	hmacAuth   *crypto.HMACAuth
	address    string
}

// NewClient creates a relayer client.
//
// baseURL is the relayer API root. auth may be nil when the relayer is
// unauthenticated. address is sent as the RELAYER_ADDRESS header.
func NewClient(baseURL string, auth *crypto.HMACAuth, address common.Address, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		hmacAuth: auth,
		address:  address.Hex(),
	}
}

type apiFacetCut struct {
	FacetAddress      string   `json:"facetAddress"`
	Action            uint8    `json:"action"`
	FunctionSelectors []string `json:"functionSelectors"`
}

type apiMetaCreate struct {
	Symbol       string        `json:"symbol"`
	MetricURL    string        `json:"metricUrl"`
	StartPrice   string        `json:"startPrice"`
	Creator      string        `json:"creator"`
	Cuts         []apiFacetCut `json:"cuts"`
	Initializer  string        `json:"initializer"`
	InitCalldata string        `json:"initCalldata"`
	Nonce        string        `json:"nonce"`
	Deadline     string        `json:"deadline"`
}

type apiSubmitRequest struct {
	Request   apiMetaCreate `json:"request"`
	Signature string        `json:"signature"`
}

type apiSubmitResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash"`
	Error   string `json:"error,omitempty"`
	Retry   bool   `json:"shouldRetry,omitempty"`
}

// SubmitMetaCreate forwards a signed meta request and returns the hash of
// the transaction the relayer broadcast.
func (c *Client) SubmitMetaCreate(ctx context.Context, req domain.SignedMetaRequest) (string, error) {
	if len(req.Signature) != 65 {
		return "", fmt.Errorf("relayer: %w: signature must be 65 bytes, got %d", domain.ErrSigningFailed, len(req.Signature))
	}
	p := req.Request.Params
	if p.StartPrice == nil || req.Request.Nonce == nil || req.Request.Deadline == nil {
		return "", fmt.Errorf("relayer: %w: start price, nonce and deadline are required", domain.ErrInvalidDraft)
	}

	cuts := make([]apiFacetCut, 0, len(p.Cuts))
	for _, cut := range p.Cuts {
		sels := make([]string, 0, len(cut.Selectors))
		for _, s := range cut.Selectors {
			sels = append(sels, s.Hex())
		}
		cuts = append(cuts, apiFacetCut{
			FacetAddress:      cut.FacetAddress,
			Action:            uint8(cut.Action),
			FunctionSelectors: sels,
		})
	}
	body := apiSubmitRequest{
		Request: apiMetaCreate{
			Symbol:       p.Symbol,
			MetricURL:    p.MetricURL,
			StartPrice:   p.StartPrice.String(),
			Creator:      p.Creator,
			Cuts:         cuts,
			Initializer:  p.Initializer,
			InitCalldata: hexutil.Encode(p.InitCalldata),
			Nonce:        req.Request.Nonce.String(),
			Deadline:     req.Request.Deadline.String(),
		},
		Signature: hexutil.Encode(req.Signature),
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, submitPath, body)
	if err != nil {
		return "", fmt.Errorf("relayer: submit meta create: %w", err)
	}

	var resp apiSubmitResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("relayer: decode submit response: %w", err)
	}
	if !resp.Success {
		if resp.Retry {
			return "", fmt.Errorf("relayer: submit rejected: %w: %s", domain.ErrTransient, resp.Error)
		}
		return "", fmt.Errorf("relayer: submit rejected: %s", resp.Error)
	}
	if !isTxHash(resp.TxHash) {
		return "", fmt.Errorf("relayer: submit returned malformed tx hash %q", resp.TxHash)
	}
	return strings.ToLower(resp.TxHash), nil
}

func isTxHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the relayer. It returns the raw response body.
func (c *Client) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.hmacAuth.Enabled() {
		for k, v := range c.hmacAuth.Headers(c.address, method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w: %w", domain.ErrTransient, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors. Rate limits
// and 5xx responses are transient.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w: %s", domain.ErrRateLimited, domain.ErrTransient, bodyStr)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrTransient, statusCode, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

// Compile-time interface check.
var _ domain.MetaRelayer = (*Client)(nil)
