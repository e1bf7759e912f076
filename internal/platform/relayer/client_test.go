package relayer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/crypto"
	"github.com/alanyoungcy/marketforge/internal/domain"
)

const txHash = "0xAB00000000000000000000000000000000000000000000000000000000000001"

var creator = common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")

func signedRequest() domain.SignedMetaRequest {
	sig := make([]byte, 65)
	sig[64] = 27
	return domain.SignedMetaRequest{
		Request: domain.MetaCreateRequest{
			Params: domain.CreateMarketParams{
				Symbol:     "BTCUSD",
				MetricURL:  "https://www.coingecko.com/en/coins/bitcoin",
				StartPrice: big.NewInt(65_000_000_000),
				Creator:    creator.Hex(),
				Cuts: []domain.FacetCut{{
					FacetAddress: "0x00000000000000000000000000000000000000f1",
					Action:       domain.FacetCutAdd,
					Selectors:    []domain.Selector{{0xde, 0xad, 0xbe, 0xef}},
				}},
				Initializer:  "0x00000000000000000000000000000000000000a1",
				InitCalldata: []byte{0x01, 0x02},
			},
			Nonce:    big.NewInt(7),
			Deadline: big.NewInt(1_800_000_000),
		},
		Signature: sig,
	}
}

func TestSubmitMetaCreate(t *testing.T) {
	auth := &crypto.HMACAuth{
		Key:        "key-1",
		Secret:     base64.StdEncoding.EncodeToString([]byte("secret")),
		Passphrase: "pass",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, submitPath, r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		ts, err := strconv.ParseInt(r.Header.Get(crypto.HeaderTimestamp), 10, 64)
		require.NoError(t, err)
		want := auth.HeadersAt(creator.Hex(), http.MethodPost, submitPath, string(body), ts)
		assert.Equal(t, want[crypto.HeaderSignature], r.Header.Get(crypto.HeaderSignature))
		assert.Equal(t, "key-1", r.Header.Get(crypto.HeaderAPIKey))
		assert.Equal(t, creator.Hex(), r.Header.Get(crypto.HeaderAddress))

		var req apiSubmitRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "65000000000", req.Request.StartPrice)
		assert.Equal(t, "7", req.Request.Nonce)
		assert.Equal(t, "0x0102", req.Request.InitCalldata)
		require.Len(t, req.Request.Cuts, 1)
		assert.Equal(t, []string{"0xdeadbeef"}, req.Request.Cuts[0].FunctionSelectors)
		assert.Len(t, req.Signature, 2+130)

		_, _ = w.Write([]byte(`{"success":true,"txHash":"` + txHash + `"}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/", auth, creator, time.Second)
	got, err := c.SubmitMetaCreate(context.Background(), signedRequest())
	require.NoError(t, err)
	assert.Equal(t, "0xab00000000000000000000000000000000000000000000000000000000000001", got)
}

func TestSubmitMetaCreateRejections(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"retryable rejection", http.StatusOK, `{"success":false,"error":"nonce race","shouldRetry":true}`, true},
		{"fatal rejection", http.StatusOK, `{"success":false,"error":"bad signature"}`, false},
		{"server error", http.StatusBadGateway, `upstream`, true},
		{"rate limited", http.StatusTooManyRequests, `slow down`, true},
		{"bad request", http.StatusBadRequest, `nope`, false},
		{"malformed hash", http.StatusOK, `{"success":true,"txHash":"0x12"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			c := NewClient(srv.URL, nil, creator, time.Second)
			_, err := c.SubmitMetaCreate(context.Background(), signedRequest())
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.Is(err, domain.ErrTransient), err.Error())
		})
	}
}

func TestSubmitMetaCreateValidatesInput(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil, creator, time.Second)

	req := signedRequest()
	req.Signature = req.Signature[:64]
	_, err := c.SubmitMetaCreate(context.Background(), req)
	assert.True(t, errors.Is(err, domain.ErrSigningFailed))

	req = signedRequest()
	req.Request.Nonce = nil
	_, err = c.SubmitMetaCreate(context.Background(), req)
	assert.True(t, errors.Is(err, domain.ErrInvalidDraft))
}
