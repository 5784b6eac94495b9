package signing

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"

	"github.com/readytrader/gateway/internal/errs"
)

// signRequest is the wire form sent to a remote signing service.
type signRequest struct {
	ChainID  string `json:"chain_id"`
	Nonce    uint64 `json:"nonce"`
	To       string `json:"to,omitempty"`
	ValueWei string `json:"value_wei"`
	Gas      uint64 `json:"gas"`
	GasPrice string `json:"gas_price_wei"`
	Payload  string `json:"payload"`
}

type signResponse struct {
	RawTx  string `json:"raw_tx"`
	TxHash string `json:"tx_hash"`
	From   string `json:"from"`
	Error  string `json:"error,omitempty"`
}

// Remote delegates signing to an external service over HTTPS. The
// gateway never sees the key.
type Remote struct {
	client *resty.Client
	addr   common.Address
}

func NewRemote(baseURL, token string) (*Remote, error) {
	if baseURL == "" {
		return nil, errs.Configuration(errs.CodeSignerNotConfigured, "remote signer url is empty")
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Remote{client: client}, nil
}

func (r *Remote) Address() common.Address { return r.addr }

// Ready probes the remote address endpoint and caches the signer
// address on first success.
func (r *Remote) Ready(ctx context.Context) error {
	var out struct {
		Address string `json:"address"`
	}
	resp, err := r.client.R().SetContext(ctx).SetResult(&out).Get("/v1/address")
	if err != nil {
		return pkgerrors.Wrap(err, "remote signer unreachable")
	}
	if resp.IsError() {
		return pkgerrors.Errorf("remote signer status %d", resp.StatusCode())
	}
	if out.Address != "" {
		r.addr = common.HexToAddress(out.Address)
	}
	return nil
}

func (r *Remote) Sign(ctx context.Context, intent Intent) (*Signed, error) {
	req := signRequest{
		ChainID:  intent.ChainID.String(),
		Nonce:    intent.Nonce,
		ValueWei: valueOrZero(intent.ValueWei).String(),
		Gas:      intent.Gas,
		GasPrice: valueOrZero(intent.GasPrice).String(),
		Payload:  hexutil.Encode(intent.Payload),
	}
	if intent.To != nil {
		req.To = intent.To.Hex()
	}

	var out signResponse
	resp, err := r.client.R().SetContext(ctx).SetBody(req).SetResult(&out).Post("/v1/sign")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "remote sign call")
	}
	if resp.IsError() || out.Error != "" {
		return nil, errs.Execution(errs.CodeVenueRejected,
			"remote signer refused: status %d %s", resp.StatusCode(), out.Error)
	}
	raw, err := hexutil.Decode(out.RawTx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode remote raw tx")
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, pkgerrors.Wrap(err, "decode remote transaction")
	}
	return &Signed{
		Raw:    raw,
		TxHash: tx.Hash(),
		From:   common.HexToAddress(out.From),
		Tx:     &tx,
	}, nil
}
