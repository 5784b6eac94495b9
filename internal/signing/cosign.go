package signing

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"

	"github.com/readytrader/gateway/internal/errs"
)

// Cosign requires an endorsement from a second party before the local
// key signs. The endorser sees the intent digest, never the key.
type Cosign struct {
	primary Signer
	client  *resty.Client
}

func NewCosign(primary Signer, endorseURL, token string) (*Cosign, error) {
	if endorseURL == "" {
		return nil, errs.Configuration(errs.CodeSignerNotConfigured, "cosign endorse url is empty")
	}
	client := resty.New().
		SetBaseURL(endorseURL).
		SetTimeout(15 * time.Second)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Cosign{primary: primary, client: client}, nil
}

func (c *Cosign) Address() common.Address { return c.primary.Address() }

func (c *Cosign) Ready(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get("/v1/health")
	if err != nil {
		return pkgerrors.Wrap(err, "endorser unreachable")
	}
	if resp.IsError() {
		return pkgerrors.Errorf("endorser status %d", resp.StatusCode())
	}
	return c.primary.Ready(ctx)
}

func (c *Cosign) Sign(ctx context.Context, intent Intent) (*Signed, error) {
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

	var out struct {
		Approved bool   `json:"approved"`
		Digest   string `json:"digest"`
		Reason   string `json:"reason,omitempty"`
	}
	resp, err := c.client.R().SetContext(ctx).SetBody(req).SetResult(&out).Post("/v1/endorse")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "endorse call")
	}
	if resp.IsError() || !out.Approved {
		return nil, errs.Execution(errs.CodeVenueRejected,
			"endorsement denied: status %d %s", resp.StatusCode(), out.Reason)
	}
	// endorser echoes its view of the intent; a mismatch means the two
	// parties are not signing the same thing
	if out.Digest != "" && out.Digest != intentDigest(intent) {
		return nil, errs.Execution(errs.CodeVenueRejected, "endorsement digest mismatch")
	}
	return c.primary.Sign(ctx, intent)
}

func intentDigest(intent Intent) string {
	buf := []byte(intent.ChainID.String())
	buf = append(buf, byte(intent.Nonce>>56), byte(intent.Nonce>>48), byte(intent.Nonce>>40),
		byte(intent.Nonce>>32), byte(intent.Nonce>>24), byte(intent.Nonce>>16),
		byte(intent.Nonce>>8), byte(intent.Nonce))
	if intent.To != nil {
		buf = append(buf, intent.To.Bytes()...)
	}
	buf = append(buf, valueOrZero(intent.ValueWei).Bytes()...)
	buf = append(buf, intent.Payload...)
	return hexutil.Encode(crypto.Keccak256(buf))
}
