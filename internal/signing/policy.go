package signing

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/readytrader/gateway/internal/errs"
	"github.com/readytrader/gateway/pkg/config"
)

// Policy is the last gate before the key. It re-checks the intent even
// though the upstream policy engine already approved the trade: the
// two layers share no code, so a bug in one cannot silence the other.
type Policy struct {
	allowChainIDs   map[int64]struct{}
	allowDests      map[common.Address]struct{}
	maxValueWei     *big.Int
	maxGas          uint64
	maxPayloadBytes int
	allowCreate     bool
}

func PolicyFromConfig(pc config.SignerPolicyConfig) (*Policy, error) {
	p := &Policy{
		allowChainIDs:   make(map[int64]struct{}, len(pc.AllowChainIDs)),
		allowDests:      make(map[common.Address]struct{}, len(pc.AllowDestinations)),
		maxGas:          pc.MaxGas,
		maxPayloadBytes: pc.MaxPayloadBytes,
		allowCreate:     pc.AllowContractCreate,
	}
	for _, id := range pc.AllowChainIDs {
		p.allowChainIDs[id] = struct{}{}
	}
	for _, d := range pc.AllowDestinations {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if !common.IsHexAddress(d) {
			return nil, errs.Configuration(errs.CodeInvalidConfiguration,
				"signer policy destination %q is not an address", d)
		}
		p.allowDests[common.HexToAddress(d)] = struct{}{}
	}
	if pc.MaxValueWei != "" {
		v, ok := new(big.Int).SetString(pc.MaxValueWei, 10)
		if !ok || v.Sign() < 0 {
			return nil, errs.Configuration(errs.CodeInvalidConfiguration,
				"signer policy max_value_wei %q is not a decimal integer", pc.MaxValueWei)
		}
		p.maxValueWei = v
	}
	return p, nil
}

// Check denies the intent on the first violated rule.
func (p *Policy) Check(intent Intent) error {
	if intent.ChainID == nil || intent.ChainID.Sign() <= 0 {
		return errs.Policy(errs.CodeChainNotAllowed, "intent has no chain id")
	}
	if len(p.allowChainIDs) > 0 {
		if _, ok := p.allowChainIDs[intent.ChainID.Int64()]; !ok {
			return errs.Policy(errs.CodeChainNotAllowed,
				"signer refuses chain %s", intent.ChainID)
		}
	}
	if intent.To == nil {
		if !p.allowCreate {
			return errs.Policy(errs.CodeAddressNotAllowed, "signer refuses contract creation")
		}
	} else if len(p.allowDests) > 0 {
		if _, ok := p.allowDests[*intent.To]; !ok {
			return errs.Policy(errs.CodeAddressNotAllowed,
				"signer refuses destination %s", intent.To.Hex())
		}
	}
	if p.maxValueWei != nil && valueOrZero(intent.ValueWei).Cmp(p.maxValueWei) > 0 {
		return errs.Policy(errs.CodeAmountExceedsLimit,
			"signer value ceiling %s wei exceeded", p.maxValueWei)
	}
	if p.maxGas > 0 && intent.Gas > p.maxGas {
		return errs.Policy(errs.CodeAmountExceedsLimit,
			"signer gas ceiling %d exceeded (%d)", p.maxGas, intent.Gas)
	}
	if p.maxPayloadBytes > 0 && len(intent.Payload) > p.maxPayloadBytes {
		return errs.Policy(errs.CodeAmountExceedsLimit,
			"signer payload ceiling %d bytes exceeded (%d)", p.maxPayloadBytes, len(intent.Payload))
	}
	return nil
}

// policedSigner runs the policy check before every sign call.
type policedSigner struct {
	inner  Signer
	policy *Policy
}

func WithPolicy(inner Signer, policy *Policy) Signer {
	return &policedSigner{inner: inner, policy: policy}
}

func (s *policedSigner) Address() common.Address { return s.inner.Address() }

func (s *policedSigner) Ready(ctx context.Context) error { return s.inner.Ready(ctx) }

func (s *policedSigner) Sign(ctx context.Context, intent Intent) (*Signed, error) {
	if err := s.policy.Check(intent); err != nil {
		return nil, err
	}
	return s.inner.Sign(ctx, intent)
}
