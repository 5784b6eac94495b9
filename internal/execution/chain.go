package execution

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/internal/errs"
	"github.com/readytrader/gateway/internal/signing"
)

// Broadcaster is the subset of an Ethereum RPC client the chain venue
// needs. *ethclient.Client satisfies it.
type Broadcaster interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

const nativeTransferGas = 21_000

var weiPerToken = decimal.New(1, 18)

// ChainVenue signs and broadcasts native transfers. A broadcast whose
// outcome is unknown is never blindly retried: the transaction hash is
// recorded before sending, and Reconcile checks the chain for it
// first.
type ChainVenue struct {
	name   string
	signer signing.Signer
	client Broadcaster
}

func NewChainVenue(name string, signer signing.Signer, client Broadcaster) *ChainVenue {
	return &ChainVenue{name: name, signer: signer, client: client}
}

func (v *ChainVenue) Name() string               { return v.name }
func (v *ChainVenue) Family() domain.VenueFamily { return domain.VenueChain }

func (v *ChainVenue) Place(ctx context.Context, req domain.TradeRequest, order *domain.Order) error {
	nonce, err := v.client.PendingNonceAt(ctx, v.signer.Address())
	if err != nil {
		return pkgerrors.Wrap(err, "fetch nonce")
	}
	gasPrice, err := v.client.SuggestGasPrice(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "fetch gas price")
	}

	to := common.HexToAddress(req.Destination)
	intent := signing.Intent{
		ChainID:  big.NewInt(req.ChainID),
		Nonce:    nonce,
		To:       &to,
		ValueWei: req.Amount.Mul(weiPerToken).BigInt(),
		Gas:      nativeTransferGas,
		GasPrice: gasPrice,
	}
	signed, err := v.signer.Sign(ctx, intent)
	if err != nil {
		return err
	}

	// recorded before broadcast so an ambiguous outcome stays
	// resolvable
	order.TxHash = signed.TxHash.Hex()

	if err := v.client.SendTransaction(ctx, signed.Tx); err != nil {
		return classifyBroadcastError(v.name, err)
	}
	order.Status = domain.OrderSubmitted
	order.StatusDetail = "broadcast accepted"
	return nil
}

func (v *ChainVenue) Reconcile(ctx context.Context, order *domain.Order) (bool, error) {
	if order.TxHash == "" {
		return false, nil
	}
	_, pending, err := v.client.TransactionByHash(ctx, common.HexToHash(order.TxHash))
	if err != nil {
		if pkgerrors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, pkgerrors.Wrap(err, "query transaction")
	}
	order.Status = domain.OrderSubmitted
	if pending {
		order.StatusDetail = "in mempool"
	} else {
		order.Status = domain.OrderFilled
		order.FilledAmount = order.RequestedAmount
		order.StatusDetail = "mined"
	}
	return true, nil
}

func classifyBroadcastError(venue string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"):
		// the node has it; treat as accepted on reconcile
		return errs.Execution(errs.CodeBroadcastUnknown,
			"%s: transaction already known", venue).WithCause(err)
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction"):
		return errs.Execution(errs.CodeNonceConflict,
			"%s: nonce conflict on broadcast", venue).WithCause(err)
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "exceeds block gas limit"):
		return errs.Execution(errs.CodeVenueRejected,
			"%s: broadcast rejected", venue).WithCause(err)
	default:
		return errs.Execution(errs.CodeBroadcastUnknown,
			"%s: broadcast outcome unknown", venue).WithCause(err)
	}
}
