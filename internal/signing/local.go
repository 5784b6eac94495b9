package signing

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	pkgerrors "github.com/pkg/errors"
)

const defaultDerivationPath = "m/44'/60'/0'/0/0"

// Local signs with an in-process secp256k1 key. The key never leaves
// this struct.
type Local struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalFromHex(keyHex string) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse signer key")
	}
	return &Local{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func NewLocalFromMnemonic(mnemonic, derivationPath string) (*Local, error) {
	if derivationPath == "" {
		derivationPath = defaultDerivationPath
	}
	wallet, err := hdwallet.NewFromMnemonic(strings.TrimSpace(mnemonic))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse mnemonic")
	}
	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse derivation path")
	}
	account, err := wallet.Derive(path, false)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "derive account")
	}
	key, err := wallet.PrivateKey(account)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "export derived key")
	}
	return &Local{key: key, addr: account.Address}, nil
}

func NewLocalFromKeystore(path, passphrase string) (*Local, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read keystore file")
	}
	k, err := keystore.DecryptKey(blob, passphrase)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decrypt keystore")
	}
	return &Local{key: k.PrivateKey, addr: crypto.PubkeyToAddress(k.PrivateKey.PublicKey)}, nil
}

func (l *Local) Address() common.Address { return l.addr }

func (l *Local) Ready(ctx context.Context) error { return nil }

func (l *Local) Sign(ctx context.Context, intent Intent) (*Signed, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    intent.Nonce,
		To:       intent.To,
		Value:    valueOrZero(intent.ValueWei),
		Gas:      intent.Gas,
		GasPrice: valueOrZero(intent.GasPrice),
		Data:     intent.Payload,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(intent.ChainID), l.key)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "sign transaction")
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "encode signed transaction")
	}
	return &Signed{Raw: raw, TxHash: signed.Hash(), From: l.addr, Tx: signed}, nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
