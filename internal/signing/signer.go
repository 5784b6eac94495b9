// Package signing turns approved execution into signed transactions.
// The signer variant is resolved once at startup; nothing in the hot
// path can switch keys or bypass the signer policy.
package signing

import (
	"context"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	pkgerrors "github.com/pkg/errors"

	"github.com/readytrader/gateway/internal/errs"
	"github.com/readytrader/gateway/pkg/config"
	"github.com/readytrader/gateway/pkg/secretstore"
)

// Intent is everything the signer needs, and everything the signer
// policy validates. To == nil means contract creation.
type Intent struct {
	ChainID  *big.Int
	Nonce    uint64
	To       *common.Address
	ValueWei *big.Int
	Gas      uint64
	GasPrice *big.Int
	Payload  []byte
}

// Signed is the broadcast-ready result. Raw is the RLP encoding of the
// signed transaction; no private material ever appears here.
type Signed struct {
	Raw    []byte
	TxHash common.Hash
	From   common.Address
	Tx     *types.Transaction
}

type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, intent Intent) (*Signed, error)
	// Ready reports whether the signer can sign right now. Remote
	// variants use it for health reporting.
	Ready(ctx context.Context) error
}

// FromConfig resolves the configured signer variant and wraps it in
// the signer policy. Key material may live in the encrypted secret
// store instead of the config file.
func FromConfig(cfg *config.Config) (Signer, error) {
	sc := cfg.Signer

	keyHex, mnemonic := sc.KeyHex, sc.Mnemonic
	if keyHex == "" && mnemonic == "" && sc.SecretStorePath != "" {
		var err error
		keyHex, mnemonic, err = loadFromSecretStore(sc.SecretStorePath)
		if err != nil {
			return nil, err
		}
	}

	var (
		inner Signer
		err   error
	)
	switch sc.Type {
	case "local", "":
		switch {
		case keyHex != "":
			inner, err = NewLocalFromHex(keyHex)
		case mnemonic != "":
			inner, err = NewLocalFromMnemonic(mnemonic, sc.DerivationPath)
		default:
			return nil, errs.Configuration(errs.CodeSignerNotConfigured,
				"local signer needs key_hex or mnemonic")
		}
	case "keystore":
		inner, err = NewLocalFromKeystore(sc.KeystorePath, sc.KeystorePass)
	case "remote":
		inner, err = NewRemote(sc.RemoteURL, sc.RemoteToken)
	case "cosign":
		var primary Signer
		switch {
		case keyHex != "":
			primary, err = NewLocalFromHex(keyHex)
		case mnemonic != "":
			primary, err = NewLocalFromMnemonic(mnemonic, sc.DerivationPath)
		default:
			return nil, errs.Configuration(errs.CodeSignerNotConfigured,
				"cosign needs a local primary key")
		}
		if err == nil {
			inner, err = NewCosign(primary, sc.RemoteURL, sc.RemoteToken)
		}
	default:
		return nil, errs.Configuration(errs.CodeSignerNotConfigured,
			"unknown signer type %q", sc.Type)
	}
	if err != nil {
		return nil, err
	}

	pol, err := PolicyFromConfig(sc.Policy)
	if err != nil {
		return nil, err
	}
	return WithPolicy(inner, pol), nil
}

func loadFromSecretStore(path string) (keyHex, mnemonic string, err error) {
	var encKey []byte
	if raw := os.Getenv("GATEWAY_SECRETSTORE_KEY"); raw != "" {
		encKey, err = secretstore.ParseKey(raw)
		if err != nil {
			return "", "", pkgerrors.Wrap(err, "parse secret store key")
		}
	}
	st, err := secretstore.Open(secretstore.OpenOptions{
		Path:          path,
		EncryptionKey: encKey,
		ReadOnly:      true,
	})
	if err != nil {
		return "", "", pkgerrors.Wrap(err, "open secret store")
	}
	defer st.Close()

	if v, ok, err := st.GetString(secretstore.KeySignerHex); err != nil {
		return "", "", pkgerrors.Wrap(err, "read signer key")
	} else if ok {
		return v, "", nil
	}
	if v, ok, err := st.GetString(secretstore.KeySignerMnemonic); err != nil {
		return "", "", pkgerrors.Wrap(err, "read signer mnemonic")
	} else if ok {
		return "", v, nil
	}
	return "", "", errs.Configuration(errs.CodeSignerNotConfigured,
		"secret store %s holds no signer material", path)
}
