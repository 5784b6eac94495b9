// keytool seeds and inspects the encrypted signer key store. It keeps
// key material out of config files: the gateway reads the store at
// startup and nothing else ever prints the key.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"

	"github.com/readytrader/gateway/pkg/secretstore"
)

func main() {
	var (
		badgerPath = flag.String("badger", getenv("GATEWAY_SECRET_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey  = flag.String("secret-key", getenv("GATEWAY_SECRETSTORE_KEY", ""), "badger encryption key (32 bytes, base64 or hex)")
		setKeyHex  = flag.String("set-key-hex", "", "store a raw private key (hex)")
		setMnem    = flag.String("set-mnemonic", "", "store a bip39 mnemonic")
		derivePath = flag.String("path", "m/44'/60'/0'/0/0", "derivation path for -show")
		show       = flag.Bool("show", false, "print the signer address for stored material")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("encryption key is required: set GATEWAY_SECRETSTORE_KEY or pass -secret-key"))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *badgerPath,
		EncryptionKey: keyBytes,
		ReadOnly:      *setKeyHex == "" && *setMnem == "",
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	switch {
	case *setKeyHex != "":
		keyHex := strings.TrimPrefix(strings.TrimSpace(*setKeyHex), "0x")
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			fatal(fmt.Errorf("invalid private key: %w", err))
		}
		if err := ss.SetString(secretstore.KeySignerHex, keyHex); err != nil {
			fatal(err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if err := ss.SetString(secretstore.KeySignerAddress, addr.Hex()); err != nil {
			fatal(err)
		}
		fmt.Println("stored key for", addr.Hex())

	case *setMnem != "":
		mn := strings.TrimSpace(*setMnem)
		addr, err := deriveAddress(mn, *derivePath)
		if err != nil {
			fatal(err)
		}
		if err := ss.SetString(secretstore.KeySignerMnemonic, mn); err != nil {
			fatal(err)
		}
		if err := ss.SetString(secretstore.KeySignerAddress, addr); err != nil {
			fatal(err)
		}
		fmt.Println("stored mnemonic, derived", addr, "at", *derivePath)

	case *show:
		if mn, ok, err := ss.GetString(secretstore.KeySignerMnemonic); err != nil {
			fatal(err)
		} else if ok {
			addr, err := deriveAddress(mn, *derivePath)
			if err != nil {
				fatal(err)
			}
			fmt.Println("mnemonic signer:", addr, "at", *derivePath)
			return
		}
		if addr, ok, err := ss.GetString(secretstore.KeySignerAddress); err != nil {
			fatal(err)
		} else if ok {
			fmt.Println("stored signer:", addr)
			return
		}
		fatal(fmt.Errorf("store holds no signer material"))

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func deriveAddress(mnemonic, path string) (string, error) {
	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return "", fmt.Errorf("invalid mnemonic: %w", err)
	}
	dp, err := hdwallet.ParseDerivationPath(path)
	if err != nil {
		return "", fmt.Errorf("invalid derivation path: %w", err)
	}
	account, err := wallet.Derive(dp, false)
	if err != nil {
		return "", fmt.Errorf("derive account: %w", err)
	}
	return account.Address.Hex(), nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
