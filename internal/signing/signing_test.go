package signing

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/readytrader/gateway/internal/errs"
	"github.com/readytrader/gateway/pkg/config"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testIntent() Intent {
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	return Intent{
		ChainID:  big.NewInt(137),
		Nonce:    7,
		To:       &to,
		ValueWei: big.NewInt(1_000_000),
		Gas:      21_000,
		GasPrice: big.NewInt(30_000_000_000),
	}
}

func TestLocalSignerProducesValidSignature(t *testing.T) {
	s, err := NewLocalFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}

	signed, err := s.Sign(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(signed.Raw) == 0 || signed.TxHash == (common.Hash{}) {
		t.Fatal("signed result missing raw bytes or hash")
	}

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), signed.Tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != s.Address() {
		t.Fatalf("recovered sender %s, expected %s", sender.Hex(), s.Address().Hex())
	}
}

func TestLocalSignerRejectsBadKey(t *testing.T) {
	if _, err := NewLocalFromHex("not-hex"); err == nil {
		t.Fatal("bad key must be rejected at construction")
	}
}

func testPolicyConfig() config.SignerPolicyConfig {
	return config.SignerPolicyConfig{
		AllowChainIDs:     []int64{137},
		AllowDestinations: []string{"0x1111111111111111111111111111111111111111"},
		MaxValueWei:       "2000000",
		MaxGas:            100_000,
		MaxPayloadBytes:   1024,
	}
}

func TestSignerPolicyAllows(t *testing.T) {
	p, err := PolicyFromConfig(testPolicyConfig())
	if err != nil {
		t.Fatalf("build policy: %v", err)
	}
	if err := p.Check(testIntent()); err != nil {
		t.Fatalf("conforming intent denied: %v", err)
	}
}

func TestSignerPolicyDenials(t *testing.T) {
	p, err := PolicyFromConfig(testPolicyConfig())
	if err != nil {
		t.Fatalf("build policy: %v", err)
	}

	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	cases := []struct {
		name   string
		mutate func(*Intent)
		want   string
	}{
		{"wrong chain", func(i *Intent) { i.ChainID = big.NewInt(1) }, errs.CodeChainNotAllowed},
		{"wrong destination", func(i *Intent) { i.To = &other }, errs.CodeAddressNotAllowed},
		{"contract creation", func(i *Intent) { i.To = nil }, errs.CodeAddressNotAllowed},
		{"value over ceiling", func(i *Intent) { i.ValueWei = big.NewInt(2_000_001) }, errs.CodeAmountExceedsLimit},
		{"gas over ceiling", func(i *Intent) { i.Gas = 100_001 }, errs.CodeAmountExceedsLimit},
		{"payload over ceiling", func(i *Intent) { i.Payload = make([]byte, 1025) }, errs.CodeAmountExceedsLimit},
	}
	for _, tc := range cases {
		intent := testIntent()
		tc.mutate(&intent)
		if err := p.Check(intent); !errs.IsCode(err, tc.want) {
			t.Errorf("%s: expected %s, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSignerPolicyValueAtCeilingPasses(t *testing.T) {
	p, _ := PolicyFromConfig(testPolicyConfig())
	intent := testIntent()
	intent.ValueWei = big.NewInt(2_000_000)
	if err := p.Check(intent); err != nil {
		t.Fatalf("value exactly at the ceiling should pass: %v", err)
	}
}

func TestSignerPolicyRejectsBadConfig(t *testing.T) {
	bad := testPolicyConfig()
	bad.MaxValueWei = "lots"
	if _, err := PolicyFromConfig(bad); err == nil {
		t.Fatal("non-numeric value ceiling must fail at load")
	}

	bad = testPolicyConfig()
	bad.AllowDestinations = []string{"not-an-address"}
	if _, err := PolicyFromConfig(bad); err == nil {
		t.Fatal("malformed destination must fail at load")
	}
}

func TestPolicedSignerDeniesBeforeKeyTouch(t *testing.T) {
	inner, err := NewLocalFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	p, _ := PolicyFromConfig(testPolicyConfig())
	s := WithPolicy(inner, p)

	intent := testIntent()
	intent.ChainID = big.NewInt(1)
	if _, err := s.Sign(context.Background(), intent); !errs.IsCode(err, errs.CodeChainNotAllowed) {
		t.Fatalf("expected %s, got %v", errs.CodeChainNotAllowed, err)
	}
}

func TestFromConfigUnknownType(t *testing.T) {
	cfg := &config.Config{}
	cfg.Signer.Type = "hsm"
	if _, err := FromConfig(cfg); err == nil {
		t.Fatal("unknown signer type must be rejected")
	}
}
