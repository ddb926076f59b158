package blockchain

import (
	"strings"
	"testing"
)

// Известный ключ из документации go-ethereum, не используется нигде кроме тестов
const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(testPrivateKey, 1)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func TestNewSigner(t *testing.T) {
	s := newTestSigner(t)
	if got := s.Address(); got != "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23" {
		t.Errorf("Address() = %s, want 0x2c7536e3605d9c16a7a3d7b1898e529396a65c23", got)
	}

	// Префикс 0x у входного ключа допустим
	withPrefix, err := NewSigner("0x"+testPrivateKey, 1)
	if err != nil {
		t.Fatalf("NewSigner with 0x prefix: %v", err)
	}
	if withPrefix.Address() != s.Address() {
		t.Error("address depends on 0x prefix")
	}

	if _, err := NewSigner("not-a-key", 1); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestSignerPublicKey(t *testing.T) {
	s := newTestSigner(t)
	pub := s.PublicKey()
	// Несжатый ключ: 0x + 65 байт (префикс 0x04 + X + Y)
	if !strings.HasPrefix(pub, "0x04") || len(pub) != 2+130 {
		t.Errorf("PublicKey() = %s (len %d), want uncompressed 0x04-prefixed key", pub, len(pub))
	}
}

func testOrder() OrderPayload {
	return OrderPayload{
		SenderAddress:   "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23",
		MatcherAddress:  "0x1111111111111111111111111111111111111111",
		BaseAsset:       "0x2222222222222222222222222222222222222222",
		QuoteAsset:      "0x0000000000000000000000000000000000000000",
		MatcherFeeAsset: "0x0000000000000000000000000000000000000000",
		Amount:          1000000000,
		Price:           50000000,
		MatcherFee:      300000,
		Nonce:           1700000000000,
		Expiration:      1700002592000,
		BuySide:         1,
	}
}

func TestSignOrder(t *testing.T) {
	s := newTestSigner(t)

	sig, err := s.SignOrder(testOrder())
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}

	// 65 байт: r(32) + s(32) + v(1), v в {27, 28}
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+130 {
		t.Fatalf("signature = %s (len %d), want 0x-hex of 65 bytes", sig, len(sig))
	}
	vByte := sig[len(sig)-2:]
	if vByte != "1b" && vByte != "1c" {
		t.Errorf("recovery byte = %s, want 1b or 1c", vByte)
	}

	// Подпись детерминирована для одного и того же ордера
	again, err := s.SignOrder(testOrder())
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if sig != again {
		t.Error("signature is not deterministic")
	}

	// Любое изменение поля меняет digest и подпись
	changed := testOrder()
	changed.Amount++
	other, err := s.SignOrder(changed)
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if sig == other {
		t.Error("signature did not change with order amount")
	}
}

func TestSignOrderBadAddress(t *testing.T) {
	s := newTestSigner(t)

	order := testOrder()
	order.BaseAsset = "0x1234"
	if _, err := s.SignOrder(order); err == nil {
		t.Error("expected error for short asset address")
	}

	order = testOrder()
	order.SenderAddress = "zz7536e3605d9c16a7a3d7b1898e529396a65c23"
	if _, err := s.SignOrder(order); err == nil {
		t.Error("expected error for non-hex address")
	}
}

func TestSignMessage(t *testing.T) {
	s := newTestSigner(t)

	sig, err := s.SignMessage([]byte("0x2c7536e3605d9c16a7a3d7b1898e529396a65c23:1700000000"))
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+130 {
		t.Errorf("signature = %s (len %d), want 0x-hex of 65 bytes", sig, len(sig))
	}

	other, err := s.SignMessage([]byte("different message"))
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if sig == other {
		t.Error("signatures of different messages match")
	}
}

func TestChainIDAffectsDomain(t *testing.T) {
	mainnet, err := NewSigner(testPrivateKey, 1)
	if err != nil {
		t.Fatal(err)
	}
	testnet, err := NewSigner(testPrivateKey, 3)
	if err != nil {
		t.Fatal(err)
	}

	sigMain, err := mainnet.SignOrder(testOrder())
	if err != nil {
		t.Fatal(err)
	}
	sigTest, err := testnet.SignOrder(testOrder())
	if err != nil {
		t.Fatal(err)
	}
	if sigMain == sigTest {
		t.Error("EIP-712 domain separator ignores chain id")
	}
}
