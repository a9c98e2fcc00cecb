package polymarket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	testKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func recoverAddress(t *testing.T, digest []byte, sigHex string) string {
	t.Helper()
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length %d, want 65", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("recovery id %d, want 27 or 28", sig[64])
	}
	sig[64] -= 27
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex()
}

func TestNewSignerAddress(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if got := s.Address().Hex(); got != testAddress {
		t.Fatalf("address %s, want %s", got, testAddress)
	}
}

func TestNewSignerRejectsUnknownChainAndBadKey(t *testing.T) {
	if _, err := NewSigner(testKey, 1); err == nil {
		t.Fatalf("expected unsupported chain error")
	}
	if _, err := NewSigner("0xnothex", 137); err == nil {
		t.Fatalf("expected invalid key error")
	}
}

func TestClobAuthSignatureRecovers(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	digest := s.ClobAuthDigest("1700000000", 0)
	sig, err := s.Sign(digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if got := recoverAddress(t, digest, sig); got != testAddress {
		t.Fatalf("recovered %s, want %s", got, testAddress)
	}
	if string(digest) == string(s.ClobAuthDigest("1700000001", 0)) {
		t.Fatalf("digest must depend on timestamp")
	}
}

func TestOrderDigestDependsOnChainAndSide(t *testing.T) {
	mainnet, _ := NewSigner(testKey, 137)
	amoy, _ := NewSigner(testKey, 80002)
	order := OrderPayload{
		Salt:        42,
		Maker:       testAddress,
		Signer:      testAddress,
		Taker:       zeroAddress,
		TokenID:     "1234567890",
		MakerAmount: "5000000",
		TakerAmount: "10000000",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
		Side:        "BUY",
	}
	a, err := mainnet.OrderDigest(order)
	if err != nil {
		t.Fatalf("OrderDigest: %v", err)
	}
	b, _ := amoy.OrderDigest(order)
	if string(a) == string(b) {
		t.Fatalf("digest must bind the chain")
	}
	order.Side = "SELL"
	c, _ := mainnet.OrderDigest(order)
	if string(a) == string(c) {
		t.Fatalf("digest must bind the side")
	}

	order.MakerAmount = "1.5"
	if _, err := mainnet.OrderDigest(order); err == nil {
		t.Fatalf("expected error for non-integer amount")
	}
}

func TestL2Signature(t *testing.T) {
	key := []byte("super-secret-key")
	secret := base64.URLEncoding.EncodeToString(key)
	got, err := l2Signature(secret, "1700000000", "POST", "/order", `{"a":1}`)
	if err != nil {
		t.Fatalf("l2Signature: %v", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(`1700000000POST/order{"a":1}`))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	if got != want {
		t.Fatalf("signature %s, want %s", got, want)
	}
	if _, err := l2Signature("!!!", "1", "GET", "/", ""); err == nil {
		t.Fatalf("expected decode error")
	}
}
