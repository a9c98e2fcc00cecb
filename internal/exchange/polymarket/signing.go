package polymarket

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	clobAuthDomainName    = "ClobAuthDomain"
	clobAuthMessage       = "This message attests that I control the given wallet"
	exchangeDomainName    = "Polymarket CTF Exchange"
	domainVersion         = "1"
	eip712DomainType      = "EIP712Domain(string name,string version,uint256 chainId)"
	eip712DomainTypeWithC = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	clobAuthType          = "ClobAuth(address address,string timestamp,uint256 nonce,string message)"
	orderType             = "Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"
)

// exchangeContracts are the CTF exchange addresses per chain.
var exchangeContracts = map[int64]common.Address{
	137:   common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"),
	80002: common.HexToAddress("0xdFE02Eb6733538f8Ea35D585af8DE5958AD99E40"),
}

// Signer produces the EIP-712 signatures the CLOB expects.
type Signer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	contract common.Address
}

func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	contract, ok := exchangeContracts[chainID]
	if !ok {
		return nil, fmt.Errorf("unsupported chain id %d", chainID)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(chainID),
		contract: contract,
	}, nil
}

func (s *Signer) Address() common.Address { return s.address }

// ClobAuthDigest is the typed-data hash proving control of the wallet at timestamp.
func (s *Signer) ClobAuthDigest(timestamp string, nonce int64) []byte {
	domain := crypto.Keccak256(
		crypto.Keccak256([]byte(eip712DomainType)),
		encString(clobAuthDomainName),
		encString(domainVersion),
		encUint(s.chainID),
	)
	structHash := crypto.Keccak256(
		crypto.Keccak256([]byte(clobAuthType)),
		encAddress(s.address),
		encString(timestamp),
		encUint(big.NewInt(nonce)),
		encString(clobAuthMessage),
	)
	return typedDataHash(domain, structHash)
}

// OrderDigest is the typed-data hash of an order on this chain's exchange.
func (s *Signer) OrderDigest(o OrderPayload) ([]byte, error) {
	fields := []struct {
		name string
		raw  string
	}{
		{"salt", strconv.FormatInt(o.Salt, 10)},
		{"tokenId", o.TokenID},
		{"makerAmount", o.MakerAmount},
		{"takerAmount", o.TakerAmount},
		{"expiration", o.Expiration},
		{"nonce", o.Nonce},
		{"feeRateBps", o.FeeRateBps},
	}
	ints := make(map[string]*big.Int, len(fields))
	for _, f := range fields {
		v, ok := new(big.Int).SetString(f.raw, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("order %s %q is not an unsigned integer", f.name, f.raw)
		}
		ints[f.name] = v
	}
	domain := crypto.Keccak256(
		crypto.Keccak256([]byte(eip712DomainTypeWithC)),
		encString(exchangeDomainName),
		encString(domainVersion),
		encUint(s.chainID),
		encAddress(s.contract),
	)
	structHash := crypto.Keccak256(
		crypto.Keccak256([]byte(orderType)),
		encUint(ints["salt"]),
		encAddress(common.HexToAddress(o.Maker)),
		encAddress(common.HexToAddress(o.Signer)),
		encAddress(common.HexToAddress(o.Taker)),
		encUint(ints["tokenId"]),
		encUint(ints["makerAmount"]),
		encUint(ints["takerAmount"]),
		encUint(ints["expiration"]),
		encUint(ints["nonce"]),
		encUint(ints["feeRateBps"]),
		encUint(big.NewInt(int64(sideIndex(o.Side)))),
		encUint(big.NewInt(int64(o.SignatureType))),
	)
	return typedDataHash(domain, structHash), nil
}

// Sign returns a 65 byte signature with an Ethereum style recovery id (27/28).
func (s *Signer) Sign(digest []byte) (string, error) {
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

func typedDataHash(domainSeparator, structHash []byte) []byte {
	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, structHash)
}

func encString(v string) []byte { return crypto.Keccak256([]byte(v)) }

func encUint(v *big.Int) []byte { return common.LeftPadBytes(v.Bytes(), 32) }

func encAddress(a common.Address) []byte { return common.LeftPadBytes(a.Bytes(), 32) }

func sideIndex(side string) int {
	if strings.EqualFold(side, "SELL") {
		return 1
	}
	return 0
}

// l2Signature is the HMAC the CLOB expects on authenticated requests.
func l2Signature(secret, timestamp, method, requestPath, body string) (string, error) {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(secret)
		if err != nil {
			return "", fmt.Errorf("decode api secret: %w", err)
		}
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
