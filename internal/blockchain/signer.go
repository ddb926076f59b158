package blockchain

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// EIP-712 домен контракта расчётов
const (
	domainName    = "Exchange"
	domainVersion = "1"
)

// Типы EIP-712
var (
	eip712DomainTypeHash = keccak([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	orderTypeHash        = keccak([]byte("Order(address senderAddress,address matcherAddress,address baseAsset,address quoteAsset,address matcherFeeAsset,uint64 amount,uint64 price,uint64 matcherFee,uint64 nonce,uint64 expiration,uint8 buySide)"))
)

// Signer подписывает канонические order-структуры и служебные сообщения
// ключом брокера
//
// Приватный ключ живёт только в памяти (расшифрован из settings store при
// старте) и никогда не логируется.
type Signer struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
}

// NewSigner создает подписанта из hex-представления приватного ключа
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	key, err := ethcrypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{key: key, chainID: big.NewInt(chainID)}, nil
}

// Address возвращает адрес кошелька брокера (0x-hex, lowercase)
func (s *Signer) Address() string {
	return strings.ToLower(ethcrypto.PubkeyToAddress(s.key.PublicKey).Hex())
}

// PublicKey возвращает несжатый публичный ключ (0x-hex)
func (s *Signer) PublicKey() string {
	return "0x" + hex.EncodeToString(ethcrypto.FromECDSAPub(&s.key.PublicKey))
}

// OrderPayload - каноническая структура ордера для расчётов на контракте.
// Все суммы уже в базовых единицах (см. units.go).
type OrderPayload struct {
	SenderAddress   string
	MatcherAddress  string
	BaseAsset       string
	QuoteAsset      string
	MatcherFeeAsset string
	Amount          uint64
	Price           uint64
	MatcherFee      uint64
	Nonce           uint64
	Expiration      uint64
	BuySide         uint8
}

// SignOrder хеширует ордер по EIP-712 и подписывает ключом брокера.
// Возвращает 65-байтовую подпись (r ‖ s ‖ v+27) в 0x-hex.
func (s *Signer) SignOrder(order OrderPayload) (string, error) {
	structHash, err := hashOrder(order)
	if err != nil {
		return "", err
	}
	digest := s.typedDataDigest(structHash)
	return s.signDigest(digest)
}

// SignMessage подписывает произвольное сообщение (регистрационный handshake).
// Хеш - keccak256 от сырого сообщения.
func (s *Signer) SignMessage(message []byte) (string, error) {
	return s.signDigest(keccak(message))
}

func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", err
	}
	// go-ethereum возвращает v в {0,1}, контракт ожидает {27,28}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// typedDataDigest собирает digest EIP-712: "\x19\x01" ‖ domainSeparator ‖ structHash
func (s *Signer) typedDataDigest(structHash []byte) []byte {
	domainSeparator := keccak(concat(
		eip712DomainTypeHash,
		keccak([]byte(domainName)),
		keccak([]byte(domainVersion)),
		padBig(s.chainID),
	))
	return keccak(concat([]byte{0x19, 0x01}, domainSeparator, structHash))
}

// hashOrder кодирует поля ордера 32-байтовыми словами и хеширует со своим type hash
func hashOrder(order OrderPayload) ([]byte, error) {
	sender, err := padAddress(order.SenderAddress)
	if err != nil {
		return nil, err
	}
	matcher, err := padAddress(order.MatcherAddress)
	if err != nil {
		return nil, err
	}
	base, err := padAddress(order.BaseAsset)
	if err != nil {
		return nil, err
	}
	quote, err := padAddress(order.QuoteAsset)
	if err != nil {
		return nil, err
	}
	feeAsset, err := padAddress(order.MatcherFeeAsset)
	if err != nil {
		return nil, err
	}

	return keccak(concat(
		orderTypeHash,
		sender,
		matcher,
		base,
		quote,
		feeAsset,
		padUint64(order.Amount),
		padUint64(order.Price),
		padUint64(order.MatcherFee),
		padUint64(order.Nonce),
		padUint64(order.Expiration),
		padUint64(uint64(order.BuySide)),
	)), nil
}

func keccak(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// padAddress кодирует 20-байтовый адрес в 32-байтовое слово
func padAddress(addr string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(addr), "0x"))
	if err != nil {
		return nil, fmt.Errorf("bad address %q: %w", addr, err)
	}
	if len(raw) != 20 {
		return nil, fmt.Errorf("bad address %q: want 20 bytes, got %d", addr, len(raw))
	}
	out := make([]byte, 32)
	copy(out[12:], raw)
	return out, nil
}

// padUint64 кодирует uint64 в 32-байтовое слово (big-endian)
func padUint64(v uint64) []byte {
	out := make([]byte, 32)
	for i := 0; i < 8; i++ {
		out[31-i] = byte(v >> (8 * i))
	}
	return out
}

func padBig(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}
