package crypto

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name)"),
	)

	// Allowance(string asset,string amount)
	allowanceTypeHash = ethcrypto.Keccak256(
		[]byte("Allowance(string asset,string amount)"),
	)

	// Policy(string challenge,string scope,address wallet,address session_key,uint256 expires_at,Allowance[] allowances)Allowance(string asset,string amount)
	policyTypeHash = ethcrypto.Keccak256(
		[]byte("Policy(string challenge,string scope,address wallet,address session_key,uint256 expires_at,Allowance[] allowances)Allowance(string asset,string amount)"),
	)
)

// Allowance caps what a session key may spend of one asset.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Policy is the typed message a wallet signs to answer an auth challenge.
// It binds the server's challenge to the ephemeral session key.
type Policy struct {
	Application string
	Challenge   string
	Scope       string
	Wallet      string
	SessionKey  string
	ExpiresAt   int64
	Allowances  []Allowance
}

// WalletSigner signs on behalf of the user's wallet.
type WalletSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewWalletSigner creates a WalletSigner from a hex-encoded secp256k1
// private key.
func NewWalletSigner(privateKeyHex string) (*WalletSigner, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &WalletSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the checksummed wallet address.
func (s *WalletSigner) Address() string {
	return s.address.Hex()
}

// SignChallenge signs p as EIP-712 typed data. The signer refuses policies
// issued for a different wallet.
func (s *WalletSigner) SignChallenge(ctx context.Context, p Policy) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("crypto/signer: sign challenge: %w: %v", domain.ErrAuthRejected, err)
	}
	if !common.IsHexAddress(p.Wallet) || common.HexToAddress(p.Wallet) != s.address {
		return "", fmt.Errorf("crypto/signer: policy wallet %q is not %s: %w", p.Wallet, s.address.Hex(), domain.ErrAuthRejected)
	}

	digest, err := PolicyDigest(p)
	if err != nil {
		return "", err
	}
	return signDigest(s.privateKey, digest)
}

// SignMessage signs keccak256(payload) with the wallet key.
func (s *WalletSigner) SignMessage(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("crypto/signer: sign message: %w: %v", domain.ErrAuthRejected, err)
	}
	return signDigest(s.privateKey, ethcrypto.Keccak256(payload))
}

// SignTx signs an on-chain transaction with the wallet key.
func (s *WalletSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// SessionKey is an ephemeral key generated per session. The node accepts
// requests signed by it once the wallet has authorized it.
type SessionKey struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSessionKey generates a fresh session key.
func NewSessionKey() (*SessionKey, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generate session key: %w", err)
	}
	return &SessionKey{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the checksummed address of the session key.
func (k *SessionKey) Address() string {
	return k.address.Hex()
}

// Sign signs keccak256(payload). Its signature matches
// clearnode.RequestSigner.
func (k *SessionKey) Sign(payload []byte) (string, error) {
	return signDigest(k.privateKey, ethcrypto.Keccak256(payload))
}

// PolicyDigest returns the EIP-712 digest of p.
func PolicyDigest(p Policy) ([]byte, error) {
	if !common.IsHexAddress(p.Wallet) {
		return nil, fmt.Errorf("crypto/signer: invalid wallet address %q", p.Wallet)
	}
	if !common.IsHexAddress(p.SessionKey) {
		return nil, fmt.Errorf("crypto/signer: invalid session key address %q", p.SessionKey)
	}

	allowanceHashes := make([][]byte, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		allowanceHashes = append(allowanceHashes, ethcrypto.Keccak256(
			concatBytes(
				allowanceTypeHash,
				ethcrypto.Keccak256([]byte(a.Asset)),
				ethcrypto.Keccak256([]byte(a.Amount)),
			),
		))
	}

	structHash := ethcrypto.Keccak256(
		concatBytes(
			policyTypeHash,
			ethcrypto.Keccak256([]byte(p.Challenge)),
			ethcrypto.Keccak256([]byte(p.Scope)),
			common.LeftPadBytes(common.HexToAddress(p.Wallet).Bytes(), 32),
			common.LeftPadBytes(common.HexToAddress(p.SessionKey).Bytes(), 32),
			bigIntTo32Bytes(big.NewInt(p.ExpiresAt)),
			ethcrypto.Keccak256(concatBytes(allowanceHashes...)),
		),
	)

	return eip712Hash(domainSeparator(p.Application), structHash), nil
}

// RecoverAddress returns the address that produced sig over digest.
func RecoverAddress(digest []byte, sig string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return "", fmt.Errorf("crypto/signer: decode signature: %w", err)
	}
	if len(raw) != 65 {
		return "", fmt.Errorf("crypto/signer: signature is %d bytes, want 65", len(raw))
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

// RecoverMessageSigner returns the address that signed keccak256(payload).
func RecoverMessageSigner(payload []byte, sig string) (string, error) {
	return RecoverAddress(ethcrypto.Keccak256(payload), sig)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// domainSeparator returns keccak256(abi.encode(typeHash, nameHash)).
func domainSeparator(name string) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func signDigest(pk *ecdsa.PrivateKey, digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, pk)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
