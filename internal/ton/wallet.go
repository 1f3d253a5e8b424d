package ton

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// walletVersionTag namespaces the account hash so a future wallet revision
// derives different addresses from the same key.
var walletVersionTag = []byte("wallet-v3r2")

const (
	// addressTagBounceable is the flags byte of a user-friendly bounceable
	// address on the base workchain.
	addressTagBounceable = 0x11
	baseWorkchain        = 0x00
)

// Wallet holds the ed25519 key material for one custodial account.
type Wallet struct {
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
}

// GenerateWallet creates a fresh keypair for a custodial account.
func GenerateWallet() (Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Wallet{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Wallet{PublicKey: pub, SecretKey: priv}, nil
}

// WalletFromKeys reconstructs a wallet from stored key material.
func WalletFromKeys(publicKey, secretKey []byte) (Wallet, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return Wallet{}, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	if len(secretKey) != ed25519.PrivateKeySize {
		return Wallet{}, fmt.Errorf("secret key must be %d bytes", ed25519.PrivateKeySize)
	}
	return Wallet{
		PublicKey: ed25519.PublicKey(publicKey),
		SecretKey: ed25519.PrivateKey(secretKey),
	}, nil
}

// Address derives the wallet's user-friendly address: flags byte, workchain
// byte, 32-byte account hash and a crc16 checksum, URL-safe base64 encoded.
func (w Wallet) Address() string {
	h := sha256.New()
	h.Write(walletVersionTag)
	h.Write([]byte{baseWorkchain})
	h.Write(w.PublicKey)
	accountHash := h.Sum(nil)

	raw := make([]byte, 0, 36)
	raw = append(raw, addressTagBounceable, baseWorkchain)
	raw = append(raw, accountHash...)
	raw = append(raw, crc16(raw)...)

	return base64.URLEncoding.EncodeToString(raw)
}

// transferBody is the canonical signed payload of an outgoing transfer.
type transferBody struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Seqno       uint32 `json:"seqno"`
	Memo        string `json:"memo"`
	ValidUntil  int64  `json:"valid_until"`
}

// SignTransfer builds and signs a transfer envelope ready for submission.
// The memo carries the idempotency key so reconciliation can match the
// transfer later.
func (w Wallet) SignTransfer(seqno uint32, destination string, amount int64, memo string, validUntil time.Time) ([]byte, error) {
	if destination == "" {
		return nil, fmt.Errorf("destination required")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if len(w.SecretKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("wallet has no signing key")
	}

	body, err := json.Marshal(transferBody{
		Source:      w.Address(),
		Destination: destination,
		Amount:      amount,
		Seqno:       seqno,
		Memo:        memo,
		ValidUntil:  validUntil.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal transfer: %w", err)
	}

	sig := ed25519.Sign(w.SecretKey, body)

	envelope := make([]byte, 0, len(sig)+len(body))
	envelope = append(envelope, sig...)
	envelope = append(envelope, body...)
	return envelope, nil
}

// VerifyTransfer checks a transfer envelope signature and returns the signed
// body. Used in tests and by reconciliation tooling.
func VerifyTransfer(publicKey ed25519.PublicKey, envelope []byte) ([]byte, bool) {
	if len(envelope) <= ed25519.SignatureSize {
		return nil, false
	}
	sig := envelope[:ed25519.SignatureSize]
	body := envelope[ed25519.SignatureSize:]
	if !ed25519.Verify(publicKey, body, sig) {
		return nil, false
	}
	return body, true
}

// crc16 computes the CCITT/XMODEM checksum used by user-friendly addresses.
func crc16(data []byte) []byte {
	const poly = 0x1021
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return []byte{byte(crc >> 8), byte(crc)}
}
