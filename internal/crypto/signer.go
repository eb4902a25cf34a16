package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions for a single secp256k1 account.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner wraps an already-parsed private key.
func NewSigner(pk *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}
}

// NewSignerFromHex parses a hex key and wraps it.
func NewSignerFromHex(privateKeyHex string) (*Signer, error) {
	pk, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return NewSigner(pk), nil
}

// SignerFor builds a Signer for a request-supplied key and checks that the key
// actually controls the claimed from address.
func SignerFor(privateKeyHex, from string) (*Signer, error) {
	s, err := NewSignerFromHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(s.address.Hex(), from) {
		return nil, fmt.Errorf("crypto: key controls %s, not %s", s.address.Hex(), from)
	}
	return s, nil
}

// Address returns the signing account.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs tx for chainID using the latest signer the chain supports.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// String never reveals the key.
func (s *Signer) String() string {
	return fmt.Sprintf("Signer{address=%s}", s.address.Hex())
}
