package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tarancss/hd"
)

// HDSigner derives the service account from an HD wallet seed and signs locally. Meant for development and test
// networks where holding the key in-process is acceptable.
type HDSigner struct {
	addr common.Address
	key  *ecdsa.PrivateKey
}

// NewHDSigner initialises the HD wallet from seed and derives account 0 of the external chain of wallet 0.
func NewHDSigner(seed []byte) (*HDSigner, error) {
	hdw, err := hd.Init(seed)
	if err != nil {
		return nil, fmt.Errorf("signer: cannot init HD wallet: %w", err)
	}

	addr, key, _, err := hdw.Address(0, hd.External, 0)
	if err != nil {
		return nil, fmt.Errorf("signer: cannot derive HD address: %w", err)
	}

	pk, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid derived key: %w", err)
	}

	return &HDSigner{addr: common.BytesToAddress(addr), key: pk}, nil
}

// Address returns the derived account address.
func (s *HDSigner) Address() common.Address {
	return s.addr
}

// SignTx signs tx with the derived key.
func (s *HDSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}
