// Package signer provides the signing strategies used to submit transactions from the service account. The account
// is either derived locally from an HD wallet seed or supplied by a remote managed wallet service that keeps the
// private key material away from this process.
package signer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mintd/mintd/lib/config"
)

// Supported signing strategies.
const (
	HD     = "hd"
	REMOTE = "remote"
)

// ErrUnknownSigner is returned when the configured strategy is not supported.
var ErrUnknownSigner = errors.New("unknown signing strategy")

// Signer signs outgoing transactions on behalf of the service account.
type Signer interface {
	// Address returns the account transactions are signed for.
	Address() common.Address
	// SignTx returns tx signed for the given chain id.
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// New instantiates the signing strategy selected in the configuration.
func New(conf config.ServiceConfig) (Signer, error) {
	switch conf.Signer {
	case HD:
		seed, err := hex.DecodeString(conf.Seed)
		if err != nil {
			return nil, fmt.Errorf("signer: cannot decode seed: %w", err)
		}
		return NewHDSigner(seed)
	case REMOTE:
		return NewRemoteSigner(conf.SignerURL, conf.WalletID, conf.WalletSecret, conf.Network)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, conf.Signer)
	}
}
