// Package token binds the deployed NFT contract. A Token is resolved from a build artifact and a network id and
// exposes typed methods that map 1:1 to the contract functions and events.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/mintd/mintd/lib/artifact"
)

// Errors returned by the contract handle.
var (
	ErrBadAddress = errors.New("artifact deployment address is not a valid address")
	ErrBadLog     = errors.New("malformed Transfer log")
	ErrEstimate   = errors.New("gas estimation failed")
	ErrSend       = errors.New("transaction submission failed")
)

// Backend is the subset of node operations the contract handle needs. *chain.Client implements it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// TxSigner signs mint transactions for the service account.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// TransferEvent is a decoded Transfer log of the contract.
type TransferEvent struct {
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	TokenID *big.Int       `json:"tokenId"`
}

// Token is a contract handle bound to the deployed address for one network id. Immutable after resolution.
type Token struct {
	abi   abi.ABI
	addr  common.Address
	netID *big.Int
	b     Backend
}

// Resolve binds the artifact's ABI and the address deployed on the network identified by netID. It fails with the
// artifact's ErrNotDeployed when the artifact has no deployment recorded for that network.
func Resolve(b Backend, art *artifact.Artifact, netID *big.Int) (*Token, error) {
	parsed, err := abi.JSON(strings.NewReader(string(art.ABI)))
	if err != nil {
		return nil, fmt.Errorf("token: cannot parse artifact ABI: %w", err)
	}

	addr, err := art.AddressFor(netID)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("%w: %s", ErrBadAddress, addr)
	}

	return &Token{abi: parsed, addr: common.HexToAddress(addr), netID: new(big.Int).Set(netID), b: b}, nil
}

// Address returns the bound contract address.
func (t *Token) Address() common.Address {
	return t.addr
}

// NetworkID returns the network id the handle was resolved for.
func (t *Token) NetworkID() *big.Int {
	return new(big.Int).Set(t.netID)
}

func (t *Token) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	input, err := t.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("token: cannot pack %s: %w", method, err)
	}
	raw, err := t.b.CallContract(ctx, ethereum.CallMsg{To: &t.addr, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("token: %s call failed: %w", method, err)
	}
	out, err := t.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("token: cannot unpack %s reply: %w", method, err)
	}
	return out, nil
}

func (t *Token) callString(ctx context.Context, method string, args ...interface{}) (string, error) {
	out, err := t.call(ctx, method, args...)
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), err //nolint:forcetypeassert // ABI guarantees the type
}

func (t *Token) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := t.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), err //nolint:forcetypeassert // ABI guarantees the type
}

// Name returns the contract name.
func (t *Token) Name(ctx context.Context) (string, error) {
	return t.callString(ctx, "name")
}

// Symbol returns the contract symbol.
func (t *Token) Symbol(ctx context.Context) (string, error) {
	return t.callString(ctx, "symbol")
}

// TotalSupply returns the number of tokens minted so far.
func (t *Token) TotalSupply(ctx context.Context) (*big.Int, error) {
	return t.callUint(ctx, "totalSupply")
}

// MintLimit returns the maximum number of tokens that can ever be minted.
func (t *Token) MintLimit(ctx context.Context) (*big.Int, error) {
	return t.callUint(ctx, "mintLimit")
}

// BalanceOf returns how many tokens the owner holds.
func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.callUint(ctx, "balanceOf", owner)
}

// TokenOfOwnerByIndex returns the id of the owner's token at the given enumeration index.
func (t *Token) TokenOfOwnerByIndex(ctx context.Context, owner common.Address, index *big.Int) (*big.Int, error) {
	return t.callUint(ctx, "tokenOfOwnerByIndex", owner, index)
}

// TokenURI returns the metadata URI recorded for the token.
func (t *Token) TokenURI(ctx context.Context, tokenID *big.Int) (string, error) {
	return t.callString(ctx, "tokenURI", tokenID)
}

// ImageID returns the image identifier recorded on-chain for the token.
func (t *Token) ImageID(ctx context.Context, tokenID *big.Int) (*big.Int, error) {
	return t.callUint(ctx, "imageId", tokenID)
}

// Mint estimates, signs and submits a mintWithTokenURI transaction from the signer's account and returns the
// transaction hash as soon as the node accepted it. It does not wait for a receipt and does not retry: the caller
// is expected to poll chain state for inclusion. A failed gas estimation aborts before anything is submitted.
func (t *Token) Mint(ctx context.Context, s TxSigner, to common.Address, tokenID *big.Int, tokenURI string,
	gasPrice *big.Int) (common.Hash, error) {
	input, err := t.abi.Pack("mintWithTokenURI", to, tokenID, tokenURI)
	if err != nil {
		return common.Hash{}, fmt.Errorf("token: cannot pack mint: %w", err)
	}

	from := s.Address()

	gas, err := t.b.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &t.addr, Data: input})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrEstimate, err)
	}

	nonce, err := t.b.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("token: cannot get nonce: %w", err)
	}

	tx := types.NewTransaction(nonce, t.addr, new(big.Int), gas, gasPrice, input)
	signed, err := s.SignTx(tx, t.netID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("token: cannot sign mint: %w", err)
	}

	if err = t.b.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrSend, err)
	}
	return signed.Hash(), nil
}

// WatchTransfer subscribes to the contract's Transfer logs and delivers decoded events on sink until the returned
// subscription is unsubscribed or fails.
func (t *Token) WatchTransfer(ctx context.Context, sink chan<- TransferEvent) (event.Subscription, error) {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{t.addr},
		Topics:    [][]common.Hash{{t.abi.Events["Transfer"].ID}},
	}

	logs := make(chan types.Log)
	sub, err := t.b.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return nil, err
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case lg := <-logs:
				ev, err := decodeTransfer(lg)
				if err != nil {
					continue
				}
				select {
				case sink <- ev:
				case err := <-sub.Err():
					return err
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// decodeTransfer extracts {from, to, tokenId} from an ERC-721 Transfer log. All three fields are indexed, so they
// arrive as topics.
func decodeTransfer(lg types.Log) (TransferEvent, error) {
	if len(lg.Topics) != 4 {
		return TransferEvent{}, ErrBadLog
	}
	return TransferEvent{
		From:    common.BytesToAddress(lg.Topics[1].Bytes()),
		To:      common.BytesToAddress(lg.Topics[2].Bytes()),
		TokenID: new(big.Int).SetBytes(lg.Topics[3].Bytes()),
	}, nil
}

// NewTokenID draws a random 256-bit token identifier. Ids are not checked against existing supply: the collision
// probability is negligible.
func NewTokenID() (*big.Int, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("token: cannot draw token id: %w", err)
	}
	return new(big.Int).SetBytes(buf[:]), nil
}
