package signer

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const remoteTimeout = 30 * time.Second

// Errors returned by the remote signing service client.
var (
	ErrSession = errors.New("signing service session rejected")
	ErrSign    = errors.New("signing service could not sign transaction")
)

// RemoteSigner delegates signing to a managed wallet service. The service is authenticated once at construction
// with the application credentials and a target network name and replies with the pre-authorized account it signs
// for. No private key material ever reaches this process.
type RemoteSigner struct {
	url    string
	token  string
	addr   common.Address
	client *http.Client
}

type sessionRequest struct {
	ClientID string `json:"clientId"`
	Secret   string `json:"secret"`
	Network  string `json:"network"`
}

type sessionResponse struct {
	Token   string `json:"token"`
	Account string `json:"account"`
	Error   string `json:"error,omitempty"`
}

type signRequest struct {
	Account string `json:"account"`
	RawTx   string `json:"rawTx"` // hex encoded unsigned transaction envelope
	ChainID string `json:"chainId"`
}

type signResponse struct {
	RawTx string `json:"rawTx"` // hex encoded signed transaction envelope
	Error string `json:"error,omitempty"`
}

// NewRemoteSigner opens a session against the managed wallet service at url using the application credentials and
// network name, and resolves the account the service signs for.
func NewRemoteSigner(url, clientID, secret, network string) (*RemoteSigner, error) {
	s := &RemoteSigner{url: url, client: &http.Client{Timeout: remoteTimeout}}

	var res sessionResponse
	if err := s.post("/v1/session", sessionRequest{ClientID: clientID, Secret: secret, Network: network}, &res); err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrSession, res.Error)
	}
	if !common.IsHexAddress(res.Account) {
		return nil, fmt.Errorf("%w: no account in session reply", ErrSession)
	}

	s.token = res.Token
	s.addr = common.HexToAddress(res.Account)
	return s, nil
}

// Address returns the managed account address.
func (s *RemoteSigner) Address() common.Address {
	return s.addr
}

// SignTx sends the unsigned transaction envelope to the service and decodes the signed one from the reply.
func (s *RemoteSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("signer: cannot encode transaction: %w", err)
	}

	var res signResponse
	req := signRequest{Account: s.addr.Hex(), RawTx: hex.EncodeToString(raw), ChainID: chainID.String()}
	if err = s.post("/v1/sign", req, &res); err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrSign, res.Error)
	}

	signedRaw, err := hex.DecodeString(res.RawTx)
	if err != nil {
		return nil, fmt.Errorf("signer: cannot decode signed transaction: %w", err)
	}
	signed := new(types.Transaction)
	if err = signed.UnmarshalBinary(signedRaw); err != nil {
		return nil, fmt.Errorf("signer: cannot unmarshal signed transaction: %w", err)
	}
	return signed, nil
}

func (s *RemoteSigner) post(path string, body, out interface{}) error {
	pl, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, s.url+path, bytes.NewReader(pl))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json;charset=utf8")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("signer: request to signing service failed: %w", err)
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(out)
}
