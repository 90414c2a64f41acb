package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/mintd/mintd/lib/token"
)

// fanOutLimit bounds the concurrent per-token lookups when enumerating an owner's tokens, so a high-balance owner
// cannot flood the node with one request.
const fanOutLimit = 8

// Fixed fields of the synthesized token metadata documents.
const (
	metadataName        = "Limited Token"
	metadataDescription = "One of a fixed number of limited edition tokens."
)

// tokenIDRe validates token id path parameters before any contract call is issued.
var tokenIDRe = regexp.MustCompile(`^\d+$`)

// Errors returned to client requests.
var (
	ErrBadTokenID = errors.New("Invalid token id passed") //nolint:stylecheck // message is part of the API contract
	ErrNoAddr     = errors.New("invalid owner address in uri")
	ErrNoTo       = errors.New("undefined recipient - missing query: ?to=<address>")
	ErrBigBalance = errors.New("owner balance too large to enumerate")
)

// metadata is the ERC-721 metadata document, with the marketplace extension fields, synthesized for a token.
type metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
	ExternalURL string `json:"external_url"`
}

func writeJSON(rw http.ResponseWriter, v interface{}) {
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	_ = json.NewEncoder(rw).Encode(v)
}

// errObj is the failure shape of routes whose original failure body was a raw error object.
type errObj struct {
	Message string `json:"message"`
}

// writeErrObj replies {"error":{"message":...}}. Domain errors are carried in the body, not the HTTP status: the
// API always replies 200 and clients key on the presence of "error".
func writeErrObj(rw http.ResponseWriter, err error) {
	writeJSON(rw, map[string]errObj{"error": {Message: err.Error()}})
}

// writeErrStr replies {"error":"..."}.
func writeErrStr(rw http.ResponseWriter, err error) {
	writeJSON(rw, map[string]string{"error": err.Error()})
}

// statusHandler replies the composed service state: network context, contract address, signing account and its
// last observed balance, and the cached contract name.
func (s *Server) statusHandler(rw http.ResponseWriter, r *http.Request) {
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)

	bal := ""
	if b := s.Balance(); b != nil {
		bal = b.String()
	}
	writeJSON(rw, map[string]string{
		"networkId":       s.netID.String(),
		"contractAddress": s.tok.Address().Hex(),
		"address":         s.account.Hex(),
		"balance":         bal,
		"name":            s.name,
	})
}

// abiHandler replies the full contract build artifact as read from disk.
func (s *Server) abiHandler(rw http.ResponseWriter, r *http.Request) {
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	_, _ = rw.Write(s.art.Raw())
}

// totalSupplyHandler replies the number of tokens minted so far as a decimal string.
func (s *Server) totalSupplyHandler(rw http.ResponseWriter, r *http.Request) {
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)

	v, err := s.tok.TotalSupply(r.Context())
	if err != nil {
		writeErrObj(rw, err)
		return
	}
	writeJSON(rw, v.String())
}

// nameHandler replies the contract name.
func (s *Server) nameHandler(rw http.ResponseWriter, r *http.Request) {
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)

	v, err := s.tok.Name(r.Context())
	if err != nil {
		writeErrObj(rw, err)
		return
	}
	writeJSON(rw, map[string]string{"name": v})
}

// symbolHandler replies the contract symbol.
func (s *Server) symbolHandler(rw http.ResponseWriter, r *http.Request) {
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)

	v, err := s.tok.Symbol(r.Context())
	if err != nil {
		writeErrObj(rw, err)
		return
	}
	writeJSON(rw, map[string]string{"symbol": v})
}

// mintLimitHandler replies the maximum number of tokens that can ever be minted.
func (s *Server) mintLimitHandler(rw http.ResponseWriter, r *http.Request) {
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)

	v, err := s.tok.MintLimit(r.Context())
	if err != nil {
		writeErrObj(rw, err)
		return
	}
	writeJSON(rw, map[string]string{"mintLimit": v.String()})
}

/// ownerTokensHandler enumerates the token ids held by the owner in the uri: it reads balanceOf(owner) and then
// tokenOfOwnerByIndex for each index, issued concurrently but bounded by fanOutLimit.
func (s *Server) ownerTokensHandler(rw http.ResponseWriter, r *http.Request) {
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)

	v := mux.Vars(r)
	if !common.IsHexAddress(v["ownerAddress"]) {
		writeErrObj(rw, ErrNoAddr)
		return
	}
	owner := common.HexToAddress(v["ownerAddress"])

	bal, err := s.tok.BalanceOf(r.Context(), owner)
	if err != nil {
		writeErrObj(rw, err)
		return
	}
	if !bal.IsInt64() {
		writeErrObj(rw, ErrBigBalance)
		return
	}

	tokens := make([]string, bal.Int64())
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(fanOutLimit)
	for i := range tokens {
		i := i
		g.Go(func() error {
			id, err := s.tok.TokenOfOwnerByIndex(ctx, owner, big.NewInt(int64(i)))
			if err != nil {
				return err
			}
			tokens[i] = id.String()
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		writeErrObj(rw, err)
		return
	}
	writeJSON(rw, map[string][]string{"tokens": tokens})
}

// ownerBalanceHandler replies how many tokens the owner in the uri holds.
func (s *Server) ownerBalanceHandler(rw http.ResponseWriter, r *http.Request) {
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)

	v := mux.Vars(r)
	if !common.IsHexAddress(v["ownerAddress"]) {
		writeErrObj(rw, ErrNoAddr)
		return
	}

	bal, err := s.tok.BalanceOf(r.Context(), common.HexToAddress(v["ownerAddress"]))
	if err != nil {
		writeErrObj(rw, err)
		return
	}
	writeJSON(rw, map[string]string{"balance": bal.String()})
}

/// metadataHandler synthesizes the ERC-721 metadata document for a token: fixed name and description, an image
// link derived from the on-chain image id and an external link back to this API. Malformed token ids are rejected
// before any contract call.
func (s *Server) metadataHandler(rw http.ResponseWriter, r *http.Request) {
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)

	id := mux.Vars(r)["tokenId"]
	if !tokenIDRe.MatchString(id) {
		writeErrObj(rw, ErrBadTokenID)
		return
	}
	tokenID, _ := new(big.Int).SetString(id, 10)

	imageID, err := s.tok.ImageID(r.Context(), tokenID)
	if err != nil {
		writeErrObj(rw, err)
		return
	}
	writeJSON(rw, metadata{
		Name:        metadataName,
		Description: metadataDescription,
		Image:       fmt.Sprintf("%s/images/%s.png", strings.TrimRight(s.conf.WebBase, "/"), imageID),
		ExternalURL: fmt.Sprintf("%s/tokens/%s", strings.TrimRight(s.conf.APIBase, "/"), tokenID),
	})
}

// tokenURIHandler replies the token URI recorded on-chain for the token in the uri.
func (s *Server) tokenURIHandler(rw http.ResponseWriter, r *http.Request) {
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)

	tokenID, ok := new(big.Int).SetString(mux.Vars(r)["tokenId"], 10)
	if !ok {
		writeErrStr(rw, ErrBadTokenID)
		return
	}

	uri, err := s.tok.TokenURI(r.Context(), tokenID)
	if err != nil {
		writeErrStr(rw, err)
		return
	}
	writeJSON(rw, map[string]string{"tokenURI": uri})
}

// mintHandler mints a new token to the recipient given in the "to" query parameter: it draws a random 256-bit
// token id, builds the token URI pointing back at this API, and submits a signed mint transaction from the
// service account. The reply carries the transaction hash as soon as the node accepted it; the caller polls chain
// state for inclusion.
func (s *Server) mintHandler(rw http.ResponseWriter, r *http.Request) {
	var hash common.Hash

	var err error

	defer func() {
		// log request and tx hash
		log.Printf("httpreq from %v %s hash:%s err:%e\n", r.RemoteAddr, r.RequestURI, hash.Hex(), err)
	}()

	if err = r.ParseForm(); err != nil {
		log.Print("Error parsing request URL")
		writeErrStr(rw, err)
		return
	}
	to, ok := r.Form["to"]
	if !ok || len(to) != 1 || !common.IsHexAddress(to[0]) {
		err = ErrNoTo
		writeErrStr(rw, err)
		return
	}

	var tokenID *big.Int
	if tokenID, err = token.NewTokenID(); err != nil {
		writeErrStr(rw, err)
		return
	}
	uri := fmt.Sprintf("%s/tokens/%s", strings.TrimRight(s.conf.APIBase, "/"), tokenID)

	var gasPrice *big.Int
	if gasPrice, err = s.gasPrice(r.Context()); err != nil {
		writeErrStr(rw, err)
		return
	}

	if hash, err = s.tok.Mint(r.Context(), s.sig, common.HexToAddress(to[0]), tokenID, uri, gasPrice); err != nil {
		writeErrStr(rw, err)
		return
	}
	writeJSON(rw, map[string]string{"transactionHash": hash.Hex(), "tokenId": tokenID.String()})
}

// gasPrice returns the fixed configured gas price, or asks the node for a suggestion when none is configured.
func (s *Server) gasPrice(ctx context.Context) (*big.Int, error) {
	if s.conf.GasPrice > 0 {
		return new(big.Int).SetUint64(s.conf.GasPrice), nil
	}
	return s.c.SuggestGasPrice(ctx)
}
