package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mintd/mintd/lib/artifact"
	"github.com/mintd/mintd/lib/chain"
	"github.com/mintd/mintd/lib/config"
	"github.com/mintd/mintd/lib/signer"
)

const (
	testPort    = "3988"
	testBase    = "http://localhost:" + testPort
	testOwner   = "0xcba75F167B03e34B8a572c50273C082401b073Ed"
	artifactRel = "../lib/artifact/testdata/LimitedToken.json"
)

// mockNode is a mock JSON-RPC node. Contract calls are dispatched on the calldata selector and answered with
// results packed using the real contract ABI.
type mockNode struct {
	t   *testing.T
	abi abi.ABI

	mu           sync.Mutex
	balance      *big.Int
	failEstimate bool
	imageIDCalls int
	sent         []*types.Transaction
}

type rpcRequest struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

func (n *mockNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		n.t.Errorf("[mock node] cannot decode request: %v", err)
		return
	}

	var result interface{}
	var rpcErr map[string]interface{}

	switch req.Method {
	case "net_version":
		result = "5777"
	case "eth_getBalance":
		result = hexutil.EncodeBig(n.balance)
	case "eth_getTransactionCount":
		result = "0x7"
	case "eth_gasPrice":
		result = "0x4a817c800"
	case "eth_call":
		out, err := n.answerCall(req.Params)
		if err != nil {
			rpcErr = map[string]interface{}{"code": -32000, "message": err.Error()}
		} else {
			result = hexutil.Encode(out)
		}
	case "eth_estimateGas":
		if n.failEstimate {
			rpcErr = map[string]interface{}{"code": -32000, "message": "always failing transaction"}
		} else {
			result = "0x249f0"
		}
	case "eth_sendRawTransaction":
		var params []string
		_ = json.Unmarshal(req.Params, &params)
		raw, err := hexutil.Decode(params[0])
		if err != nil {
			n.t.Errorf("[mock node] bad raw transaction: %v", err)
			return
		}
		tx := new(types.Transaction)
		if err = tx.UnmarshalBinary(raw); err != nil {
			n.t.Errorf("[mock node] cannot unmarshal transaction: %v", err)
			return
		}
		n.sent = append(n.sent, tx)
		result = tx.Hash().Hex()
	default:
		rpcErr = map[string]interface{}{"code": -32601, "message": "method not found: " + req.Method}
	}

	res := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		res["error"] = rpcErr
	} else {
		res["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

// answerCall dispatches an eth_call on the calldata selector.
func (n *mockNode) answerCall(rawParams json.RawMessage) ([]byte, error) {
	var params []json.RawMessage
	_ = json.Unmarshal(rawParams, &params)
	var call struct {
		Data  hexutil.Bytes `json:"data"`
		Input hexutil.Bytes `json:"input"`
	}
	_ = json.Unmarshal(params[0], &call)
	data := call.Input
	if len(data) == 0 {
		data = call.Data
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short")
	}

	m, err := n.abi.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	in, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}

	switch m.Name {
	case "name":
		return m.Outputs.Pack("LimitedToken")
	case "symbol":
		return m.Outputs.Pack("LTD")
	case "totalSupply":
		return m.Outputs.Pack(big.NewInt(5))
	case "mintLimit":
		return m.Outputs.Pack(big.NewInt(100))
	case "balanceOf":
		return m.Outputs.Pack(big.NewInt(2))
	case "tokenOfOwnerByIndex":
		idx := in[1].(*big.Int)
		return m.Outputs.Pack(new(big.Int).Add(big.NewInt(100), idx))
	case "tokenURI":
		id := in[0].(*big.Int)
		return m.Outputs.Pack(testBase + "/tokens/" + id.String())
	case "imageId":
		n.imageIDCalls++
		return m.Outputs.Pack(big.NewInt(7))
	default:
		return nil, fmt.Errorf("unexpected call to %s", m.Name)
	}
}

func TestAPI(t *testing.T) {
	// load the artifact and parse its ABI for the mock node
	art, err := artifact.Load(artifactRel)
	if err != nil {
		t.Fatalf("Error loading artifact:%e", err)
	}
	parsed, err := abi.JSON(strings.NewReader(string(art.ABI)))
	if err != nil {
		t.Fatalf("Error parsing ABI:%e", err)
	}

	// start a mock blockchain node
	node := &mockNode{t: t, abi: parsed, balance: big.NewInt(1615796230433485760)}
	mock := httptest.NewServer(node)
	t.Logf("Info: running tests against mock node in %s", mock.URL)
	defer mock.Close()

	// service configuration against the mock node
	conf, err := config.ExtractConfiguration("")
	if err != nil {
		t.Fatalf("Error extracting configuration:%e", err)
	}
	conf.Network = "ganache"
	conf.Node = mock.URL
	conf.Port = testPort
	conf.APIBase = testBase
	conf.WebBase = "http://localhost:8080"
	conf.RPCTimeout = 5

	c, err := chain.Dial(conf.Node, "", time.Duration(conf.RPCTimeout)*time.Second)
	if err != nil {
		t.Fatalf("Error dialing mock node:%e", err)
	}

	sig, err := signer.New(conf)
	if err != nil {
		t.Fatalf("Error creating signer:%e", err)
	}

	// set up server for API
	s := New(conf, c, sig, nil, art)
	if err = s.Start(context.Background()); err != nil {
		t.Fatalf("Error starting service:%e", err)
	}
	go s.Init("", conf.Port, "", "", "")
	time.Sleep(200 * time.Millisecond) // let the server come up
	defer s.Stop()

	// startup must have warmed the name cache and the balance
	if s.name != "LimitedToken" {
		t.Errorf("contract name cache not warmed, got %q", s.name)
	}
	if bal := s.Balance(); bal == nil || bal.String() != "1615796230433485760" {
		t.Errorf("initial balance not loaded, got %v", bal)
	}

	// define tests
	cases := []struct {
		name, method, uri string
		body              map[string]interface{} // expected decoded response body
	}{
		{"status_1", http.MethodGet, testBase + "/", map[string]interface{}{
			"networkId":       "5777",
			"contractAddress": "0xCfEB869F69431e42cdB54A4F4f105C19C080A601",
			"address":         sig.Address().Hex(),
			"balance":         "1615796230433485760",
			"name":            "LimitedToken",
		}},
		{"name_1", http.MethodGet, testBase + "/name", map[string]interface{}{"name": "LimitedToken"}},
		{"name_2", http.MethodGet, testBase + "/name", map[string]interface{}{"name": "LimitedToken"}},
		{"symbol_1", http.MethodGet, testBase + "/symbol", map[string]interface{}{"symbol": "LTD"}},
		{"symbol_2", http.MethodGet, testBase + "/symbol", map[string]interface{}{"symbol": "LTD"}},
		{"mintLimit_1", http.MethodGet, testBase + "/mintLimit", map[string]interface{}{"mintLimit": "100"}},
		{"ownerBal_1", http.MethodGet, testBase + "/" + testOwner + "/balance",
			map[string]interface{}{"balance": "2"}},
		{"ownerBal_2", http.MethodGet, testBase + "/nothex/balance",
			map[string]interface{}{"error": map[string]interface{}{"message": "invalid owner address in uri"}}},
		{"ownerTok_1", http.MethodGet, testBase + "/" + testOwner + "/tokens",
			map[string]interface{}{"tokens": []interface{}{"100", "101"}}},
		{"tokenURI_1", http.MethodGet, testBase + "/tokenURI/42",
			map[string]interface{}{"tokenURI": testBase + "/tokens/42"}},
		{"tokenURI_2", http.MethodGet, testBase + "/tokenURI/abc",
			map[string]interface{}{"error": "Invalid token id passed"}},
		{"metadata_1", http.MethodGet, testBase + "/tokens/42", map[string]interface{}{
			"name":         "Limited Token",
			"description":  "One of a fixed number of limited edition tokens.",
			"image":        "http://localhost:8080/images/7.png",
			"external_url": testBase + "/tokens/42",
		}},
		{"mint_2", http.MethodPost, testBase + "/tokens/new",
			map[string]interface{}{"error": "undefined recipient - missing query: ?to=<address>"}},
	}

	// run tests
	for _, tc := range cases {
		status, body := makeRequest(t, tc.method, tc.uri)
		if status != http.StatusOK {
			t.Errorf("[%s] Error in StatusCode:%d expected:%d", tc.name, status, http.StatusOK)
			continue
		}
		var got map[string]interface{}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("[%s] Error unmarshaling body:%s error:%s", tc.name, body, err)
			continue
		}
		want, _ := json.Marshal(tc.body)
		norm, _ := json.Marshal(got)
		if string(want) != string(norm) {
			t.Errorf("[%s] Error in response:%s expected:%s", tc.name, norm, want)
		}
	}

	t.Run("totalSupply", func(t *testing.T) {
		status, body := makeRequest(t, http.MethodGet, testBase+"/totalSupply")
		if status != http.StatusOK {
			t.Fatalf("Error in StatusCode:%d", status)
		}
		var v string
		if err := json.Unmarshal(body, &v); err != nil || v != "5" {
			t.Errorf("Error in response:%s expected:\"5\" err:%v", body, err)
		}
	})

	t.Run("abi", func(t *testing.T) {
		status, body := makeRequest(t, http.MethodGet, testBase+"/abi")
		if status != http.StatusOK {
			t.Fatalf("Error in StatusCode:%d", status)
		}
		if string(body) != string(art.Raw()) {
			t.Error("artifact body does not match the document on disk")
		}
	})

	t.Run("invalidTokenIdShortCircuits", func(t *testing.T) {
		before := node.imageIDCalls
		status, body := makeRequest(t, http.MethodGet, testBase+"/tokens/0x42")
		if status != http.StatusOK {
			t.Fatalf("Error in StatusCode:%d", status)
		}
		var got struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &got); err != nil || got.Error.Message != "Invalid token id passed" {
			t.Errorf("Error in response:%s err:%v", body, err)
		}
		if node.imageIDCalls != before {
			t.Error("a contract call was issued for an invalid token id")
		}
	})

	t.Run("mint", func(t *testing.T) {
		status, body := makeRequest(t, http.MethodPost, testBase+"/tokens/new?to="+testOwner)
		if status != http.StatusOK {
			t.Fatalf("Error in StatusCode:%d", status)
		}
		var got struct {
			TransactionHash string `json:"transactionHash"`
			TokenID         string `json:"tokenId"`
			Error           string `json:"error"`
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("Error unmarshaling body:%s error:%s", body, err)
		}
		if got.Error != "" {
			t.Fatalf("Error in response:%s", got.Error)
		}
		if !strings.HasPrefix(got.TransactionHash, "0x") || len(got.TransactionHash) != 66 {
			t.Errorf("transaction hash is not a 32-byte hex value: %s", got.TransactionHash)
		}

		// the submitted transaction must carry the replied token id and a token URI embedding it verbatim
		node.mu.Lock()
		defer node.mu.Unlock()
		if len(node.sent) != 1 {
			t.Fatalf("expected 1 submitted transaction, got %d", len(node.sent))
		}
		tx := node.sent[0]
		if tx.Hash().Hex() != got.TransactionHash {
			t.Errorf("replied hash %s does not match submitted %s", got.TransactionHash, tx.Hash().Hex())
		}
		m, err := parsed.MethodById(tx.Data()[:4])
		if err != nil || m.Name != "mintWithTokenURI" {
			t.Fatalf("submitted calldata is not mintWithTokenURI: %v", err)
		}
		in, err := m.Inputs.Unpack(tx.Data()[4:])
		if err != nil {
			t.Fatalf("Error unpacking calldata:%e", err)
		}
		tokenID := in[1].(*big.Int)
		uri := in[2].(string)
		if tokenID.String() != got.TokenID {
			t.Errorf("replied token id %s does not match calldata %s", got.TokenID, tokenID)
		}
		if uri != testBase+"/tokens/"+tokenID.String() {
			t.Errorf("token URI %s does not embed the token id", uri)
		}
		// the id must render to a decimal string accepted verbatim by the tokenURI route parser
		if _, ok := new(big.Int).SetString(got.TokenID, 10); !ok {
			t.Errorf("token id is not a decimal string: %s", got.TokenID)
		}
	})

	t.Run("mintEstimateFails", func(t *testing.T) {
		node.mu.Lock()
		node.failEstimate = true
		before := len(node.sent)
		node.mu.Unlock()
		defer func() {
			node.mu.Lock()
			node.failEstimate = false
			node.mu.Unlock()
		}()

		status, body := makeRequest(t, http.MethodPost, testBase+"/tokens/new?to="+testOwner)
		if status != http.StatusOK {
			t.Fatalf("Error in StatusCode:%d", status)
		}
		var got struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("Error unmarshaling body:%s error:%s", body, err)
		}
		if !strings.Contains(got.Error, "always failing transaction") {
			t.Errorf("error does not surface the estimation failure: %s", got.Error)
		}

		node.mu.Lock()
		defer node.mu.Unlock()
		if len(node.sent) != before {
			t.Error("a transaction was submitted after a failed gas estimation")
		}
	})

	t.Run("balanceRefresh", func(t *testing.T) {
		node.mu.Lock()
		node.balance = big.NewInt(999)
		node.mu.Unlock()

		s.TriggerRefresh()

		if bal := s.Balance(); bal == nil || bal.Int64() != 999 {
			t.Errorf("balance not refreshed, got %v", bal)
		}
	})
}

// TestStartUnknownNetwork checks that the service refuses to start against a network the artifact records no
// deployment for.
func TestStartUnknownNetwork(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "net_version" {
			t.Errorf("unexpected request %s before resolution failed", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "1"})
	}))
	defer mock.Close()

	conf, err := config.ExtractConfiguration("")
	if err != nil {
		t.Fatalf("Error extracting configuration:%e", err)
	}
	conf.Node = mock.URL

	c, err := chain.Dial(conf.Node, "", 5*time.Second)
	if err != nil {
		t.Fatalf("Error dialing mock node:%e", err)
	}
	defer c.Close()

	sig, err := signer.New(conf)
	if err != nil {
		t.Fatalf("Error creating signer:%e", err)
	}
	art, err := artifact.Load(artifactRel)
	if err != nil {
		t.Fatalf("Error loading artifact:%e", err)
	}

	s := New(conf, c, sig, nil, art)
	if err = s.Start(context.Background()); !errors.Is(err, artifact.ErrNotDeployed) {
		t.Errorf("expected ErrNotDeployed, got %v", err)
	}
}

// makeRequest places a http request on uri and returns the status code and raw body.
func makeRequest(t *testing.T, method, uri string) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		t.Fatalf("Error building request:%e", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Error in request to %s:%e", uri, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Error reading body:%e", err)
	}
	return resp.StatusCode, body
}
