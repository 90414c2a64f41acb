// Package artifact reads contract build artifacts. An artifact is the JSON output of a contract build/migration
// pipeline bundling the contract name, its ABI and the address it was deployed at on each network.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
)

// Errors returned when resolving deployments.
var (
	ErrNotDeployed = errors.New("contract has no deployment recorded for network")
	ErrNoAddress   = errors.New("deployment record contains an empty address")
)

// Deployment holds the per-network deployment data of the contract.
type Deployment struct {
	Address string `json:"address"`
}

// Artifact is a parsed contract build artifact. The raw bytes are kept so the exact document can be served back to
// clients.
type Artifact struct {
	ContractName string                `json:"contractName"`
	ABI          json.RawMessage       `json:"abi"`
	Networks     map[string]Deployment `json:"networks"`

	raw []byte
}

// Load reads and parses the artifact file at path.
func Load(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("artifact: cannot read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes an artifact from its raw JSON bytes.
func Parse(raw []byte) (*Artifact, error) {
	a := Artifact{raw: raw}
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("artifact: cannot decode: %w", err)
	}
	return &a, nil
}

// Raw returns the artifact document as read from disk.
func (a *Artifact) Raw() []byte {
	return a.raw
}

// AddressFor returns the address the contract is deployed at on the network identified by netID, or ErrNotDeployed
// when the artifact has no deployment recorded for it.
func (a *Artifact) AddressFor(netID *big.Int) (string, error) {
	dep, ok := a.Networks[netID.String()]
	if !ok {
		return "", fmt.Errorf("%w %s", ErrNotDeployed, netID.String())
	}
	if dep.Address == "" {
		return "", fmt.Errorf("%w (network %s)", ErrNoAddress, netID.String())
	}
	return dep.Address, nil
}
