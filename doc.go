// Package mintd and its sub-packages implement a demonstration backend that exposes an ERC-721 style limited-mint
// NFT contract through a small RESTful API.
/*
mintd provides a single microservice (package server) that binds a deployed token contract and translates HTTP
requests into contract calls: supply, name, symbol and mint-limit reads, per-owner token enumeration, token metadata
and token URIs, and a mint endpoint that submits signed transactions from a managed account.

Architecture

A chain layer (package lib/chain) wraps the connection to an Ethereum-compatible JSON-RPC node, over HTTP for calls
and optionally over WebSocket for log subscriptions. The contract itself is bound by package lib/token from a build
artifact (package lib/artifact) holding the ABI and the deployed address per network id; startup fails if the
connected network has no recorded deployment.

Transactions are signed by a signing provider (package lib/signer). Two strategies are available: a local signer
deriving the service account from an HD wallet seed, and a remote signer that delegates to a managed wallet service
so the process never holds private key material.

The service keeps the account balance approximately fresh with a self-rescheduling refresh loop and watches the
contract's Transfer events. Observed transfers are logged and, when a message broker is configured (package lib/msg),
published to a topic exchange so indexers or front-ends can consume them in real time.

The service can be started running cmd/server/main.go. It can also be monitored via a Prometheus API by setting the
flag "-m" at startup.
*/
package mintd
