// Package server implements the NFT backend service.
//
// The service binds the deployed token contract at startup, keeps the signing account balance approximately fresh
// with a periodic refresh loop, watches the contract's Transfer events and exposes a RESTful API for clients to
// read contract state and request mints.
package server

import (
	"context"
	"errors"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mintd/mintd/lib/artifact"
	"github.com/mintd/mintd/lib/chain"
	"github.com/mintd/mintd/lib/config"
	"github.com/mintd/mintd/lib/msg"
	"github.com/mintd/mintd/lib/signer"
	"github.com/mintd/mintd/lib/token"
)

// Server contains the data necessary to deliver the service. The network context (network id, account) and the
// contract handle are resolved once in Start and read-only afterwards; the balance is the only mutable shared
// state, written solely by the refresh loop.
type Server struct {
	conf config.ServiceConfig
	c    *chain.Client
	sig  signer.Signer
	mb   msg.MsgBroker // nil when no broker is configured
	art  *artifact.Artifact

	tok     *token.Token
	netID   *big.Int
	account common.Address
	name    string // contract name, cached once at startup; empty when the warm-up call failed

	balMu   sync.RWMutex
	balance *big.Int

	s  *http.Server  // http server
	ss *http.Server  // https server
	sc chan struct{} // http server channel used for graceful shutdowns

	stop chan struct{}
	tick chan chan struct{} // test hook: triggers one balance refresh deterministically
	wg   sync.WaitGroup
}

// New returns a pointer to a new Server service.
func New(conf config.ServiceConfig, c *chain.Client, sig signer.Signer, mb msg.MsgBroker, art *artifact.Artifact) *Server {
	return &Server{
		conf: conf,
		c:    c,
		sig:  sig,
		mb:   mb,
		art:  art,
		stop: make(chan struct{}),
		tick: make(chan chan struct{}),
	}
}

// Start resolves the network context and the contract handle and launches the balance refresh and Transfer watch
// loops. An unresolvable contract is fatal: the service cannot serve without one.
func (s *Server) Start(ctx context.Context) error {
	var err error

	s.account = s.sig.Address()

	if s.netID, err = s.c.NetworkID(ctx); err != nil {
		return err
	}
	log.Printf("[%s] Connected to network id %s, account %s", s.conf.Network, s.netID, s.account.Hex())

	if s.tok, err = token.Resolve(s.c, s.art, s.netID); err != nil {
		return err
	}
	log.Printf("[%s] Contract %s resolved at %s", s.conf.Network, s.art.ContractName, s.tok.Address().Hex())

	// warm the contract name cache; a failure is logged and leaves the cache empty
	if s.name, err = s.tok.Name(ctx); err != nil {
		log.Printf("[%s] Could not warm contract name cache:%e", s.conf.Network, err)
		s.name = ""
	}

	// take the initial balance; a failure is logged, the refresh loop will retry
	if bal, err := s.c.BalanceAt(ctx, s.account); err != nil {
		log.Printf("[%s] Could not get initial balance:%e", s.conf.Network, err)
	} else {
		s.setBalance(bal)
	}

	s.wg.Add(2)
	go s.balanceLoop(time.Duration(s.conf.Refresh) * time.Second)
	go s.watchTransfers()

	return nil
}

// Stop shuts down the http servers implementing the RESTful API, terminates the background loops and closes
// gracefully the connections to the message broker and the node.
func (s *Server) Stop() {
	var err error
	// shutdown http server
	if s.s != nil {
		if err = s.s.Shutdown(context.Background()); err != nil {
			log.Printf("Error in http server shutdown:%e", err)
		}
	}
	if s.ss != nil {
		if err = s.ss.Shutdown(context.Background()); err != nil {
			log.Printf("Error in https server shutdown:%e", err)
		}
	}
	if s.sc != nil {
		close(s.sc) // close server channel to indicate shutdowns have finished
	}
	// terminate background loops
	close(s.stop)
	s.wg.Wait()
	// close message broker
	if s.mb != nil {
		if err = s.mb.Close(); err != nil {
			log.Printf("Error closing message broker:%e", err)
		}
	}
	// close node connections
	s.c.Close()
}

// Balance returns the last observed balance of the service account in wei, or nil when no query has succeeded yet.
// Staleness is bounded by the refresh period.
func (s *Server) Balance() *big.Int {
	s.balMu.RLock()
	defer s.balMu.RUnlock()
	if s.balance == nil {
		return nil
	}
	return new(big.Int).Set(s.balance)
}

func (s *Server) setBalance(bal *big.Int) {
	s.balMu.Lock()
	s.balance = bal
	s.balMu.Unlock()
}

// balanceLoop keeps the account balance approximately fresh. The timer is re-armed only after a query completes,
// so a slow node delays the next tick instead of overlapping it: at most one balance query is in flight at any
// time.
func (s *Server) balanceLoop(period time.Duration) {
	defer s.wg.Done()

	t := time.NewTimer(period)
	defer t.Stop()

	for {
		select {
		case <-s.stop:
			return
		case ack := <-s.tick:
			s.refreshBalance()
			ack <- struct{}{}
		case <-t.C:
			s.refreshBalance()
			t.Reset(period)
		}
	}
}

// refreshBalance queries the account balance once. On failure the previous value stays in place: stale but
// available beats crashing.
func (s *Server) refreshBalance() {
	bal, err := s.c.BalanceAt(context.Background(), s.account)
	if err != nil {
		log.Printf("[%s] Error refreshing balance:%e", s.conf.Network, err)
		return
	}
	s.setBalance(bal)
}

// TriggerRefresh runs one balance refresh on the loop goroutine and returns when it completed. Used by tests
// instead of waiting a full refresh period.
func (s *Server) TriggerRefresh() {
	ack := make(chan struct{})
	select {
	case s.tick <- ack:
		<-ack
	case <-s.stop:
	}
}

// watchTransfers subscribes to the contract's Transfer events, logging each one and publishing it to the message
// broker when one is configured. On a stream error it resubscribes with exponential backoff. When the node offers
// no subscription endpoint the watch logs once and stands down.
func (s *Server) watchTransfers() {
	defer s.wg.Done()

	const maxBackoff = 2 * time.Minute
	backoff := time.Second

	for {
		sink := make(chan token.TransferEvent)
		sub, err := s.tok.WatchTransfer(context.Background(), sink)
		if err != nil {
			if errors.Is(err, chain.ErrNoSubscriber) {
				log.Printf("[%s] Transfer watch disabled: %s", s.conf.Network, err)
				return
			}
			log.Printf("[%s] Error subscribing to Transfer events (retry in %s):%e", s.conf.Network, backoff, err)
			select {
			case <-s.stop:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		log.Printf("[%s] Start listening to Transfer events", s.conf.Network)
		backoff = time.Second

	events:
		for {
			select {
			case <-s.stop:
				sub.Unsubscribe()
				return
			case err := <-sub.Err():
				log.Printf("[%s] Transfer subscription failed:%e", s.conf.Network, err)
				sub.Unsubscribe()
				break events
			case ev := <-sink:
				log.Printf("[%s] Transfer from:%s to:%s tokenId:%s", s.conf.Network,
					ev.From.Hex(), ev.To.Hex(), ev.TokenID)
				if s.mb != nil {
					if err := s.mb.SendTransfer(s.conf.Network, ev); err != nil {
						log.Printf("[%s] Error publishing transfer event:%e", s.conf.Network, err)
					}
				}
			}
		}
	}
}
