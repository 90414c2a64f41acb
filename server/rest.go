package server

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const timeout = 15

// Init sets up and starts the http/https server to service the RESTful API. If sslPort, sslCert and sslKey are
// informed, it will start an https (TLS) server on the specified endpoint. Exact routes are registered before the
// owner address routes so they always win the match.
func (s *Server) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	// API definition
	r := mux.NewRouter()
	r.HandleFunc("/", s.statusHandler).Methods("GET")                               // composed service state
	r.HandleFunc("/abi", s.abiHandler).Methods("GET")                               // full contract artifact
	r.HandleFunc("/totalSupply", s.totalSupplyHandler).Methods("GET")               // minted token count
	r.HandleFunc("/name", s.nameHandler).Methods("GET")                             // contract name
	r.HandleFunc("/mintLimit", s.mintLimitHandler).Methods("GET")                   // maximum mintable tokens
	r.HandleFunc("/symbol", s.symbolHandler).Methods("GET")                         // contract symbol
	r.HandleFunc("/tokens/new", s.mintHandler).Methods("POST")                      // mint a new token
	r.HandleFunc("/tokens/{tokenId}", s.metadataHandler).Methods("GET")             // token metadata document
	r.HandleFunc("/tokenURI/{tokenId}", s.tokenURIHandler).Methods("GET")           // token URI recorded on-chain
	r.HandleFunc("/{ownerAddress}/tokens", s.ownerTokensHandler).Methods("GET")     // enumerate owner's tokens
	r.HandleFunc("/{ownerAddress}/balance", s.ownerBalanceHandler).Methods("GET")   // owner's token count

	// setup shutdown channel
	s.sc = make(chan struct{})

	// start http server
	if port != "" {
		s.s = &http.Server{
			Handler: r,
			Addr:    endpoint + ":" + port,
			// Good practice: enforce timeouts for servers you create!
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			err = s.s.ListenAndServe()
		}()

		log.Printf("Listening to API http requests on %s:%s", endpoint, port)
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		s.ss = &http.Server{
			Handler: r,
			Addr:    endpoint + ":" + sslPort,
			// Good practice: enforce timeouts for servers you create!
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			errTLS = s.ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		log.Printf("Listening to API https requests on %s:%s", endpoint, sslPort)
	}
	// wait for servers to be shutdown
	<-s.sc

	return fmt.Sprintf("shutdown http server:%e, https server:%e", err, errTLS)
}
