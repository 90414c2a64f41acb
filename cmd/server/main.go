// Package main: NFT backend service.
//
// The service needs a reachable JSON-RPC node and a contract build artifact with a deployment recorded for the
// node's network id; startup aborts without them. A WebSocket endpoint and a message broker are optional and only
// needed for the Transfer event watch and its publishing.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mintd/mintd/lib/artifact"
	"github.com/mintd/mintd/lib/chain"
	"github.com/mintd/mintd/lib/config"
	"github.com/mintd/mintd/lib/msg"
	"github.com/mintd/mintd/lib/msg/amqp"
	"github.com/mintd/mintd/lib/signer"
	"github.com/mintd/mintd/server"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	log.Printf("Configuration:%+v", conf)

	// connect to the node
	c, err := chain.Dial(conf.Node, conf.WSNode, time.Duration(conf.RPCTimeout)*time.Second)
	if err != nil {
		panic(err)
	}

	log.Printf("Connected to node %s", conf.Node)

	// load the contract build artifact
	art, err := artifact.Load(conf.Artifact)
	if err != nil {
		panic(err)
	}

	log.Printf("Contract artifact %s loaded", art.ContractName)

	// load the signing provider
	sig, err := signer.New(conf)
	if err != nil {
		panic(err)
	}

	log.Printf("Signing provider %q loaded, account %s", conf.Signer, sig.Address().Hex())

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Println("Serving metrics API")

			h := http.NewServeMux()

			h.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(":9100", h)
		}()
	}

	// load message broker
	var mb msg.MsgBroker

	switch conf.MbType {
	case "amqp":
		if mb, err = amqp.New(conf.MbConn); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(conf.MbConn); err != nil {
				panic(err)
			}
		}

		if err = mb.Setup(nil); err != nil {
			panic(err)
		}
	case "":
		log.Print("No message broker configured, transfer events will only be logged")
	default:
		log.Printf("Unknown message broker type: %s\n", conf.MbType)
	}

	// create the service and resolve the network context and contract
	s := server.New(conf, c, sig, mb, art)

	if err = s.Start(context.Background()); err != nil {
		panic(err)
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// do last actions and wait for all write operations to end
		s.Stop()
		close(finish)
	}()

	// init RESTful API, wait for its return and log response
	log.Printf("Server: %s\n", s.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))

	<-finish
}
