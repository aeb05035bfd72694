// Command zrlogd runs one peer of the replicated log service.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/jcalfee/node-zmq-raft/config"
	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/server"
)

func main() {
	var (
		id      = flag.Uint64("id", 0, "this peer's id")
		dataDir = flag.String("data", "", "data root directory")
		bind    = flag.String("bind", "", "RPC bind url (tcp://ip:port)")
		pubBind = flag.String("pub-bind", "", "broadcast bind url")
		pubURL  = flag.String("pub-url", "", "broadcast url advertised to subscribers")
		peers   = flag.String("peers", "", "peer set as id=tcp://ip:port,...")
		secret  = flag.String("secret", "", "cluster secret")
		debug   = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	if *id == 0 || *dataDir == "" || *bind == "" || *secret == "" || *peers == "" {
		fmt.Fprintln(os.Stderr, "zrlogd: -id, -data, -bind, -secret and -peers are required")
		os.Exit(1)
	}

	peerSet, err := parsePeers(*peers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zrlogd: %v\n", err)
		os.Exit(1)
	}
	if *pubBind == "" {
		*pubBind = *bind // distinct port expected in real deployments
	}
	if *pubURL == "" {
		*pubURL = *pubBind
	}

	node, err := server.Start(server.Config{
		ID:         *id,
		DataDir:    *dataDir,
		BindURL:    *bind,
		PubBindURL: *pubBind,
		PubURL:     *pubURL,
		Cluster: config.Cluster{
			Peers:  peerSet,
			Secret: []byte(*secret),
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "zrlogd: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	node.Stop()
}

func parsePeers(raw string) ([]logpd.Peer, error) {
	var peers []logpd.Peer
	for _, part := range strings.Split(raw, ",") {
		id, url, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("bad peer %q, want id=url", part)
		}
		pid, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad peer id %q: %w", id, err)
		}
		peers = append(peers, logpd.Peer{ID: pid, URL: url})
	}
	return peers, nil
}
