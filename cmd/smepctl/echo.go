package main

import (
	"context"
	"flag"
	"log"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	smep "github.com/smfabric/smep"
	"github.com/smfabric/smep/internal/wire"
)

// runEcho sends a payload to one peer, or fans out to every peer named in
// a DemoConfig, bounding concurrency with a weighted semaphore the way
// cometbft's mempool reactor bounds its gossip fan-out (spec.md §8's
// "expected match" and "loopback echo" scenarios).
func runEcho(args []string) int {
	fs := flag.NewFlagSet("echo", flag.ContinueOnError)
	user := fs.String("user", currentUser(), "namespace user (default: $USER)")
	prefix := fs.String("prefix", "smep", "shared-memory/control-socket prefix")
	peer := fs.String("peer", "", "peer address, sm://<pid>/<instance>")
	configPath := fs.String("config", "", "DemoConfig TOML file listing peers to fan out to")
	concurrency := fs.Int64("concurrency", 4, "max concurrent peer exchanges when using -config")
	tag := fs.Uint("tag", 1, "message tag")
	payload := fs.String("payload", "ping", "payload bytes (as text)")
	timeoutMs := fs.Int("timeout-ms", 5000, "progress timeout per iteration")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *configPath != "" {
		return runEchoFanout(*configPath, *user, *prefix, *timeoutMs, *concurrency, []byte(*payload))
	}
	if *peer == "" {
		log.Println("echo: one of -peer or -config is required")
		return 2
	}
	addr, err := wire.ParseAddr(*peer)
	if err != nil {
		log.Printf("echo: %v", err)
		return 2
	}

	ep, err := smep.Open(*user, smep.Options{Prefix: *prefix})
	if err != nil {
		log.Printf("echo: open: %v", err)
		return 1
	}
	defer ep.Close()

	if err := pingOnce(ep, addr, uint32(*tag), []byte(*payload), *timeoutMs); err != nil {
		log.Printf("echo: %v", err)
		return 1
	}
	return 0
}

// runEchoFanout reads a DemoConfig and pings every listed peer
// concurrently, each exchange on its own endpoint so one slow peer can't
// stall Progress for the others.
func runEchoFanout(path, user, prefix string, timeoutMs int, concurrency int64, payload []byte) int {
	cfg, err := LoadConfig(path)
	if err != nil {
		log.Printf("echo: config: %v", err)
		return 1
	}

	sem := semaphore.NewWeighted(concurrency)
	g, ctx := errgroup.WithContext(context.Background())
	for _, peer := range cfg.Peers {
		peer := peer
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			addr, err := wire.ParseAddr(peer.Name)
			if err != nil {
				return err
			}
			ep, err := smep.Open(user, smep.Options{Prefix: prefix})
			if err != nil {
				return err
			}
			defer ep.Close()

			if err := pingOnce(ep, addr, peer.Tag, payload, timeoutMs); err != nil {
				log.Printf("echo: %s: %v", peer.Name, err)
				return err
			}
			log.Printf("echo: %s: ok", peer.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 1
	}
	return 0
}

// pingOnce sends payload to addr as an unexpected message, posts an
// expected receive for the reply, and drives Progress until both
// complete.
func pingOnce(ep *smep.Endpoint, addr wire.Addr, tag uint32, payload []byte, timeoutMs int) error {
	dest := ep.Lookup(addr.PID, addr.Instance)
	defer ep.FreeAddress(dest)

	recvBuf := make([]byte, 4096)
	var sendDone, recvDone bool
	var sendErr, recvErr error

	sendOp := smep.NewOperation(ep)
	if err := ep.SendUnexpected(dest, payload, tag, sendOp, func(r smep.Result) {
		sendDone = true
		sendErr = r.Err
	}); err != nil {
		return err
	}

	recvOp := smep.NewOperation(ep)
	if err := ep.RecvExpected(dest, tag, recvBuf, recvOp, func(r smep.Result) {
		recvDone = true
		recvErr = r.Err
	}); err != nil {
		return err
	}

	for !sendDone || !recvDone {
		if err := ep.Progress(timeoutMs); err != nil && !smep.Is(err, smep.CodeTimeout) {
			return err
		}
	}
	if sendErr != nil {
		return sendErr
	}
	return recvErr
}
