package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	smep "github.com/smfabric/smep"
)

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "nobody"
}

// runOpen opens a listening endpoint and idles, printing its self address
// and draining incoming traffic until interrupted (spec.md §4.4 "Open",
// §4.5 "Progress").
func runOpen(args []string) int {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	user := fs.String("user", currentUser(), "namespace user (default: $USER)")
	prefix := fs.String("prefix", "smep", "shared-memory/control-socket prefix")
	noWait := fs.Bool("no-wait", false, "disable the poll set and notifiers, polling only")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ep, err := smep.Open(*user, smep.Options{
		Listen: true,
		NoWait: *noWait,
		Prefix: *prefix,
	})
	if err != nil {
		log.Printf("open: %v", err)
		return 1
	}
	defer ep.Close()

	fmt.Println(ep.SelfAddress())
	log.Printf("listening as %s, prefix %q, user %q", ep.SelfAddress(), *prefix, *user)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for ctx.Err() == nil {
		if err := ep.Progress(250); err != nil && !smep.Is(err, smep.CodeTimeout) {
			log.Printf("progress: %v", err)
		}
	}
	log.Println("shutting down")
	return 0
}
