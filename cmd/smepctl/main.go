// Command smepctl opens and drives smep endpoints from the shell,
// structured as subcommands since there's no single fixed pipeline to
// run.
package main

import (
	"fmt"
	"log"
	"os"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("smepctl: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "open":
		code = runOpen(os.Args[2:])
	case "echo":
		code = runEcho(os.Args[2:])
	case "rma":
		code = runRMA(os.Args[2:])
	case "sweep":
		code = runSweep(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		code = 0
	default:
		fmt.Fprintf(os.Stderr, "smepctl: unknown subcommand %q\n", os.Args[1])
		usage()
		code = 2
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: smepctl <subcommand> [flags]

subcommands:
  open   listen as an endpoint and idle, printing its address
  echo   send a payload to a peer and wait for its reply
  rma    put or get a buffer via one-sided RMA against a peer
  sweep  remove control-socket/shared-memory stragglers left by dead peers`)
}
