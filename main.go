// Package main is the nfc-relay command. The server subcommand runs next to
// the card emulator and the mole subcommand next to the victim card; the two
// talk over UDP on the local network.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&serverCmd{}, "relay")
	subcommands.Register(&moleCmd{}, "relay")
	subcommands.Register(&victimsCmd{}, "")
	subcommands.Register(&versionCmd{}, "")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx)
	stop()
	os.Exit(int(status))
}
