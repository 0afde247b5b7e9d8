// Command shmstored is the coordinator/attacher harness for a shared
// object store region: the "create" subcommand creates a region and runs
// the reclaimer loop; the "attach" subcommand attaches to an existing
// region (§7, SPEC_FULL §7 coordinator bootstrap).
//
// Grounded on kluzzebass-gastrolog's Cobra command tree
// (backend/cmd/gastrolog/cli/cli.go): flags bound straight onto a
// command, subcommands for distinct lifecycles, no separate config file.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	root := &cobra.Command{
		Use:   "shmstored",
		Short: "Shared-memory object store coordinator and attacher",
	}
	root.AddCommand(newCreateCmd())
	root.AddCommand(newAttachCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
