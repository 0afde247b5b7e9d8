package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/container"
	"github.com/cznic/shmstore/refc"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/txn"
)

func newCreateCmd() *cobra.Command {
	var pollMs int
	cmd := &cobra.Command{
		Use:   "create [region-name]",
		Short: "Create a new region and run its coordinator (reclaimer) loop",
		Long:  "Create a new region and run its coordinator (reclaimer) loop.\n\nIf region-name is omitted, a fresh name is generated from random entropy.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := region.NewName("")
			if len(args) == 1 {
				name = args[0]
			}
			return runCoordinator(name, pollMs)
		},
	}
	cmd.Flags().IntVar(&pollMs, "poll-ms", 50, "reclaimer wakeup poll interval in milliseconds")
	return cmd
}

// runCoordinator implements original_source/src/coordinator.c's
// create-region/run-reclaimer/clean-shutdown responsibilities (SPEC_FULL
// §7): the first process against a region name creates it, claims thread
// slot 0 for its own bootstrap work, and runs the reclaimer loop until
// interrupted, then unlinks the backing shared-memory object.
func runCoordinator(name string, pollMs int) error {
	r, err := region.Create(name, region.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer r.Release()

	slot, err := r.ClaimThreadSlot()
	if err != nil {
		return err
	}
	defer r.ReleaseThreadSlot(slot)

	heap := alloc.NewHeap(r, uint32(slot))
	mgr := txn.NewManager(r)
	container.RegisterHandlers(mgr, r.Superblock)

	heaps := map[uint32]*alloc.Heap{uint32(slot): heap}
	rc := refc.NewReclaimer(r, heaps, log.Logger)
	container.RegisterDestructors(rc)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	log.Info().Str("region", name).Msg("coordinator ready")
	for {
		select {
		case <-stop:
			log.Info().Msg("coordinator shutting down")
			return nil
		default:
		}
		r.Superblock.ReclaimEvent().Wait(time.Duration(pollMs) * time.Millisecond)
		r.Superblock.ReclaimEvent().Reset()
		rc.RunOnce()
	}
}
