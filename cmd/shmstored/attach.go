package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/container"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/txn"
)

func newAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <region-name>",
		Short: "Attach to an existing region, claim a thread slot, and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttacher(args[0])
		},
	}
	return cmd
}

// runAttacher is the non-coordinator worker path: attach to a region a
// coordinator already created, claim a thread slot, build a heap and
// transaction context over it, run one empty transient transaction, log
// the heap's sector counts, and return. Exit code 0 on a clean detach (§7).
func runAttacher(name string) error {
	r, err := region.Attach(name, region.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer r.Release()

	slot, err := r.ClaimThreadSlot()
	if err != nil {
		return err
	}
	defer r.ReleaseThreadSlot(slot)

	h := alloc.NewHeap(r, uint32(slot))
	mgr := txn.NewManager(r)
	container.RegisterHandlers(mgr, r.Superblock)
	ctx := txn.NewContext(mgr, slot)

	// Prove the attach-mode plumbing actually works end to end: start and
	// immediately commit an empty outermost scope, exercising the same
	// Start/Commit path a real worker would drive.
	ctx.Start(txn.ModeTransient, txn.LockRead)
	ctx.Commit()

	stats := h.Stats()
	log.Info().Str("region", name).Int("slot", slot).
		Int("small_sectors", stats.SmallSectors).
		Int("medium_sectors", stats.MediumSectors).
		Msg("attached")
	return nil
}
