package alloc

// Stats reports allocator occupancy, grounded directly on
// lldb.AllocStats/Allocator.Verify, adapted from atom counts to
// size-classed segment/sector counts (§7 of SPEC_FULL's supplemented
// features).
type Stats struct {
	SmallSectors  int
	SmallSegments int
	SmallUsed     [len(SizeClasses)]int
	MediumSectors int
	MediumFree    [len(MediumSizeClasses)]int
}

// Stats walks this heap's sectors and reports per-size-class occupancy.
// It takes no locks; callers should only call it when quiescent (tests,
// diagnostics) since it is not part of any hot path.
func (h *Heap) Stats() Stats {
	var s Stats
	for idx := h.Small.head; idx != -1; idx = h.Small.nextSector(idx) {
		s.SmallSectors++
		chunk := h.Small.r.Chunk(idx)
		for seg := 1; seg < segmentsPerSector(); seg++ {
			segH := overlaySegmentHeader(chunk, seg)
			if segH.SizeClass == unclaimedClass {
				continue
			}
			s.SmallSegments++
			s.SmallUsed[segH.SizeClass] += int(segH.UsedCount)
		}
	}
	for idx := h.Med.head; idx != -1; idx = h.Med.nextSector(idx) {
		s.MediumSectors++
		chunk := h.Med.r.Chunk(idx)
		fh := overlayFlexSector(chunk)
		for c := 0; c <= mediumLargestClass; c++ {
			for off := fh.ClassHeads[c]; off != noBlock; {
				s.MediumFree[c]++
				blk := overlayFlexBlock(chunk, int(off))
				off = blk.NextFree
			}
		}
	}
	return s
}

// BlockDebugInfo reports the last two debug_id tags written to a block's
// address, per SPEC_FULL's supplemented leak-diagnostics feature.
type BlockDebugInfo struct {
	LastID int32
	PrevID int32
}

// DebugInfoAt reads the debug_id tags stamped in the block header that
// payload starts at (for a small block, r.Resolve(fp)); the caller is responsible for not
// racing a concurrent writer (this is diagnostics, not a hot path).
func DebugInfoAt(payload []byte) BlockDebugInfo {
	h := overlayHeader(payload)
	return BlockDebugInfo{LastID: h.LastDebugID, PrevID: h.PrevDebugID}
}
