package container

import (
	"hash/fnv"
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
	"github.com/cznic/shmstore/txn"
)

// bucket states, encoded via (key, hash) per §4.6.3.
const (
	emptyPtr      = region.None
	tombstoneHash = 1
)

// dictHeader is an unordered dict's fixed fields: a persistent table and,
// while a writer holds the lock, a delta table (§3.4, §4.6.3).
type dictHeader struct {
	Header
	Table     region.Pointer // persistent bucketTable block
	Delta     region.Pointer // delta bucketTable block, None when not mid-write
	ChangeLog region.Pointer
	Size      uint32 // live key count, persistent view
}

func overlayDictHeader(payload []byte) *dictHeader {
	return (*dictHeader)(unsafe.Pointer(&payload[0]))
}

// bucketTableHeader precedes a flat array of buckets.
type bucketTableHeader struct {
	alloc.RefcountHeader
	BucketCount uint32
	IsDelta     uint32
}

func overlayBucketTable(payload []byte) *bucketTableHeader {
	return (*bucketTableHeader)(unsafe.Pointer(&payload[0]))
}

var bucketTableHeaderSize = int(unsafe.Sizeof(bucketTableHeader{}))

// bucket is a persistent-table slot.
type bucket struct {
	Key   region.Pointer
	Hash  uint32
	Value region.Pointer
}

var bucketSize = int(unsafe.Sizeof(bucket{}))

// deltaBucket mirrors bucket with one extra field, OrigItem: the index of
// the corresponding persistent-table bucket, or -1 for inserts (§4.6.3).
type deltaBucket struct {
	Key      region.Pointer
	Hash     uint32
	Value    region.Pointer
	OrigItem int32
}

var deltaBucketSize = int(unsafe.Sizeof(deltaBucket{}))

func buckets(payload []byte, n int) []bucket {
	base := (*bucket)(unsafe.Pointer(&payload[bucketTableHeaderSize]))
	return unsafe.Slice(base, n)
}

func deltaBuckets(payload []byte, n int) []deltaBucket {
	base := (*deltaBucket)(unsafe.Pointer(&payload[bucketTableHeaderSize]))
	return unsafe.Slice(base, n)
}

func hashKey(r *region.Region, key region.Pointer) uint32 {
	v := Value{r: r, ptr: key}
	h := fnv.New32a()
	switch v.Kind() {
	case KindString:
		s := v.String()
		for _, rn := range s {
			var b [4]byte
			b[0], b[1], b[2], b[3] = byte(rn), byte(rn>>8), byte(rn>>16), byte(rn>>24)
			h.Write(b[:])
		}
	default:
		h.Write(r.Resolve(key))
	}
	sum := h.Sum32()
	if sum == 0 || sum == tombstoneHash {
		sum = 2
	}
	return sum
}

func keysEqual(r *region.Region, a, b region.Pointer) bool {
	if a == b {
		return true
	}
	va, vb := Value{r: r, ptr: a}, Value{r: r, ptr: b}
	if va.Kind() != vb.Kind() {
		return false
	}
	switch va.Kind() {
	case KindString:
		return va.String() == vb.String()
	case KindInt:
		return va.Int() == vb.Int()
	case KindBytes:
		ba, bb := va.Bytes(), vb.Bytes()
		if len(ba) != len(bb) {
			return false
		}
		for i := range ba {
			if ba[i] != bb[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// maxChain is the probe-run length that forces a grow (§4.6.3).
func maxChain(bucketCount int) int {
	return mathutil.Max(bucketCount/8, 3)
}

// UnorderedDict is the process-local handle to an unordered dict (§3.4,
// §4.6.3).
type UnorderedDict struct {
	r   *region.Region
	h   *alloc.Heap
	ptr region.Pointer
}

// NewUnorderedDict allocates an empty dict with an 8-bucket table.
func NewUnorderedDict(r *region.Region, h *alloc.Heap) (UnorderedDict, error) {
	const initialBuckets = 8
	fp, payload, err := h.GetMem(int(unsafe.Sizeof(dictHeader{})), 0)
	if err != nil {
		return UnorderedDict{}, err
	}
	dh := overlayDictHeader(payload)
	dh.SetType(alloc.TypeUnorderedDict)
	dh.Refcount = 1

	tfp, tpayload, err := h.GetMem(bucketTableHeaderSize+initialBuckets*bucketSize, 0)
	if err != nil {
		return UnorderedDict{}, err
	}
	th := overlayBucketTable(tpayload)
	th.SetType(alloc.TypeUnorderedDict)
	th.Refcount = 1
	th.BucketCount = initialBuckets
	dh.Table = tfp

	return UnorderedDict{r: r, h: h, ptr: fp}, nil
}

func (d UnorderedDict) payload() []byte    { return d.r.Resolve(d.ptr) }
func (d UnorderedDict) header() *dictHeader { return overlayDictHeader(d.payload()) }

// Pointer returns the fat pointer backing this dict.
func (d UnorderedDict) Pointer() region.Pointer { return d.ptr }

func (d UnorderedDict) persistentTable() (*bucketTableHeader, []byte) {
	hdr := d.header()
	p := d.r.Resolve(hdr.Table)
	return overlayBucketTable(p), p
}

func (d UnorderedDict) ensureDelta() (*bucketTableHeader, []byte, error) {
	hdr := d.header()
	if hdr.Delta.IsValid() {
		p := d.r.Resolve(hdr.Delta)
		return overlayBucketTable(p), p, nil
	}
	pth, _ := d.persistentTable()
	n := int(pth.BucketCount)
	fp, payload, err := d.h.GetMem(bucketTableHeaderSize+n*deltaBucketSize, 0)
	if err != nil {
		return nil, nil, err
	}
	th := overlayBucketTable(payload)
	th.SetType(alloc.TypeUnorderedDict)
	th.Refcount = 1
	th.BucketCount = uint32(n)
	th.IsDelta = 1
	db := deltaBuckets(payload, n)
	for i := range db {
		db[i].OrigItem = -1
	}
	hdr.Delta = fp
	return th, payload, nil
}

// probe finds key's bucket index in table (persistent layout), or -1 with
// the first empty/tombstone slot on the probe chain if absent.
func probe(r *region.Region, table []byte, n int, key region.Pointer, h uint32) (found int, insertAt int) {
	bs := buckets(table, n)
	insertAt = -1
	start := int(h) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		b := &bs[idx]
		switch {
		case b.Key == emptyPtr && b.Hash == 0:
			if insertAt == -1 {
				insertAt = idx
			}
			return -1, insertAt
		case b.Key == emptyPtr && b.Hash == tombstoneHash:
			if insertAt == -1 {
				insertAt = idx
			}
		case b.Key != emptyPtr && b.Hash == h && keysEqual(r, b.Key, key):
			return idx, idx
		}
	}
	return -1, insertAt
}

func deltaProbe(r *region.Region, table []byte, n int, key region.Pointer, h uint32) (found int, insertAt int) {
	bs := deltaBuckets(table, n)
	insertAt = -1
	start := int(h) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		b := &bs[idx]
		switch {
		case b.Key == emptyPtr && b.Hash == 0:
			if insertAt == -1 {
				insertAt = idx
			}
			return -1, insertAt
		case b.Key == emptyPtr && b.Hash == tombstoneHash:
			if insertAt == -1 {
				insertAt = idx
			}
		case b.Key != emptyPtr && b.Hash == h && keysEqual(r, b.Key, key):
			return idx, idx
		}
	}
	return -1, insertAt
}

// Get looks up key, checking the delta table first when one exists
// (§4.6.3: "Lookups check delta first when the caller owns the write
// lock").
func (d UnorderedDict) Get(key region.Pointer) (region.Pointer, bool) {
	hdr := d.header()
	h := hashKey(d.r, key)
	if hdr.Delta.IsValid() {
		dp := d.r.Resolve(hdr.Delta)
		dth := overlayBucketTable(dp)
		if idx, _ := deltaProbe(d.r, dp, int(dth.BucketCount), key, h); idx >= 0 {
			b := deltaBuckets(dp, int(dth.BucketCount))[idx]
			if b.Value == emptyPtr {
				return region.None, false // delta tombstone
			}
			return b.Value, true
		}
	}
	pth, pp := d.persistentTable()
	if idx, _ := probe(d.r, pp, int(pth.BucketCount), key, h); idx >= 0 {
		return buckets(pp, int(pth.BucketCount))[idx].Value, true
	}
	return region.None, false
}

// Set stages key -> value in the delta table, doubling the delta when it
// has no free bucket left; the persistent table grows on commit when a
// probe chain exceeds maxChain (§4.6.3).
func (d UnorderedDict) Set(key, value region.Pointer) shmerr.Status {
	dth, dp, err := d.ensureDelta()
	if err != nil {
		return shmerr.Failure
	}
	h := hashKey(d.r, key)
	n := int(dth.BucketCount)
	idx, slot := deltaProbe(d.r, dp, n, key, h)
	if idx == -1 && slot == -1 {
		if err := d.growDelta(); err != nil {
			return shmerr.Failure
		}
		return d.Set(key, value)
	}
	db := deltaBuckets(dp, n)
	if idx >= 0 {
		db[idx].Value = value
		return d.recordTouch(uint32(idx))
	}
	pth, pp := d.persistentTable()
	origIdx, _ := probe(d.r, pp, int(pth.BucketCount), key, h)
	db[slot] = deltaBucket{Key: key, Hash: h, Value: value, OrigItem: int32(origIdx)}
	return d.recordTouch(uint32(slot))
}

// Delete stages key's removal in the delta table as a value-empty
// tombstone entry, preserving orig_item so commit can mark the persistent
// slot deleted (§4.6.3).
func (d UnorderedDict) Delete(key region.Pointer) shmerr.Status {
	if _, has := d.Get(key); !has {
		return shmerr.Invalid
	}
	return d.Set(key, emptyPtr)
}

func (d UnorderedDict) growDelta() error {
	hdr := d.header()
	oldFP := hdr.Delta
	oldDP := d.r.Resolve(oldFP)
	oldDTH := overlayBucketTable(oldDP)
	oldN := int(oldDTH.BucketCount)
	newN := oldN * 2

	fp, payload, err := d.h.GetMem(bucketTableHeaderSize+newN*deltaBucketSize, 0)
	if err != nil {
		return err
	}
	th := overlayBucketTable(payload)
	th.SetType(alloc.TypeUnorderedDict)
	th.Refcount = 1
	th.BucketCount = uint32(newN)
	th.IsDelta = 1
	nb := deltaBuckets(payload, newN)
	for i := range nb {
		nb[i].OrigItem = -1
	}
	for _, b := range deltaBuckets(oldDP, oldN) {
		if b.Key == emptyPtr {
			continue
		}
		_, slot := deltaProbe(d.r, payload, newN, b.Key, b.Hash)
		nb[slot] = b
	}
	hdr.Delta = fp
	// The buckets moved, so the logged slot indices are rebuilt for the new
	// table.
	if hdr.ChangeLog.IsValid() {
		cl, err := txn.EnsureChangeLog(d.r, d.h, &hdr.ChangeLog)
		if err != nil {
			return err
		}
		cl.Reset()
		for i := range nb {
			if nb[i].Key != emptyPtr && cl.Record(uint32(i)) != shmerr.OK {
				return &shmerr.FailureError{Src: "container.UnorderedDict.growDelta", Detail: "change log record failed"}
			}
		}
	}
	return alloc.FreeMem(d.r, oldFP)
}

func (d UnorderedDict) recordTouch(slot uint32) shmerr.Status {
	hdr := d.header()
	cl, err := txn.EnsureChangeLog(d.r, d.h, &hdr.ChangeLog)
	if err != nil {
		return shmerr.Failure
	}
	return cl.Record(slot)
}

// CommitUnorderedDict is the txn.CommitHandler for KindUnorderedDict: for
// each logged delta bucket, locate (or insert) the persistent slot,
// update it, and mark+compact any orphaned probe run on deletion, then
// frees the delta table (§4.5.1, §4.6.3).
func CommitUnorderedDict(r *region.Region, fp region.Pointer, threadID uint32) {
	hdr := overlayDictHeader(r.Resolve(fp))
	if !hdr.Delta.IsValid() {
		return
	}
	dp := r.Resolve(hdr.Delta)
	dth := overlayBucketTable(dp)
	if hdr.ChangeLog.IsValid() {
		cl, _ := txn.EnsureChangeLog(r, nil, &hdr.ChangeLog)
		for _, slot := range cl.Entries() {
			if int(slot) >= int(dth.BucketCount) {
				continue
			}
			applyDeltaBucket(r, hdr, threadID, deltaBuckets(dp, int(dth.BucketCount))[slot])
		}
		cl.Reset()
	}
	alloc.FreeMem(r, hdr.Delta)
	hdr.Delta = region.None
}

func applyDeltaBucket(r *region.Region, hdr *dictHeader, threadID uint32, db deltaBucket) {
	pp := r.Resolve(hdr.Table)
	pth := overlayBucketTable(pp)
	n := int(pth.BucketCount)

	if db.Value == emptyPtr {
		bs := buckets(pp, n)
		if db.OrigItem >= 0 && db.OrigItem < int32(n) {
			bs[db.OrigItem] = bucket{Key: emptyPtr, Hash: tombstoneHash}
			hdr.Size--
		}
		return
	}
	if db.OrigItem >= 0 && db.OrigItem < int32(n) {
		buckets(pp, n)[db.OrigItem].Value = db.Value
		return
	}

	idx, slot := probe(r, pp, n, db.Key, db.Hash)
	if idx >= 0 {
		buckets(pp, n)[idx].Value = db.Value
		return
	}
	if slot == -1 || maxChainExceeded(r, pp, n, db.Hash) {
		growPersistentTable(r, hdr, threadID)
		pp = r.Resolve(hdr.Table)
		pth = overlayBucketTable(pp)
		n = int(pth.BucketCount)
		_, slot = probe(r, pp, n, db.Key, db.Hash)
		if slot == -1 {
			// growth itself failed to allocate (region exhausted): drop
			// this insert rather than index a full table out of range.
			return
		}
	}
	bs := buckets(pp, n)
	bs[slot] = bucket{Key: db.Key, Hash: db.Hash, Value: db.Value}
	hdr.Size++
}

func maxChainExceeded(r *region.Region, table []byte, n int, h uint32) bool {
	bs := buckets(table, n)
	start := int(h) % n
	chain := 0
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if bs[idx].Key == emptyPtr && bs[idx].Hash == 0 {
			break
		}
		chain++
	}
	return chain > maxChain(n)
}

// growPersistentTable doubles the persistent table's bucket count, re-
// probing and re-inserting every live bucket into the new table, then
// frees the old one (§4.6.3: "the table grows by one power of two... all
// live buckets are re-inserted, and the old table is marked relocated and
// freed"). Called from applyDeltaBucket when the probe chain for an insert
// would exceed maxChain, or when the table is completely full (probe
// cannot find any empty/tombstone slot at all). threadID names the
// committing thread's own allocator, since table growth happens at commit
// time rather than under the caller's process-local Heap handle.
func growPersistentTable(r *region.Region, hdr *dictHeader, threadID uint32) {
	oldFP := hdr.Table
	oldP := r.Resolve(oldFP)
	oldTH := overlayBucketTable(oldP)
	oldN := int(oldTH.BucketCount)
	newN := oldN * 2

	h := alloc.NewHeap(r, threadID)
	fp, payload, err := h.GetMem(bucketTableHeaderSize+newN*bucketSize, 0)
	if err != nil {
		return
	}
	th := overlayBucketTable(payload)
	th.SetType(alloc.TypeUnorderedDict)
	th.Refcount = 1
	th.BucketCount = uint32(newN)

	for _, b := range buckets(oldP, oldN) {
		if b.Key == emptyPtr {
			continue
		}
		_, slot := probe(r, payload, newN, b.Key, b.Hash)
		buckets(payload, newN)[slot] = b
	}

	hdr.Table = fp
	alloc.FreeMem(r, oldFP)
}

// AbortUnorderedDict is the txn.AbortHandler for KindUnorderedDict: frees
// the delta table without touching the persistent table (§4.5.1).
func AbortUnorderedDict(r *region.Region, fp region.Pointer) {
	hdr := overlayDictHeader(r.Resolve(fp))
	if hdr.ChangeLog.IsValid() {
		cl, _ := txn.EnsureChangeLog(r, nil, &hdr.ChangeLog)
		cl.Reset()
	}
	if hdr.Delta.IsValid() {
		alloc.FreeMem(r, hdr.Delta)
		hdr.Delta = region.None
	}
}
