package container

import (
	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/refc"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/txn"
)

// RegisterHandlers attaches every container kind's commit/abort pair to
// mgr, so txn.Context.Commit/Abort can dispatch across kinds recorded in
// a transaction's element list (§4.5, §4.6). Call this once per process
// after constructing the transaction Manager.
func RegisterHandlers(mgr *txn.Manager, sb *region.Superblock) {
	mgr.RegisterKind(txn.KindList, CommitList, AbortList)
	mgr.RegisterKind(txn.KindUnorderedDict, CommitUnorderedDict, AbortUnorderedDict)
	mgr.RegisterKind(txn.KindDict, CommitOrderedDict, AbortOrderedDict)
	mgr.RegisterKind(txn.KindQueue, CommitQueue, AbortQueue)
	mgr.RegisterKind(txn.KindPromise, CommitPromise(sb), AbortPromise)
}

// RegisterDestructors attaches every container kind's reclamation
// destructor to rc, so the coordinator's grace-period sweep (§4.3 step 4)
// releases a dead container's own plumbing blocks (block chains, bucket
// tables, trie nodes, change logs) instead of leaking them. Call this
// once per coordinator process after constructing the Reclaimer.
func RegisterDestructors(rc *refc.Reclaimer) {
	rc.Register(alloc.TypeList, destructList)
	rc.Register(alloc.TypeUnorderedDict, destructUnorderedDict)
	rc.Register(alloc.TypeOrderedDict, destructOrderedDict)
	rc.Register(alloc.TypeQueue, destructQueue)
	rc.Register(alloc.TypePromise, destructPromise)
}
