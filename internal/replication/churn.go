package replication

import (
	"sort"

	"stornet/internal/identity"
	"stornet/internal/wire"
	"stornet/internal/xorname"
)

// HeldItem is one piece of data this node currently stores, paired with
// its size for batch-sizing purposes.
type HeldItem struct {
	Address wire.DataAddress
	Size    int
}

// Batch is one bounded ReplicateDataBatch destination: the new holder and
// the items to push to it.
type Batch struct {
	To    identity.Peer
	Items []HeldItem
}

// PlanChurnReplication implements §4.4.3's algorithm: for each held item
// this node is no longer a holder for under the updated adult set, queue
// it for replication to every adult that now is a holder. Items are
// ordered by XOR distance to ourName (closest first, step 5) and split
// into batches bounded by MaxBatchItems/MaxBatchBytes per destination
// (step 3). Local copies are never removed here — retention past
// replication, and eventual eviction once out-of-range, are the caller's
// separate concern (step 4).
func PlanChurnReplication(held []HeldItem, ourName xorname.XorName, newAdults []identity.Peer) []Batch {
	sortedHeld := append([]HeldItem(nil), held...)
	sort.SliceStable(sortedHeld, func(i, j int) bool {
		return xorname.Closer(ourName, sortedHeld[i].Address.Name, sortedHeld[j].Address.Name)
	})

	itemsByHolder := map[xorname.XorName][]HeldItem{}
	var holderOrder []xorname.XorName
	holderPeer := map[xorname.XorName]identity.Peer{}

	for _, item := range sortedHeld {
		holders := ClosestAdults(newAdults, item.Address.Name, ChunkCopyCount)
		weAreHolder := false
		for _, h := range holders {
			if h.Name == ourName {
				weAreHolder = true
				break
			}
		}
		if weAreHolder {
			continue
		}
		for _, h := range holders {
			if h.Name == ourName {
				continue
			}
			if _, ok := itemsByHolder[h.Name]; !ok {
				holderOrder = append(holderOrder, h.Name)
				holderPeer[h.Name] = h
			}
			itemsByHolder[h.Name] = append(itemsByHolder[h.Name], item)
		}
	}

	var out []Batch
	for _, name := range holderOrder {
		items := itemsByHolder[name]
		peer := holderPeer[name]
		var cur Batch
		cur.To = peer
		var curBytes int
		for _, item := range items {
			if len(cur.Items) >= MaxBatchItems || curBytes+item.Size > MaxBatchBytes {
				if len(cur.Items) > 0 {
					out = append(out, cur)
				}
				cur = Batch{To: peer}
				curBytes = 0
			}
			cur.Items = append(cur.Items, item)
			curBytes += item.Size
		}
		if len(cur.Items) > 0 {
			out = append(out, cur)
		}
	}
	return out
}
