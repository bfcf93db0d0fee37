package crdt

import (
	"errors"
	"strings"
	"sync"
)

// ID identifies one content unit. It is assigned by the originating site at
// creation time and never reused.
type ID struct {
	Site  uint64
	Clock uint64
}

// IsZero reports the head sentinel: an item anchored at the start of the
// document has a zero Origin.
func (a ID) IsZero() bool { return a.Site == 0 && a.Clock == 0 }

// Less is the total order used to break ties between concurrent siblings,
// clock first, then site.
func (a ID) Less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Site < b.Site
}

// Item is one content unit of the sequence. Deleted items are kept as
// tombstones so that late-arriving anchors still resolve.
type Item struct {
	ID      ID
	Origin  ID // left anchor; zero = document head
	Value   rune
	Deleted bool
}

// Diff is the unit of exchange between replicas: the items the peer is
// missing plus the ids known to be tombstoned. Applying a diff twice, or
// applying overlapping diffs in any order, leaves the document identical.
type Diff struct {
	Items   []Item
	Deletes []ID
}

// Empty reports whether the diff carries nothing.
func (d Diff) Empty() bool { return len(d.Items) == 0 && len(d.Deletes) == 0 }

// ErrBadDiff marks a structurally invalid diff (zero id, self-referencing
// anchor). Such a diff is rejected as a whole, nothing is applied.
var ErrBadDiff = errors.New("crdt: structurally invalid diff")

func (d Diff) validate() error {
	for _, it := range d.Items {
		if it.ID.Site == 0 || it.ID.Clock == 0 {
			return ErrBadDiff
		}
		if it.Origin == it.ID {
			return ErrBadDiff
		}
		// an anchor is either the zero head sentinel or a full id; a
		// half-zero origin can never resolve and would pend forever
		if !it.Origin.IsZero() && (it.Origin.Site == 0 || it.Origin.Clock == 0) {
			return ErrBadDiff
		}
	}
	for _, id := range d.Deletes {
		if id.Site == 0 || id.Clock == 0 {
			return ErrBadDiff
		}
	}
	return nil
}

// Doc is one replica of the shared sequence.
//
// Items live in document order. Concurrent inserts at the same anchor are
// ordered descending by (Clock, Site), so every replica settles on the same
// interleaving no matter the arrival order. Remote items whose anchor has
// not arrived yet are parked in a pending buffer and retried after every
// successful integration.
type Doc struct {
	mu    sync.Mutex
	site  uint64
	clock uint64

	items []Item

	// vec[site] is the highest contiguous clock integrated from that site;
	// ahead holds clocks integrated past a gap.
	vec   map[uint64]uint64
	ahead map[uint64]map[uint64]struct{}

	pending    []Item
	pendingDel map[ID]struct{}
}

// NewDoc returns an empty replica. Site must be non-zero and unique among
// the replicas of one document.
func NewDoc(site uint64) *Doc {
	return &Doc{
		site:       site,
		vec:        make(map[uint64]uint64),
		ahead:      make(map[uint64]map[uint64]struct{}),
		pendingDel: make(map[ID]struct{}),
	}
}

func (d *Doc) Site() uint64 { return d.site }

// Len returns the number of visible (non-tombstoned) units.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.items {
		if !it.Deleted {
			n++
		}
	}
	return n
}

// Text materializes the visible sequence.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for _, it := range d.items {
		if !it.Deleted {
			b.WriteRune(it.Value)
		}
	}
	return b.String()
}

// StateVector returns a copy of the per-site high-water clocks.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.vec))
	for s, c := range d.vec {
		sv[s] = c
	}
	return sv
}

// LocalInsert inserts text before the visible position index (clamped to
// the document length), assigns fresh ids and returns the diff for just
// this edit. Runs of text are chained: each rune anchors on the previous.
func (d *Doc) LocalInsert(index int, text string) Diff {
	d.mu.Lock()
	defer d.mu.Unlock()
	origin := ID{}
	if i := d.visibleAt(index - 1); i >= 0 {
		origin = d.items[i].ID
	}
	var out []Item
	for _, r := range text {
		d.clock++
		it := Item{ID: ID{Site: d.site, Clock: d.clock}, Origin: origin, Value: r}
		d.integrate(it)
		d.markSeen(it.ID)
		origin = it.ID
		out = append(out, it)
	}
	return Diff{Items: out}
}

// LocalDelete tombstones n visible units starting at index and returns the
// diff for just this edit. Deleting past the end deletes what is there.
func (d *Doc) LocalDelete(index, n int) Diff {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []ID
	pos := d.visibleAt(index)
	for n > 0 && pos >= 0 && pos < len(d.items) {
		if !d.items[pos].Deleted {
			d.items[pos].Deleted = true
			ids = append(ids, d.items[pos].ID)
			n--
		}
		pos++
	}
	return Diff{Deletes: ids}
}

// ApplyRemote merges a remote diff. A structurally valid diff never fails:
// unknown anchors are buffered, duplicates and re-deletes are no-ops.
func (d *Doc) ApplyRemote(diff Diff) error {
	if err := diff.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, diff.Items...)
	d.drainPending()
	for _, id := range diff.Deletes {
		if i := d.find(id); i >= 0 {
			d.items[i].Deleted = true
		} else {
			// target not delivered yet; remember the tombstone
			d.pendingDel[id] = struct{}{}
		}
	}
	return nil
}

// DiffSince computes what a peer holding sv is missing: every item beyond
// the peer's high-water marks plus the full tombstone set. Tombstones are a
// grow-only set, resending them is idempotent.
func (d *Doc) DiffSince(sv StateVector) Diff {
	d.mu.Lock()
	defer d.mu.Unlock()
	var diff Diff
	for _, it := range d.items {
		if it.ID.Clock > sv[it.ID.Site] {
			diff.Items = append(diff.Items, it)
		}
		if it.Deleted {
			diff.Deletes = append(diff.Deletes, it.ID)
		}
	}
	for _, it := range d.pending {
		if it.ID.Clock > sv[it.ID.Site] {
			diff.Items = append(diff.Items, it)
		}
	}
	for id := range d.pendingDel {
		diff.Deletes = append(diff.Deletes, id)
	}
	return diff
}

// Snapshot returns the complete state as a diff against an empty replica,
// suitable for a fresh peer or a persistence flush.
func (d *Doc) Snapshot() Diff {
	return d.DiffSince(StateVector{})
}

// find returns the slice index of id, -1 if not integrated.
func (d *Doc) find(id ID) int {
	for i := range d.items {
		if d.items[i].ID == id {
			return i
		}
	}
	return -1
}

// visibleAt returns the slice index of the nth visible item, -1 when n is
// negative, the index of the last item when n runs past the end.
func (d *Doc) visibleAt(n int) int {
	if n < 0 {
		return -1
	}
	last := -1
	for i, it := range d.items {
		if it.Deleted {
			continue
		}
		last = i
		if n == 0 {
			return i
		}
		n--
	}
	return last
}

// integrate places it at its converged position. The caller guarantees the
// origin is present (or zero) and the id is not yet integrated.
func (d *Doc) integrate(it Item) {
	originPos := -1
	if !it.Origin.IsZero() {
		originPos = d.find(it.Origin)
	}
	pos := originPos + 1
	for pos < len(d.items) {
		cur := d.items[pos]
		curOriginPos := -1
		if !cur.Origin.IsZero() {
			curOriginPos = d.find(cur.Origin)
		}
		if curOriginPos < originPos {
			// cur hangs off an earlier anchor: everything from here on
			// belongs after us
			break
		}
		if curOriginPos == originPos && cur.ID.Less(it.ID) {
			// same anchor, we win the tie: newer (greater) id first
			break
		}
		pos++
	}
	d.items = append(d.items, Item{})
	copy(d.items[pos+1:], d.items[pos:])
	d.items[pos] = it
	if _, ok := d.pendingDel[it.ID]; ok {
		d.items[pos].Deleted = true
		delete(d.pendingDel, it.ID)
	}
}

// drainPending retries parked items until no more anchors resolve.
func (d *Doc) drainPending() {
	for {
		progressed := false
		rest := d.pending[:0]
		for _, it := range d.pending {
			if d.tryIntegrate(it) {
				progressed = true
			} else {
				rest = append(rest, it)
			}
		}
		d.pending = rest
		if !progressed || len(d.pending) == 0 {
			return
		}
	}
}

func (d *Doc) tryIntegrate(it Item) bool {
	if d.find(it.ID) >= 0 {
		// duplicate delivery
		return true
	}
	if !it.Origin.IsZero() && d.find(it.Origin) < 0 {
		return false
	}
	d.integrate(it)
	d.markSeen(it.ID)
	return true
}

// markSeen advances the state vector. Clocks per site are contiguous at the
// source, but items can integrate out of order when anchors from other
// sites lag, so the frontier only moves over gapless prefixes.
func (d *Doc) markSeen(id ID) {
	next := d.vec[id.Site] + 1
	switch {
	case id.Clock < next:
		return
	case id.Clock == next:
		d.vec[id.Site] = id.Clock
		set := d.ahead[id.Site]
		for {
			if _, ok := set[d.vec[id.Site]+1]; !ok {
				break
			}
			d.vec[id.Site]++
			delete(set, d.vec[id.Site])
		}
	default:
		if d.ahead[id.Site] == nil {
			d.ahead[id.Site] = make(map[uint64]struct{})
		}
		d.ahead[id.Site][id.Clock] = struct{}{}
	}
}
