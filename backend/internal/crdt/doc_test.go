package crdt

import (
	"math/rand"
	"testing"
)

func TestDoc_LocalInsert(t *testing.T) {
	d := NewDoc(1)
	d.LocalInsert(0, "H")
	d.LocalInsert(1, "i")
	if got := d.Text(); got != "Hi" {
		t.Fatalf("Text() = %q, want %q", got, "Hi")
	}
	if got := d.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}

func TestDoc_FreshReplicaCatchesUp(t *testing.T) {
	a := NewDoc(1)
	a.LocalInsert(0, "H")
	a.LocalInsert(1, "i")

	b := NewDoc(2)
	if err := b.ApplyRemote(a.DiffSince(b.StateVector())); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	if got, want := b.Text(), a.Text(); got != want {
		t.Fatalf("b.Text() = %q, want %q", got, want)
	}
}

func TestDoc_ConcurrentInsertSameAnchor(t *testing.T) {
	a := NewDoc(1)
	a.LocalInsert(0, "ab")
	b := NewDoc(2)
	if err := b.ApplyRemote(a.Snapshot()); err != nil {
		t.Fatalf("seed b: %v", err)
	}

	// both insert after "a" without seeing each other first
	da := a.LocalInsert(1, "X")
	db := b.LocalInsert(1, "Y")

	if err := a.ApplyRemote(db); err != nil {
		t.Fatalf("a.ApplyRemote() error = %v", err)
	}
	if err := b.ApplyRemote(da); err != nil {
		t.Fatalf("b.ApplyRemote() error = %v", err)
	}

	if a.Text() != b.Text() {
		t.Fatalf("replicas diverged: a=%q b=%q", a.Text(), b.Text())
	}

	// merge order must not matter: replay both diffs onto fresh replicas in
	// opposite orders
	c1, c2 := NewDoc(3), NewDoc(4)
	if err := c1.ApplyRemote(a.Snapshot()); err != nil {
		t.Fatalf("c1 apply: %v", err)
	}
	if err := c2.ApplyRemote(db); err != nil {
		t.Fatalf("c2 apply: %v", err)
	}
	if err := c2.ApplyRemote(da); err != nil {
		t.Fatalf("c2 apply: %v", err)
	}
	if err := c2.ApplyRemote(a.Snapshot()); err != nil {
		t.Fatalf("c2 apply: %v", err)
	}
	if c1.Text() != c2.Text() || c1.Text() != a.Text() {
		t.Fatalf("merge order changed result: c1=%q c2=%q a=%q", c1.Text(), c2.Text(), a.Text())
	}
}

func TestDoc_DuplicateDeliveryIsIdempotent(t *testing.T) {
	a := NewDoc(1)
	d1 := a.LocalInsert(0, "dup")
	d2 := a.LocalDelete(0, 1)

	b := NewDoc(2)
	for i := 0; i < 3; i++ {
		if err := b.ApplyRemote(d1); err != nil {
			t.Fatalf("apply insert #%d: %v", i, err)
		}
		if err := b.ApplyRemote(d2); err != nil {
			t.Fatalf("apply delete #%d: %v", i, err)
		}
	}
	if got, want := b.Text(), a.Text(); got != want {
		t.Fatalf("b.Text() = %q, want %q", got, want)
	}
}

func TestDoc_OutOfOrderDelivery(t *testing.T) {
	a := NewDoc(1)
	diff := a.LocalInsert(0, "abc")

	// deliver the chained items child-first: they must park and then all
	// integrate once the anchor shows up
	b := NewDoc(2)
	for i := len(diff.Items) - 1; i >= 0; i-- {
		if err := b.ApplyRemote(Diff{Items: []Item{diff.Items[i]}}); err != nil {
			t.Fatalf("apply item %d: %v", i, err)
		}
	}
	if got := b.Text(); got != "abc" {
		t.Fatalf("b.Text() = %q, want %q", got, "abc")
	}
}

func TestDoc_DeleteTombstoneIsNoop(t *testing.T) {
	a := NewDoc(1)
	a.LocalInsert(0, "xy")
	del := a.LocalDelete(0, 1)
	if got := a.Text(); got != "y" {
		t.Fatalf("Text() after delete = %q, want %q", got, "y")
	}
	// re-delivering the delete, and deleting the tombstone again, change
	// nothing and never error
	if err := a.ApplyRemote(del); err != nil {
		t.Fatalf("re-apply delete: %v", err)
	}
	if err := a.ApplyRemote(Diff{Deletes: append([]ID(nil), del.Deletes...)}); err != nil {
		t.Fatalf("delete tombstone: %v", err)
	}
	if got := a.Text(); got != "y" {
		t.Fatalf("Text() = %q, want %q", got, "y")
	}
}

func TestDoc_DeleteForUndeliveredItem(t *testing.T) {
	a := NewDoc(1)
	ins := a.LocalInsert(0, "z")
	del := a.LocalDelete(0, 1)

	b := NewDoc(2)
	if err := b.ApplyRemote(del); err != nil {
		t.Fatalf("apply delete first: %v", err)
	}
	if err := b.ApplyRemote(ins); err != nil {
		t.Fatalf("apply insert second: %v", err)
	}
	if got := b.Text(); got != "" {
		t.Fatalf("b.Text() = %q, want empty", got)
	}
}

func TestDoc_AnyInterleavingConverges(t *testing.T) {
	// three sites edit concurrently; every delivery order (with duplicates
	// sprinkled in) must converge to the same content
	a, b, c := NewDoc(1), NewDoc(2), NewDoc(3)
	var diffs []Diff
	diffs = append(diffs, a.LocalInsert(0, "hello"))
	diffs = append(diffs, b.LocalInsert(0, "world"))
	diffs = append(diffs, a.LocalDelete(0, 2))
	diffs = append(diffs, c.LocalInsert(0, "!"))

	apply := func(d *Doc, order []int) string {
		for _, i := range order {
			if err := d.ApplyRemote(diffs[i]); err != nil {
				t.Fatalf("apply diff %d: %v", i, err)
			}
		}
		// duplicate a couple of deliveries
		for _, i := range []int{order[0], order[len(order)-1]} {
			if err := d.ApplyRemote(diffs[i]); err != nil {
				t.Fatalf("re-apply diff %d: %v", i, err)
			}
		}
		return d.Text()
	}

	rng := rand.New(rand.NewSource(42))
	want := apply(NewDoc(10), []int{0, 1, 2, 3})
	for trial := 0; trial < 20; trial++ {
		order := rng.Perm(len(diffs))
		if got := apply(NewDoc(uint64(11+trial)), order); got != want {
			t.Fatalf("order %v converged to %q, want %q", order, got, want)
		}
	}
}

func TestDoc_SnapshotSeedsFreshReplica(t *testing.T) {
	a := NewDoc(1)
	a.LocalInsert(0, "snapshot")
	a.LocalDelete(0, 4)

	b := NewDoc(2)
	if err := b.ApplyRemote(a.Snapshot()); err != nil {
		t.Fatalf("ApplyRemote(snapshot) error = %v", err)
	}
	if got, want := b.Text(), a.Text(); got != want {
		t.Fatalf("b.Text() = %q, want %q", got, want)
	}
	// tombstones survive the snapshot
	if got, want := len(b.Snapshot().Deletes), len(a.Snapshot().Deletes); got != want {
		t.Fatalf("tombstone count = %d, want %d", got, want)
	}
}

func TestDoc_RejectsStructurallyInvalidDiff(t *testing.T) {
	d := NewDoc(1)
	bad := Diff{Items: []Item{{ID: ID{Site: 0, Clock: 0}, Value: 'x'}}}
	if err := d.ApplyRemote(bad); err == nil {
		t.Fatal("ApplyRemote() accepted a zero id")
	}
	selfRef := Diff{Items: []Item{{ID: ID{Site: 1, Clock: 1}, Origin: ID{Site: 1, Clock: 1}, Value: 'x'}}}
	if err := d.ApplyRemote(selfRef); err == nil {
		t.Fatal("ApplyRemote() accepted a self-referencing anchor")
	}
	// half-zero anchors can never resolve; they must not park forever
	halfZero := Diff{Items: []Item{{ID: ID{Site: 1, Clock: 1}, Origin: ID{Site: 5, Clock: 0}, Value: 'x'}}}
	if err := d.ApplyRemote(halfZero); err == nil {
		t.Fatal("ApplyRemote() accepted a half-zero anchor")
	}
	if got := d.Text(); got != "" {
		t.Fatalf("rejected diff mutated the document: %q", got)
	}
}

func TestStateVector_DiffSinceIsMinimal(t *testing.T) {
	a := NewDoc(1)
	a.LocalInsert(0, "one")
	sv := a.StateVector()
	a.LocalInsert(3, "two")

	diff := a.DiffSince(sv)
	if got := len(diff.Items); got != 3 {
		t.Fatalf("DiffSince returned %d items, want 3", got)
	}
	for _, it := range diff.Items {
		if it.ID.Clock <= sv[it.ID.Site] {
			t.Fatalf("DiffSince returned already-seen item %+v", it.ID)
		}
	}
}
