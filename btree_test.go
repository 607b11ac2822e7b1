// btree_test.go - B+Tree ordering and cursor stability tests

package main

import (
	"math/rand"
	"sort"
	"testing"
)

func intTreeDef() *BtreeDef[int] {
	return &BtreeDef[int]{
		Branches: 4,
		Zero:     0,
		Compare: func(a, b int) int {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			}
			return 0
		},
	}
}

func collectKeys(t *testing.T, bt *Btree[int, int]) []int {
	t.Helper()

	var keys []int
	k, _, ok := bt.Select(0, BTREE_FIRST)
	for ok {
		keys = append(keys, k)
		k, _, ok = bt.Select(0, BTREE_NEXT)
	}

	return keys
}

// TestBtreeOrderedTraversal inserts shuffled keys and expects strict
// ascending order on traversal.
func TestBtreeOrderedTraversal(t *testing.T) {
	bt, err := NewBtree[int, int](intTreeDef())
	if err != nil {
		t.Fatalf("NewBtree: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	keys := rng.Perm(500)

	for _, k := range keys {
		if _, err := bt.Put(k+1, (k+1)*10); err != nil {
			t.Fatalf("Put(%d): %v", k+1, err)
		}
	}

	got := collectKeys(t, bt)
	if len(got) != 500 {
		t.Fatalf("traversal returned %d keys", len(got))
	}
	if !sort.IntsAreSorted(got) {
		t.Fatal("traversal not sorted")
	}
	for i := 1; i < len(got); i++ {
		if got[i] == got[i-1] {
			t.Fatalf("duplicate key %d", got[i])
		}
	}
}

// TestBtreePutOverwrite checks updates replace rather than duplicate.
func TestBtreePutOverwrite(t *testing.T) {
	bt, _ := NewBtree[int, int](intTreeDef())

	if existed, _ := bt.Put(7, 70); existed {
		t.Fatal("fresh key reported as existing")
	}
	if existed, _ := bt.Put(7, 71); !existed {
		t.Fatal("overwrite not reported")
	}

	v, ok := bt.Get(7)
	if !ok || v != 71 {
		t.Fatalf("Get(7) = (%d, %v)", v, ok)
	}
}

// TestBtreeDeleteMerge deletes enough keys to force merges and root
// shrinkage, then validates the survivors.
func TestBtreeDeleteMerge(t *testing.T) {
	bt, _ := NewBtree[int, int](intTreeDef())

	for i := 1; i <= 100; i++ {
		bt.Put(i, i)
	}

	for i := 1; i <= 100; i += 2 {
		if !bt.Delete(i) {
			t.Fatalf("Delete(%d) found nothing", i)
		}
	}

	if bt.Delete(1) {
		t.Fatal("double delete succeeded")
	}

	got := collectKeys(t, bt)
	if len(got) != 50 {
		t.Fatalf("%d keys after deletes", len(got))
	}
	for i, k := range got {
		if k != (i+1)*2 {
			t.Fatalf("key %d = %d, expected %d", i, k, (i+1)*2)
		}
	}
}

// TestBtreeCursorStableAcrossPut positions the cursor, inserts other
// keys (forcing splits), and expects the cursor to stay on its key.
func TestBtreeCursorStableAcrossPut(t *testing.T) {
	bt, _ := NewBtree[int, int](intTreeDef())

	for i := 0; i < 20; i++ {
		bt.Put(i*10, i)
	}

	k, _, ok := bt.Select(100, BTREE_EXACT)
	if !ok || k != 100 {
		t.Fatalf("Select(100) = (%d, %v)", k, ok)
	}

	// Insert on both sides of the cursor, enough to split pages.
	for i := 0; i < 20; i++ {
		bt.Put(i*10+5, i)
	}

	k, v, ok := bt.Select(0, BTREE_READ)
	if !ok || k != 100 {
		t.Fatalf("cursor moved: now at (%d, %v)", k, ok)
	}
	if v != 10 {
		t.Fatalf("cursor value %d", v)
	}
}

// TestBtreeCursorStableAcrossDelete deletes keys around the cursor
// and expects it to remain on its record.
func TestBtreeCursorStableAcrossDelete(t *testing.T) {
	bt, _ := NewBtree[int, int](intTreeDef())

	for i := 0; i < 50; i++ {
		bt.Put(i, i*2)
	}

	if k, _, ok := bt.Select(25, BTREE_EXACT); !ok || k != 25 {
		t.Fatal("failed to position cursor")
	}

	for i := 0; i < 50; i++ {
		if i == 25 {
			continue
		}
		bt.Delete(i)
	}

	k, v, ok := bt.Select(0, BTREE_READ)
	if !ok || k != 25 || v != 50 {
		t.Fatalf("cursor at (%d, %d, %v), expected (25, 50)", k, v, ok)
	}
}

// TestBtreeDeleteAtCursor removes the record under the cursor and
// expects the cursor on the next key.
func TestBtreeDeleteAtCursor(t *testing.T) {
	bt, _ := NewBtree[int, int](intTreeDef())

	for i := 0; i < 10; i++ {
		bt.Put(i, i)
	}

	bt.Select(4, BTREE_EXACT)
	if !bt.DeleteAtCursor() {
		t.Fatal("DeleteAtCursor found nothing")
	}

	k, _, ok := bt.Select(0, BTREE_READ)
	if !ok || k != 5 {
		t.Fatalf("cursor at (%d, %v), expected 5", k, ok)
	}

	if _, ok := bt.Get(4); ok {
		t.Fatal("deleted key still present")
	}
}

// TestBtreeSelectLE checks the largest-key-at-most query.
func TestBtreeSelectLE(t *testing.T) {
	bt, _ := NewBtree[int, int](intTreeDef())

	for _, k := range []int{10, 20, 30} {
		bt.Put(k, k)
	}

	k, _, ok := bt.Select(25, BTREE_LE)
	if !ok || k != 20 {
		t.Fatalf("Select(25, LE) = (%d, %v)", k, ok)
	}

	if _, _, ok := bt.Select(25, BTREE_EXACT); ok {
		t.Fatal("EXACT matched a missing key")
	}
}

// TestBtreeOddBranchRejected validates the branching-factor check.
func TestBtreeOddBranchRejected(t *testing.T) {
	def := intTreeDef()
	def.Branches = 5

	if _, err := NewBtree[int, int](def); err == nil {
		t.Fatal("odd branch count accepted")
	}
}

// TestBtreePutAtCursor overwrites the record under the cursor.
func TestBtreePutAtCursor(t *testing.T) {
	bt, _ := NewBtree[int, int](intTreeDef())

	bt.Put(1, 100)
	bt.Select(1, BTREE_EXACT)

	if err := bt.PutAtCursor(999); err != nil {
		t.Fatalf("PutAtCursor: %v", err)
	}

	v, _ := bt.Get(1)
	if v != 999 {
		t.Fatalf("value %d after cursor overwrite", v)
	}

	bt.Select(0, BTREE_CLEAR)
	if err := bt.PutAtCursor(5); err == nil {
		t.Fatal("PutAtCursor on cleared cursor accepted")
	}
}
