// btree.go - Generic B+Tree with a stable cursor
//
// Pages hold up to `branches` ordered keys. Leaves carry values;
// inner pages carry child pointers, with key[i] the lower bound of
// child i. A single cursor per tree tracks the path from the root and
// the slot at each level, and is kept valid across inserts, deletes,
// splits and merges.

package main

import "fmt"

const btreeMaxHeight = 16

// BtreeDef fixes a tree's shape: branching factor (even, >= 2), the
// zero key used as the root's lower bound, and the ordering.
type BtreeDef[K any] struct {
	Branches int
	Zero     K
	Compare  func(a, b K) int
}

type btreePage[K any, V any] struct {
	height      int
	numChildren int

	keys     []K
	data     []V               // leaf pages only
	children []*btreePage[K, V] // inner pages only
}

// Btree is the tree handle. The zero cursor state is "cleared".
type Btree[K any, V any] struct {
	def  *BtreeDef[K]
	root *btreePage[K, V]

	path [btreeMaxHeight]*btreePage[K, V]
	slot [btreeMaxHeight]int
}

// BtreeSelMode is a cursor movement command.
type BtreeSelMode int

const (
	BTREE_EXACT BtreeSelMode = iota // find the exact item
	BTREE_LE                        // find the largest item <= the key
	BTREE_NEXT                      // find the next item after the cursor
	BTREE_FIRST                     // find the first item in the tree
	BTREE_CLEAR                     // clear the cursor
	BTREE_READ                      // fetch the current record without moving
)

// NewBtree instantiates a tree. The definition must remain valid for
// the tree's lifetime.
func NewBtree[K any, V any](def *BtreeDef[K]) (*Btree[K, V], error) {
	if def.Branches < 2 || def.Branches&1 != 0 {
		return nil, fmt.Errorf("btree: invalid branch count: %d",
			def.Branches)
	}

	bt := &Btree[K, V]{def: def}
	bt.slot[0] = -1
	bt.root = bt.allocatePage(0)

	return bt, nil
}

func (bt *Btree[K, V]) allocatePage(height int) *btreePage[K, V] {
	p := &btreePage[K, V]{
		height: height,
		keys:   make([]K, bt.def.Branches),
	}

	if height > 0 {
		p.children = make([]*btreePage[K, V], bt.def.Branches)
	} else {
		p.data = make([]V, bt.def.Branches)
	}

	return p
}

// Clear removes all records. The cursor points at nothing afterwards.
func (bt *Btree[K, V]) Clear() {
	bt.slot[0] = -1
	bt.root = bt.allocatePage(0)
}

func (bt *Btree[K, V]) splitPage(op, np *btreePage[K, V]) {
	halfsize := bt.def.Branches / 2

	copy(np.keys, op.keys[halfsize:])
	if op.height > 0 {
		copy(np.children, op.children[halfsize:])
		for i := halfsize; i < bt.def.Branches; i++ {
			op.children[i] = nil
		}
	} else {
		copy(np.data, op.data[halfsize:])
	}

	op.numChildren = halfsize
	np.numChildren = halfsize

	// Fix up the cursor if we split an active page.
	if bt.slot[0] >= 0 && bt.path[op.height] == op &&
		bt.slot[op.height] >= op.numChildren {
		bt.slot[op.height] -= op.numChildren
		bt.path[op.height] = np
	}
}

// insertData places a leaf record at slot s. atCursor marks an insert
// that re-homes the cursor's own record (as in a borrow).
func (bt *Btree[K, V]) insertData(p *btreePage[K, V], s int,
	key K, data V, atCursor bool) {
	r := p.numChildren - s

	copy(p.keys[s+1:], p.keys[s:s+r])
	copy(p.data[s+1:], p.data[s:s+r])

	p.keys[s] = key
	p.data[s] = data
	p.numChildren++

	if bt.slot[0] >= 0 {
		if atCursor {
			bt.path[0] = p
			bt.slot[0] = s
		} else if bt.path[0] == p && s <= bt.slot[0] {
			bt.slot[0]++
		}
	}
}

// insertPtr places a child pointer at slot s of an inner page.
func (bt *Btree[K, V]) insertPtr(p *btreePage[K, V], s int,
	key K, ptr *btreePage[K, V]) {
	r := p.numChildren - s

	copy(p.keys[s+1:], p.keys[s:s+r])
	copy(p.children[s+1:], p.children[s:s+r])

	p.keys[s] = key
	p.children[s] = ptr
	p.numChildren++

	// Fix up the cursor if we inserted before it, or if we just
	// inserted the pointer for the active path (as in a split or
	// borrow).
	if bt.slot[0] >= 0 {
		if ptr == bt.path[p.height-1] {
			bt.path[p.height] = p
			bt.slot[p.height] = s
		} else if bt.path[p.height] == p && s <= bt.slot[p.height] {
			bt.slot[p.height]++
		}
	}
}

func (bt *Btree[K, V]) deleteItem(p *btreePage[K, V], s int) {
	r := p.numChildren - s - 1

	copy(p.keys[s:], p.keys[s+1:s+1+r])
	if p.height > 0 {
		copy(p.children[s:], p.children[s+1:s+1+r])
		p.children[p.numChildren-1] = nil
	} else {
		copy(p.data[s:], p.data[s+1:s+1+r])
	}

	p.numChildren--

	// Fix up the cursor if we deleted before it.
	if bt.slot[0] >= 0 && bt.path[p.height] == p &&
		s <= bt.slot[p.height] {
		bt.slot[p.height]--
	}
}

func (bt *Btree[K, V]) moveItem(from *btreePage[K, V], fromPos int,
	to *btreePage[K, V], toPos int) {
	if from.height > 0 {
		bt.insertPtr(to, toPos, from.keys[fromPos], from.children[fromPos])
	} else {
		atCursor := bt.slot[0] >= 0 &&
			bt.path[0] == from && bt.slot[0] == fromPos
		bt.insertData(to, toPos, from.keys[fromPos], from.data[fromPos],
			atCursor)
	}

	bt.deleteItem(from, fromPos)
}

func (bt *Btree[K, V]) mergePages(lower, higher *btreePage[K, V]) {
	copy(lower.keys[lower.numChildren:], higher.keys[:higher.numChildren])
	if lower.height > 0 {
		copy(lower.children[lower.numChildren:],
			higher.children[:higher.numChildren])
	} else {
		copy(lower.data[lower.numChildren:],
			higher.data[:higher.numChildren])
	}

	lower.numChildren += higher.numChildren

	// Fix up the cursor if we subsumed an active page.
	if bt.slot[0] >= 0 && bt.path[higher.height] == higher {
		bt.path[higher.height] = lower
		bt.slot[higher.height] += lower.numChildren - higher.numChildren
	}
}

func (bt *Btree[K, V]) findKeyLE(p *btreePage[K, V], key K) int {
	for i := 0; i < p.numChildren; i++ {
		if bt.def.Compare(key, p.keys[i]) < 0 {
			return i - 1
		}
	}

	return p.numChildren - 1
}

// tracePath descends to the leaf slot for key, recording the path.
// Returns true if the exact key was found.
func (bt *Btree[K, V]) tracePath(key K, path []*btreePage[K, V],
	slot []int) bool {
	p := bt.root

	for h := p.height; h >= 0; h-- {
		s := bt.findKeyLE(p, key)

		path[h] = p
		slot[h] = s

		if h > 0 {
			p = p.children[s]
		} else if s >= 0 && bt.def.Compare(key, p.keys[s]) == 0 {
			return true
		}
	}

	return false
}

func (bt *Btree[K, V]) cursorFirst() {
	p := bt.root

	if bt.root.numChildren == 0 {
		bt.slot[0] = -1
		return
	}

	for h := bt.root.height; h >= 0; h-- {
		bt.path[h] = p
		bt.slot[h] = 0

		if h > 0 {
			p = p.children[0]
		}
	}
}

func (bt *Btree[K, V]) cursorNext() {
	if bt.slot[0] < 0 {
		return
	}

	// Ascend until we find a suitable sibling.
	for h := 0; h <= bt.root.height; h++ {
		p := bt.path[h]

		if bt.slot[h]+1 < p.numChildren {
			bt.slot[h]++

			for h > 0 {
				p = p.children[bt.slot[h]]
				h--
				bt.slot[h] = 0
				bt.path[h] = p
			}

			return
		}
	}

	// Exhausted all levels.
	bt.slot[0] = -1
}

// Put adds or replaces a record. Returns true if the key already
// existed.
func (bt *Btree[K, V]) Put(key K, data V) (bool, error) {
	var pathNew [btreeMaxHeight]*btreePage[K, V]
	var pathOld [btreeMaxHeight]*btreePage[K, V]
	var slotOld [btreeMaxHeight]int

	// Find the path down to the page which should contain the new
	// datum (though it might be too full to hold it).
	if bt.tracePath(key, pathOld[:], slotOld[:]) {
		pathOld[0].data[slotOld[0]] = data
		return true, nil
	}

	// Trace from the leaf up, allocating new pages at every level
	// that will have to split.
	var h int
	for h = 0; h <= bt.root.height; h++ {
		if pathOld[h].numChildren < bt.def.Branches {
			break
		}

		pathNew[h] = bt.allocatePage(h)
	}

	var newRoot *btreePage[K, V]
	if h > bt.root.height {
		if h >= btreeMaxHeight {
			return false, fmt.Errorf("btree: maximum height exceeded")
		}

		newRoot = bt.allocatePage(h)
	}

	// At each page that splits, move the top half of the keys to
	// the new page, and insert a key at every level from the leaf
	// to the page above the top of the split.
	for h = 0; h <= bt.root.height; h++ {
		s := slotOld[h] + 1
		p := pathOld[h]

		if pathNew[h] != nil {
			bt.splitPage(pathOld[h], pathNew[h])

			if s > p.numChildren {
				s -= p.numChildren
				p = pathNew[h]
			}
		}

		if h > 0 {
			bt.insertPtr(p, s, pathNew[h-1].keys[0], pathNew[h-1])
		} else {
			bt.insertData(p, s, key, data, false)
		}

		if pathNew[h] == nil {
			return false, nil
		}
	}

	// The split reached the top of the tree; grow it.
	if bt.slot[0] >= 0 {
		if bt.path[bt.root.height] == pathNew[bt.root.height] {
			bt.slot[newRoot.height] = 1
		} else {
			bt.slot[newRoot.height] = 0
		}
		bt.path[newRoot.height] = newRoot
	}

	newRoot.keys[0] = bt.def.Zero
	newRoot.children[0] = pathOld[h-1]
	newRoot.keys[1] = pathNew[h-1].keys[0]
	newRoot.children[1] = pathNew[h-1]
	newRoot.numChildren = 2
	bt.root = newRoot

	return false, nil
}

// PutAtCursor overwrites the value of the record under the cursor.
func (bt *Btree[K, V]) PutAtCursor(data V) error {
	if bt.slot[0] < 0 {
		return fmt.Errorf("btree: put at invalid cursor")
	}

	bt.path[0].data[bt.slot[0]] = data
	return nil
}

// Delete removes a record. Returns false if the key didn't exist.
func (bt *Btree[K, V]) Delete(key K) bool {
	var path [btreeMaxHeight]*btreePage[K, V]
	var slot [btreeMaxHeight]int

	if !bt.tracePath(key, path[:], slot[:]) {
		return false
	}

	bt.deleteAt(path[:], slot[:])
	return true
}

// DeleteAtCursor removes the record under the cursor and advances the
// cursor to the next record.
func (bt *Btree[K, V]) DeleteAtCursor() bool {
	if bt.slot[0] < 0 {
		return false
	}

	var path [btreeMaxHeight]*btreePage[K, V]
	var slot [btreeMaxHeight]int

	copy(path[:], bt.path[:])
	copy(slot[:], bt.slot[:])

	bt.deleteAt(path[:], slot[:])
	return true
}

func (bt *Btree[K, V]) deleteAt(path []*btreePage[K, V], slot []int) {
	def := bt.def
	halfsize := def.Branches / 2

	// Move the cursor along if we're deleting at it.
	if bt.slot[0] == slot[0] && bt.path[0] == path[0] {
		bt.cursorNext()
	}

	// Delete from the leaf. If it stays full enough, we're done.
	bt.deleteItem(path[0], slot[0])
	if path[0].numChildren >= halfsize {
		return
	}

	// Walk back up, fixing underfull pages by borrowing where a
	// sibling can spare a record, merging otherwise.
	for h := 1; h <= bt.root.height; h++ {
		p := path[h]
		c := path[h-1]
		s := slot[h]

		if s > 0 {
			// Borrow from or merge with the lower sibling.
			d := p.children[s-1]

			if d.numChildren > halfsize {
				bt.moveItem(d, d.numChildren-1, c, 0)
				p.keys[s] = c.keys[0]
				return
			}

			bt.mergePages(d, c)
			bt.deleteItem(p, s)
		} else {
			// Borrow from or merge with the higher sibling.
			d := p.children[s+1]

			if d.numChildren > halfsize {
				bt.moveItem(d, 0, c, c.numChildren)
				p.keys[s+1] = d.keys[0]
				return
			}

			bt.mergePages(c, d)
			bt.deleteItem(p, s+1)
		}

		if p.numChildren >= halfsize {
			return
		}
	}

	// Shrink the tree if the root is down to a single child. This
	// does not affect the cursor.
	if bt.root.height > 0 && bt.root.numChildren == 1 {
		bt.root = bt.root.children[0]
	}
}

// Get retrieves a record without moving the cursor. Returns false if
// the key doesn't exist.
func (bt *Btree[K, V]) Get(key K) (V, bool) {
	var zero V
	p := bt.root

	for h := bt.root.height; h >= 0; h-- {
		s := bt.findKeyLE(p, key)

		if h > 0 {
			p = p.children[s]
		} else if s >= 0 && bt.def.Compare(key, p.keys[s]) == 0 {
			return p.data[s], true
		}
	}

	return zero, false
}

// Select moves the cursor and returns the record under it. Returns
// false if no record is selected after the move.
func (bt *Btree[K, V]) Select(key K, mode BtreeSelMode) (K, V, bool) {
	var zeroK K
	var zeroV V

	switch mode {
	case BTREE_CLEAR:
		bt.slot[0] = -1

	case BTREE_READ:

	case BTREE_EXACT, BTREE_LE:
		if !bt.tracePath(key, bt.path[:], bt.slot[:]) &&
			mode == BTREE_EXACT {
			bt.slot[0] = -1
		}

	case BTREE_FIRST:
		bt.cursorFirst()

	case BTREE_NEXT:
		bt.cursorNext()
	}

	if bt.slot[0] >= 0 {
		return bt.path[0].keys[bt.slot[0]],
			bt.path[0].data[bt.slot[0]], true
	}

	return zeroK, zeroV, false
}
