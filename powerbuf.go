// powerbuf.go - Power profiling sample buffer
//
// Power data is recorded as discontiguous sessions, each a run of
// evenly spaced current samples with the MAB value latched at each
// sample. Sessions and samples live in circular buffers; a lazily
// built index sorted by MAB serves per-address charge queries.

package main

import "time"

const (
	POWERBUF_MAX_SESSIONS    = 8
	POWERBUF_DEFAULT_SAMPLES = 131072
)

// PowerSession is one profiling run.
type PowerSession struct {
	WallClock time.Time

	// Index of the session's first sample in the sample buffer.
	StartIndex int

	// Integral of current consumed over this session.
	TotalUA uint64
}

// PowerBuf holds the sample and session rings.
type PowerBuf struct {
	intervalUS int
	maxSamples int

	sessions    [POWERBUF_MAX_SESSIONS]PowerSession
	sessionHead int
	sessionTail int

	currentUA   []uint32
	mab         []Address
	currentHead int
	currentTail int

	sortValid bool
	sorted    []int
}

// NewPowerBuf allocates a buffer for a fixed number of samples at the
// given sampling interval.
func NewPowerBuf(maxSamples, intervalUS int) *PowerBuf {
	if maxSamples <= 0 {
		return nil
	}

	return &PowerBuf{
		intervalUS: intervalUS,
		maxSamples: maxSamples,
		currentUA:  make([]uint32, maxSamples),
		mab:        make([]Address, maxSamples),
		sorted:     make([]int, maxSamples),
	}
}

func (pb *PowerBuf) IntervalUS() int { return pb.intervalUS }

// Clear drops all sessions and samples.
func (pb *PowerBuf) Clear() {
	pb.sessionHead = 0
	pb.sessionTail = 0
	pb.currentHead = 0
	pb.currentTail = 0
	pb.sortValid = false
}

// sessionLength computes the live sample count of the session at idx.
func (pb *PowerBuf) sessionLength(idx int) int {
	nextIdx := (idx + 1) % POWERBUF_MAX_SESSIONS
	endIndex := pb.currentHead

	// If a session follows this one, its start index bounds this
	// session; otherwise the buffer head does.
	if nextIdx != pb.sessionHead {
		endIndex = pb.sessions[nextIdx].StartIndex
	}

	return (endIndex + pb.maxSamples - pb.sessions[idx].StartIndex) %
		pb.maxSamples
}

func (pb *PowerBuf) popOldestSession() {
	length := pb.sessionLength(pb.sessionTail)

	pb.currentTail = (pb.currentTail + length) % pb.maxSamples
	pb.sessionTail = (pb.sessionTail + 1) % POWERBUF_MAX_SESSIONS
}

// BeginSession starts a new profiling run. An empty previous session
// is replaced; a full session ring drops its oldest entry.
func (pb *PowerBuf) BeginSession(when time.Time) {
	pb.EndSession()

	nextHead := (pb.sessionHead + 1) % POWERBUF_MAX_SESSIONS
	if nextHead == pb.sessionTail {
		pb.popOldestSession()
	}

	s := &pb.sessions[pb.sessionHead]
	s.WallClock = when
	s.StartIndex = pb.currentHead
	s.TotalUA = 0

	pb.sessionHead = nextHead
}

// revIndex returns the ring index of the nth most recent session.
func (pb *PowerBuf) revIndex(n int) int {
	return (pb.sessionHead + POWERBUF_MAX_SESSIONS - 1 - n) %
		POWERBUF_MAX_SESSIONS
}

// EndSession discards the current session if no samples were added
// since it began.
func (pb *PowerBuf) EndSession() {
	lastIdx := pb.revIndex(0)

	if pb.sessionHead == pb.sessionTail {
		return
	}

	if pb.sessions[lastIdx].StartIndex == pb.currentHead {
		pb.sessionHead = lastIdx
	}
}

// NumSessions counts stored sessions, newest first for SessionInfo.
func (pb *PowerBuf) NumSessions() int {
	return (pb.sessionHead + POWERBUF_MAX_SESSIONS - pb.sessionTail) %
		POWERBUF_MAX_SESSIONS
}

// SessionInfo returns the nth most recent session and its live sample
// count.
func (pb *PowerBuf) SessionInfo(revIdx int) (*PowerSession, int) {
	idx := pb.revIndex(revIdx)
	return &pb.sessions[idx], pb.sessionLength(idx)
}

// ensureRoom evicts whole old sessions, then leading samples of the
// oldest session, until the required number of slots is free.
func (pb *PowerBuf) ensureRoom(required int) {
	room := (pb.currentTail + pb.maxSamples - pb.currentHead - 1) %
		pb.maxSamples

	for room < required && pb.NumSessions() > 1 {
		length := pb.sessionLength(pb.sessionTail)

		if room+length > required {
			break
		}

		pb.popOldestSession()
		room += length
	}

	// Any remaining shortfall is covered by trimming the front of
	// the oldest session, un-integrating the trimmed samples.
	for room < required {
		old := &pb.sessions[pb.sessionTail]
		contLen := pb.maxSamples - old.StartIndex

		if contLen+room > required {
			contLen = required - room
		}

		for i := 0; i < contLen; i++ {
			old.TotalUA -= uint64(pb.currentUA[old.StartIndex+i])
		}

		old.StartIndex = (old.StartIndex + contLen) % pb.maxSamples
		pb.currentTail = (pb.currentTail + contLen) % pb.maxSamples

		room += contLen
	}
}

// AddSamples pushes one burst of samples into the current session.
// currentUA and mab run in lockstep. A burst larger than the buffer
// keeps only its newest maxSamples-1 entries.
func (pb *PowerBuf) AddSamples(currentUA []uint32, mab []Address) {
	if pb.sessionHead == pb.sessionTail {
		return
	}

	count := len(currentUA)
	if count > pb.maxSamples-1 {
		drop := count - (pb.maxSamples - 1)
		currentUA = currentUA[drop:]
		mab = mab[drop:]
		count = pb.maxSamples - 1
	}

	pb.ensureRoom(count)

	cur := &pb.sessions[pb.revIndex(0)]
	for _, ua := range currentUA {
		cur.TotalUA += uint64(ua)
	}

	for count > 0 {
		contLen := pb.maxSamples - pb.currentHead
		if contLen > count {
			contLen = count
		}

		copy(pb.currentUA[pb.currentHead:], currentUA[:contLen])
		copy(pb.mab[pb.currentHead:], mab[:contLen])
		pb.currentHead = (pb.currentHead + contLen) % pb.maxSamples

		currentUA = currentUA[contLen:]
		mab = mab[contLen:]
		count -= contLen
	}

	pb.sortValid = false
}

// LastMAB returns the MAB of the most recent sample, or 0 if the
// current session is empty.
func (pb *PowerBuf) LastMAB() Address {
	s := &pb.sessions[pb.revIndex(0)]
	last := (pb.currentHead + pb.maxSamples - 1) % pb.maxSamples

	if s.StartIndex == pb.currentHead {
		return 0
	}

	return pb.mab[last]
}

func (pb *PowerBuf) numSamples() int {
	return (pb.currentHead + pb.maxSamples - pb.currentTail) %
		pb.maxSamples
}

func (pb *PowerBuf) siftDown(start, end int) {
	root := start

	for root*2+1 <= end {
		leftChild := root*2 + 1
		biggest := root

		if pb.mab[pb.sorted[biggest]] < pb.mab[pb.sorted[leftChild]] {
			biggest = leftChild
		}
		if leftChild+1 <= end &&
			pb.mab[pb.sorted[biggest]] < pb.mab[pb.sorted[leftChild+1]] {
			biggest = leftChild + 1
		}

		if biggest == root {
			break
		}

		pb.sorted[biggest], pb.sorted[root] =
			pb.sorted[root], pb.sorted[biggest]
		root = biggest
	}
}

// Sort rebuilds the MAB index with an in-place heap sort over an
// index array. No-op while the index is still valid.
func (pb *PowerBuf) Sort() {
	numSamples := pb.numSamples()

	if pb.sortValid {
		return
	}

	for i := 0; i < numSamples; i++ {
		pb.sorted[i] = (pb.currentTail + i) % pb.maxSamples
	}

	if numSamples < 2 {
		pb.sortValid = true
		return
	}

	// Heapify.
	for start := (numSamples - 2) / 2; start >= 0; start-- {
		pb.siftDown(start, numSamples-1)
	}

	// Extract.
	for end := numSamples - 1; end > 0; {
		pb.sorted[0], pb.sorted[end] = pb.sorted[end], pb.sorted[0]
		end--
		pb.siftDown(0, end)
	}

	pb.sortValid = true
}

// findMABGE locates the first sorted-index position whose MAB is >=
// the given value, or -1.
func (pb *PowerBuf) findMABGE(mab Address) int {
	numSamples := pb.numSamples()
	low := 0
	high := numSamples - 1

	for low <= high {
		mid := (low + high) / 2

		if pb.mab[pb.sorted[mid]] < mab {
			low = mid + 1
		} else if mid <= 0 || pb.mab[pb.sorted[mid-1]] < mab {
			return mid
		} else {
			high = mid - 1
		}
	}

	return -1
}

// GetByMAB accumulates charge data for one address over all stored
// sessions, rebuilding the sorted index if needed. Returns the number
// of samples found and their summed current.
func (pb *PowerBuf) GetByMAB(mab Address) (int, uint64) {
	numSamples := pb.numSamples()

	if !pb.sortValid {
		pb.Sort()
	}

	i := pb.findMABGE(mab)
	if i < 0 {
		return 0, 0
	}

	count := 0
	var sumUA uint64

	for i < numSamples && pb.mab[pb.sorted[i]] == mab {
		sumUA += uint64(pb.currentUA[pb.sorted[i]])
		count++
		i++
	}

	return count, sumUA
}
