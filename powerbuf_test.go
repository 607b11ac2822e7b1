// powerbuf_test.go - Power profiling buffer tests

package main

import (
	"testing"
	"time"
)

// TestPowerBufSessionScenario is the canonical profiling round: one
// session, four samples over two addresses.
func TestPowerBufSessionScenario(t *testing.T) {
	pb := NewPowerBuf(1024, 100)

	pb.BeginSession(time.Unix(1000000, 0))
	pb.AddSamples(
		[]uint32{100, 200, 100, 200},
		[]Address{0x4000, 0x4002, 0x4000, 0x4002})
	pb.EndSession()

	count, sum := pb.GetByMAB(0x4000)
	if count != 2 || sum != 200 {
		t.Fatalf("GetByMAB(0x4000) = (%d, %d), expected (2, 200)",
			count, sum)
	}

	count, sum = pb.GetByMAB(0x4002)
	if count != 2 || sum != 400 {
		t.Fatalf("GetByMAB(0x4002) = (%d, %d), expected (2, 400)",
			count, sum)
	}

	s, length := pb.SessionInfo(0)
	if s.TotalUA != 600 {
		t.Fatalf("total_uA %d, expected 600", s.TotalUA)
	}
	if length != 4 {
		t.Fatalf("session length %d, expected 4", length)
	}
	if s.WallClock.Unix() != 1000000 {
		t.Fatalf("wall clock %d", s.WallClock.Unix())
	}
}

// TestPowerBufEmptySessionReplaced checks that beginning a session
// while the previous one is still empty replaces it.
func TestPowerBufEmptySessionReplaced(t *testing.T) {
	pb := NewPowerBuf(64, 100)

	pb.BeginSession(time.Unix(1, 0))
	pb.BeginSession(time.Unix(2, 0))

	if n := pb.NumSessions(); n != 1 {
		t.Fatalf("%d sessions, expected 1", n)
	}

	s, _ := pb.SessionInfo(0)
	if s.WallClock.Unix() != 2 {
		t.Fatalf("surviving session started at %d", s.WallClock.Unix())
	}
}

// TestPowerBufLastMAB checks the most-recent-MAB query, including the
// empty-session case.
func TestPowerBufLastMAB(t *testing.T) {
	pb := NewPowerBuf(64, 100)

	pb.BeginSession(time.Unix(1, 0))
	if mab := pb.LastMAB(); mab != 0 {
		t.Fatalf("empty session LastMAB = 0x%x", mab)
	}

	pb.AddSamples([]uint32{10, 20}, []Address{0x8000, 0x8002})
	if mab := pb.LastMAB(); mab != 0x8002 {
		t.Fatalf("LastMAB = 0x%x, expected 0x8002", mab)
	}
}

// TestPowerBufInvariantTotals verifies that the summed session totals
// always equal the sum of live samples, across evictions.
func TestPowerBufInvariantTotals(t *testing.T) {
	pb := NewPowerBuf(32, 100)

	for round := 0; round < 6; round++ {
		pb.BeginSession(time.Unix(int64(round), 0))

		var current []uint32
		var mabs []Address
		for i := 0; i < 10; i++ {
			current = append(current, uint32(round*100+i))
			mabs = append(mabs, Address(0x4000+i*2))
		}
		pb.AddSamples(current, mabs)
	}
	pb.EndSession()

	var sessionTotal uint64
	var sampleCount int
	for i := 0; i < pb.NumSessions(); i++ {
		s, length := pb.SessionInfo(i)
		sessionTotal += s.TotalUA
		sampleCount += length
	}

	var sampleTotal uint64
	for i := 0; i < sampleCount; i++ {
		idx := (pb.currentTail + i) % pb.maxSamples
		sampleTotal += uint64(pb.currentUA[idx])
	}

	if sessionTotal != sampleTotal {
		t.Fatalf("session totals %d != live sample sum %d",
			sessionTotal, sampleTotal)
	}
}

// TestPowerBufPartialEviction pushes enough samples that the oldest
// session is trimmed rather than dropped, and checks its total is
// decremented accordingly.
func TestPowerBufPartialEviction(t *testing.T) {
	pb := NewPowerBuf(16, 100)

	pb.BeginSession(time.Unix(1, 0))
	first := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	mabs := make([]Address, len(first))
	for i := range mabs {
		mabs[i] = Address(0x4000 + i*2)
	}
	pb.AddSamples(first, mabs)

	s, _ := pb.SessionInfo(0)
	if s.TotalUA != 55 {
		t.Fatalf("first session total %d", s.TotalUA)
	}

	pb.BeginSession(time.Unix(2, 0))
	second := []uint32{100, 100, 100, 100, 100, 100, 100, 100}
	mabs2 := make([]Address, len(second))
	for i := range mabs2 {
		mabs2[i] = Address(0x6000 + i*2)
	}
	pb.AddSamples(second, mabs2)

	// Both sessions must still be present: the first was trimmed,
	// not evicted.
	if n := pb.NumSessions(); n != 2 {
		t.Fatalf("%d sessions, expected 2", n)
	}

	old, oldLen := pb.SessionInfo(1)
	if oldLen >= len(first) {
		t.Fatalf("old session not trimmed: %d samples", oldLen)
	}

	// The trimmed total must equal the sum of its surviving
	// samples.
	var want uint64
	for _, v := range first[len(first)-oldLen:] {
		want += uint64(v)
	}
	if old.TotalUA != want {
		t.Fatalf("trimmed total %d, expected %d", old.TotalUA, want)
	}
}

// TestPowerBufSortAfterMutation checks the MAB index is rebuilt after
// new samples arrive.
func TestPowerBufSortAfterMutation(t *testing.T) {
	pb := NewPowerBuf(64, 100)

	pb.BeginSession(time.Unix(1, 0))
	pb.AddSamples([]uint32{5}, []Address{0x4000})

	if count, _ := pb.GetByMAB(0x4000); count != 1 {
		t.Fatalf("first query count %d", count)
	}

	pb.AddSamples([]uint32{7}, []Address{0x4000})

	count, sum := pb.GetByMAB(0x4000)
	if count != 2 || sum != 12 {
		t.Fatalf("after mutation: (%d, %d), expected (2, 12)", count, sum)
	}
}
