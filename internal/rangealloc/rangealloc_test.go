package rangealloc

import (
	"math/rand"
	"testing"
)

func TestAllocateEmptyThenGrow(t *testing.T) {
	var s FreeRangeSet

	if r := s.Allocate(1); r.Start != -1 {
		t.Fatalf("Allocate(1) on empty set = %v, want invalid", r)
	}

	grown := s.AddCapacity(32)
	if grown != (Range{Start: 0, Length: 32}) {
		t.Fatalf("AddCapacity(32) = %v, want [0,32)", grown)
	}
	s.Return(grown)

	r := s.Allocate(1)
	if r != (Range{Start: 0, Length: 1}) {
		t.Fatalf("Allocate(1) after growth = %v, want [0,1)", r)
	}
	if err := s.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestReturnMerges(t *testing.T) {
	tests := []struct {
		name   string
		take   []int // lengths allocated in order from a 32-wide set
		give   []int // indexes into take, returned in order
		expect []Range
	}{
		{
			name:   "merge right into tail",
			take:   []int{4, 4},
			give:   []int{1},
			expect: []Range{{Start: 4, Length: 28}},
		},
		{
			name:   "merge left",
			take:   []int{4, 4, 4},
			give:   []int{0, 1},
			expect: []Range{{Start: 0, Length: 8}, {Start: 12, Length: 20}},
		},
		{
			name:   "merge both sides",
			take:   []int{4, 4, 4},
			give:   []int{0, 2, 1},
			expect: []Range{{Start: 0, Length: 32}},
		},
		{
			name:   "sorted insert without neighbours",
			take:   []int{2, 2, 2, 2},
			give:   []int{2, 0},
			expect: []Range{{Start: 0, Length: 2}, {Start: 4, Length: 2}, {Start: 8, Length: 24}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s FreeRangeSet
			s.Return(s.AddCapacity(32))

			taken := make([]Range, len(tt.take))
			for i, n := range tt.take {
				taken[i] = s.Allocate(n)
			}
			for _, i := range tt.give {
				s.Return(taken[i])
				if err := s.Check(); err != nil {
					t.Fatal(err)
				}
			}

			got := s.Ranges()
			if len(got) != len(tt.expect) {
				t.Fatalf("free ranges = %v, want %v", got, tt.expect)
			}
			for i := range got {
				if got[i] != tt.expect[i] {
					t.Fatalf("free ranges = %v, want %v", got, tt.expect)
				}
			}
		})
	}
}

func TestFind(t *testing.T) {
	var s FreeRangeSet
	s.Return(s.AddCapacity(32))
	a := s.Allocate(8)
	_ = s.Allocate(8)
	s.Return(a) // free: [0,8) [16,32)

	if got := s.Find(3); got != 0 {
		t.Errorf("Find(3) = %d, want 0", got)
	}
	if got := s.Find(20); got != 1 {
		t.Errorf("Find(20) = %d, want 1", got)
	}
	if got := s.Find(10); got != -2 {
		t.Errorf("Find(10) = %d, want -2", got)
	}
	if s.IsFree(8) {
		t.Error("IsFree(8) = true, want false")
	}
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		var s FreeRangeSet
		var live []Range

		for step := 0; step < 400; step++ {
			if len(live) > 0 && rng.Intn(3) == 0 {
				i := rng.Intn(len(live))
				s.Return(live[i])
				live[i] = live[len(live)-1]
				live = live[:len(live)-1]
			} else {
				n := 1 + rng.Intn(6)
				r := s.Allocate(n)
				if r.Start < 0 {
					grow := s.Capacity()
					if grow < MinGrowth {
						grow = MinGrowth
					}
					s.Return(s.AddCapacity(grow))
					r = s.Allocate(n)
				}
				if r.Start < 0 {
					t.Fatalf("round %d step %d: Allocate(%d) failed after growth", round, step, n)
				}
				live = append(live, r)
			}

			if err := s.Check(); err != nil {
				t.Fatalf("round %d step %d: %v", round, step, err)
			}
			sum := 0
			for _, r := range live {
				sum += r.Length
			}
			if sum != s.Allocated() {
				t.Fatalf("round %d step %d: live sum %d != allocated %d", round, step, sum, s.Allocated())
			}
		}
	}
}

func TestPoolStablePointers(t *testing.T) {
	var p Pool[int]

	first := p.Acquire()
	ptr := p.At(first)
	*ptr = 42

	for i := 0; i < 200; i++ {
		h := p.Acquire()
		*p.At(h) = i
	}

	if *ptr != 42 {
		t.Fatalf("pointer into pool changed after growth: got %d", *ptr)
	}
	if p.At(first) != ptr {
		t.Fatal("At returned a different address after growth")
	}
	if p.Cap() != 256 {
		t.Errorf("Cap() = %d, want 256", p.Cap())
	}
	if err := p.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestPoolReleaseReuses(t *testing.T) {
	var p Pool[string]
	a := p.Acquire()
	b := p.Acquire()
	*p.At(a) = "a"

	p.Release(a)
	if *p.At(a) != "" {
		t.Errorf("released element not cleared: %q", *p.At(a))
	}
	if p.IsLive(a) {
		t.Error("IsLive(a) = true after Release")
	}
	if got := p.Acquire(); got != a {
		t.Errorf("Acquire() = %d, want reused handle %d", got, a)
	}
	if !p.IsLive(b) {
		t.Error("IsLive(b) = false")
	}
	if p.Live() != 2 {
		t.Errorf("Live() = %d, want 2", p.Live())
	}
}

func TestLocate(t *testing.T) {
	tests := []struct{ h, seg, off int }{
		{0, 0, 0},
		{31, 0, 31},
		{32, 1, 0},
		{63, 1, 31},
		{64, 2, 0},
		{127, 2, 63},
		{128, 3, 0},
	}
	for _, tt := range tests {
		seg, off := locate(tt.h)
		if seg != tt.seg || off != tt.off {
			t.Errorf("locate(%d) = (%d,%d), want (%d,%d)", tt.h, seg, off, tt.seg, tt.off)
		}
	}
}
