package ring

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func newRing(t *testing.T, channels int) *Ring {
	t.Helper()
	r, err := New(channels)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return r
}

func TestRing_FIFO(t *testing.T) {
	r := newRing(t, 16)

	for i := 0; i < 25; i++ {
		r.Append("c1", fmt.Sprintf("m%d", i))
		if got := len(r.Read("c1")); got > Capacity {
			t.Fatalf("ring grew to %d entries", got)
		}
	}

	got := r.Read("c1")
	if len(got) != Capacity {
		t.Fatalf("len = %d, want %d", len(got), Capacity)
	}
	for i, line := range got {
		if want := fmt.Sprintf("m%d", 15+i); line != want {
			t.Errorf("entry %d = %q, want %q", i, line, want)
		}
	}
}

func TestRing_PartialAndUnknown(t *testing.T) {
	r := newRing(t, 16)
	r.Append("c1", "a")
	r.Append("c1", "b")

	if got := strings.Join(r.Read("c1"), ","); got != "a,b" {
		t.Errorf("read = %q", got)
	}
	if got := r.Read("missing"); len(got) != 0 {
		t.Errorf("unknown channel should be empty, got %v", got)
	}
}

func TestRing_ChannelsAreIndependent(t *testing.T) {
	r := newRing(t, 16)
	r.Append("c1", "one")
	r.Append("c2", "two")

	if got := r.Read("c1"); len(got) != 1 || got[0] != "one" {
		t.Errorf("c1 = %v", got)
	}
	if got := r.Read("c2"); len(got) != 1 || got[0] != "two" {
		t.Errorf("c2 = %v", got)
	}
}

func TestRing_ReadReturnsCopy(t *testing.T) {
	r := newRing(t, 16)
	r.Append("c1", "a")
	got := r.Read("c1")
	got[0] = "mutated"
	if r.Read("c1")[0] != "a" {
		t.Error("Read must not expose internal storage")
	}
}

func TestRing_BoundsChannelCount(t *testing.T) {
	r := newRing(t, 2)
	r.Append("c1", "a")
	r.Append("c2", "b")
	r.Append("c3", "c")

	if r.Len() != 2 {
		t.Errorf("tracked channels = %d, want 2", r.Len())
	}
	if len(r.Read("c1")) != 0 {
		t.Error("least recently written channel should be evicted")
	}
}

func TestRing_ConcurrentAppend(t *testing.T) {
	r := newRing(t, 16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Append("c1", fmt.Sprintf("%d-%d", g, i))
			}
		}(g)
	}
	wg.Wait()
	if got := len(r.Read("c1")); got != Capacity {
		t.Errorf("len = %d, want %d", got, Capacity)
	}
}

func TestNew_InvalidSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("expected error for zero channel bound")
	}
}

func TestFormatLine(t *testing.T) {
	if got := FormatLine("neo", "  hello\nworld  "); got != "neo: hello world" {
		t.Errorf("FormatLine = %q", got)
	}

	exact := strings.Repeat("x", 180)
	if got := Preview(exact); got != exact {
		t.Error("180 characters should be kept as is")
	}

	long := strings.Repeat("y", 181)
	got := Preview(long)
	if got != strings.Repeat("y", 177)+"..." {
		t.Errorf("long preview = %q", got)
	}
	if len([]rune(got)) != 180 {
		t.Errorf("preview length = %d, want 180", len([]rune(got)))
	}
}
