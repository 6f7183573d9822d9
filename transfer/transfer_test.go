package transfer

import (
	"sync"
	"testing"
)

func TestKindForPath(t *testing.T) {
	tests := []struct {
		path string
		kind Kind
		ok   bool
	}{
		{"/media/photo.jpg", KindImage, true},
		{"/media/photo.JPEG", KindImage, true},
		{"/media/shot.heic", KindImage, true},
		{"/media/clip.mp4", KindVideo, true},
		{"/media/clip.MOV", KindVideo, true},
		{"/media/notes.txt", KindImage, false},
		{"/media/noext", KindImage, false},
	}

	for _, tt := range tests {
		kind, ok := KindForPath(tt.path)
		if ok != tt.ok {
			t.Errorf("KindForPath(%q) ok = %v, want %v", tt.path, ok, tt.ok)
		}
		if ok && kind != tt.kind {
			t.Errorf("KindForPath(%q) = %v, want %v", tt.path, kind, tt.kind)
		}
	}
}

func TestTransferProgressMonotonic(t *testing.T) {
	tr := NewTransfer(DirectionOutbound, KindImage, "/tmp/a.jpg", 1000)

	var mu sync.Mutex
	var ticks []int
	tr.SetProgressCallback(func(percent int) {
		mu.Lock()
		ticks = append(ticks, percent)
		mu.Unlock()
	})

	tr.begin()
	tr.ReportBytes(100)
	tr.ReportBytes(500)
	tr.ReportBytes(300) // out of order report must not regress
	tr.ReportBytes(1000)

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) == 0 {
		t.Fatal("Expected progress ticks")
	}
	prev := -1
	for _, p := range ticks {
		if p < prev {
			t.Errorf("Progress regressed from %d to %d", prev, p)
		}
		prev = p
	}
	if ticks[len(ticks)-1] != 100 {
		t.Errorf("Final tick = %d, want 100", ticks[len(ticks)-1])
	}
}

func TestTransferProgressClampedAt100(t *testing.T) {
	tr := NewTransfer(DirectionOutbound, KindVideo, "/tmp/a.mp4", 100)
	tr.begin()
	tr.ReportBytes(250)

	if got := tr.Progress(); got != 100 {
		t.Errorf("Progress() = %d, want 100", got)
	}
}

func TestTransferNoTicksBeforeBegin(t *testing.T) {
	tr := NewTransfer(DirectionOutbound, KindImage, "/tmp/a.jpg", 100)

	fired := false
	tr.SetProgressCallback(func(int) { fired = true })
	tr.ReportBytes(50)

	if fired {
		t.Error("Progress callback fired before transfer began")
	}
	if tr.Transferred() != 0 {
		t.Errorf("Transferred() = %d, want 0", tr.Transferred())
	}
}

func TestTransferTerminalStates(t *testing.T) {
	tr := NewTransfer(DirectionOutbound, KindImage, "/tmp/a.jpg", 100)
	tr.begin()

	if !tr.Confirm() {
		t.Fatal("First Confirm should succeed")
	}
	if tr.Confirm() {
		t.Error("Second Confirm should be a no-op")
	}
	if tr.Fail() {
		t.Error("Fail after Confirm should be a no-op")
	}
	if tr.State() != StateConfirmed {
		t.Errorf("State = %v, want %v", tr.State(), StateConfirmed)
	}
}

func TestTransferNoTicksAfterTerminal(t *testing.T) {
	tr := NewTransfer(DirectionOutbound, KindImage, "/tmp/a.jpg", 1000)

	var ticks int
	tr.SetProgressCallback(func(int) { ticks++ })
	tr.begin()
	tr.ReportBytes(500)
	before := ticks

	tr.Fail()
	tr.ReportBytes(900)

	if ticks != before {
		t.Errorf("Got %d ticks after terminal state, want none", ticks-before)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StatePending, "pending"},
		{StateInProgress, "inProgress"},
		{StateConfirmed, "confirmed"},
		{StateFailed, "failed"},
		{StateCancelled, "cancelled"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestVideoAccumulator(t *testing.T) {
	acc := newVideoAccumulator(10)

	if err := acc.append([]byte("hello")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := acc.append([]byte("world")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if !acc.complete() {
		t.Error("Expected accumulator to be complete")
	}
	if string(acc.bytes()) != "helloworld" {
		t.Errorf("bytes() = %q, want %q", acc.bytes(), "helloworld")
	}
}

func TestVideoAccumulatorOverflow(t *testing.T) {
	acc := newVideoAccumulator(4)

	if err := acc.append([]byte("toolong")); err != ErrAccumulatorOverflow {
		t.Errorf("append overflow error = %v, want %v", err, ErrAccumulatorOverflow)
	}
}
