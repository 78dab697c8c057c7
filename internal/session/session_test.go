package session

import (
	"errors"
	"fmt"
	"testing"
)

func TestUnwindReleasesInReverseOrder(t *testing.T) {
	sess := New("/tmp/test.img", nil)

	var released []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("resource-%d", i)
		sess.Track(KindLoopDevice, id, func() error {
			released = append(released, id)
			return nil
		})
	}

	report := sess.Unwind()
	if !report.Clean() {
		t.Fatalf("unexpected failures: %v", report.Failures)
	}
	if report.Released != 5 {
		t.Fatalf("expected 5 releases, got %d", report.Released)
	}

	expected := []string{"resource-4", "resource-3", "resource-2", "resource-1", "resource-0"}
	for i, id := range expected {
		if released[i] != id {
			t.Fatalf("release order %v, want %v", released, expected)
		}
	}
	if sess.Live() != 0 {
		t.Errorf("expected no live handles after unwind, got %d", sess.Live())
	}
}

func TestUnwindIsIdempotent(t *testing.T) {
	sess := New("/tmp/test.img", nil)

	releases := 0
	sess.Track(KindMountPoint, "/mnt/root", func() error {
		releases++
		return nil
	})

	first := sess.Unwind()
	second := sess.Unwind()

	if first.Released != 1 {
		t.Errorf("first unwind released %d handles, want 1", first.Released)
	}
	if second.Released != 0 || !second.Clean() {
		t.Errorf("second unwind should be a no-op, got %+v", second)
	}
	if releases != 1 {
		t.Errorf("release func ran %d times, want 1", releases)
	}
}

func TestUnwindCollectsFailures(t *testing.T) {
	sess := New("/tmp/test.img", nil)

	var released []string
	sess.Track(KindLoopDevice, "/dev/loop0", func() error {
		released = append(released, "/dev/loop0")
		return nil
	})
	sess.Track(KindMountPoint, "/mnt/root", func() error {
		return errors.New("device busy")
	})
	sess.Track(KindMountPoint, "/mnt/root/proc", func() error {
		released = append(released, "/mnt/root/proc")
		return nil
	})

	report := sess.Unwind()

	if report.Clean() {
		t.Fatal("expected an unwind failure")
	}
	if report.Released != 2 {
		t.Errorf("expected 2 successful releases, got %d", report.Released)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(report.Failures))
	}
	f := report.Failures[0]
	if f.Kind != KindMountPoint || f.ID != "/mnt/root" {
		t.Errorf("unexpected failure record: %+v", f)
	}

	// A failed release must not stop the rest of the unwind.
	if len(released) != 2 || released[0] != "/mnt/root/proc" || released[1] != "/dev/loop0" {
		t.Errorf("unexpected release order after failure: %v", released)
	}
}

func TestFailFirstReasonSticks(t *testing.T) {
	sess := New("/tmp/test.img", nil)

	first := errors.New("format failed")
	sess.Fail(first)
	sess.Fail(errors.New("later failure"))

	status, reason := sess.Status()
	if status != StatusFailed {
		t.Fatalf("expected failed status, got %s", status)
	}
	if reason != first {
		t.Errorf("expected first failure reason to stick, got %v", reason)
	}
}

func TestTrackAssignsMonotonicSequence(t *testing.T) {
	sess := New("/tmp/test.img", nil)

	a := sess.Track(KindLoopDevice, "a", func() error { return nil })
	b := sess.Track(KindMountPoint, "b", func() error { return nil })
	c := sess.Track(KindEmulationRegistration, "c", func() error { return nil })

	if !(a.Seq < b.Seq && b.Seq < c.Seq) {
		t.Errorf("sequence numbers not monotonic: %d, %d, %d", a.Seq, b.Seq, c.Seq)
	}
	if sess.Live() != 3 {
		t.Errorf("expected 3 live handles, got %d", sess.Live())
	}
}
