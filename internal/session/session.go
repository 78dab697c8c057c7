package session

import (
	"fmt"
	"sync"

	"github.com/aserranoh/pimage/internal/plan"
	"github.com/aserranoh/pimage/internal/utils/logger"
)

// HandleKind identifies the system resource a handle stands for.
type HandleKind int

const (
	KindLoopDevice HandleKind = iota
	KindMountPoint
	KindEmulationRegistration
	KindOpenFileDescriptor
)

func (k HandleKind) String() string {
	switch k {
	case KindLoopDevice:
		return "loop-device"
	case KindMountPoint:
		return "mount-point"
	case KindEmulationRegistration:
		return "emulation-registration"
	case KindOpenFileDescriptor:
		return "file-descriptor"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ReleaseFunc releases the underlying system resource. Release funcs must be
// idempotent so that a retried unwind stays safe.
type ReleaseFunc func() error

// Handle is one acquired system resource. Handles are released exclusively
// by Session.Unwind, in reverse acquisition order.
type Handle struct {
	Seq     uint64
	Kind    HandleKind
	ID      string
	release ReleaseFunc
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s %s (seq %d)", h.Kind, h.ID, h.Seq)
}

// Status is the terminal state of a build session.
type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Session tracks every resource acquired while building one image. The
// acquisition order is the strict reverse of the release order performed by
// Unwind, which is invoked on every exit path.
type Session struct {
	ImagePath string
	Plan      *plan.ImagePlan

	mu      sync.Mutex
	seq     uint64
	handles []*Handle
	status  Status
	reason  error
}

// New starts a session for the given backing file and plan.
func New(imagePath string, p *plan.ImagePlan) *Session {
	return &Session{ImagePath: imagePath, Plan: p}
}

// Track records an acquired resource and its release operation. It must be
// called in the same step as the successful acquisition, so the window in
// which a crash can leak the resource is a single call.
func (s *Session) Track(kind HandleKind, id string, release ReleaseFunc) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	h := &Handle{Seq: s.seq, Kind: kind, ID: id, release: release}
	s.handles = append(s.handles, h)
	return h
}

// Live returns the number of handles not yet released.
func (s *Session) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Succeed marks the session's terminal status as succeeded.
func (s *Session) Succeed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusSucceeded
}

// Fail marks the session failed with the given reason. The first reason
// sticks.
func (s *Session) Fail(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusFailed {
		return
	}
	s.status = StatusFailed
	s.reason = reason
}

// Status returns the terminal status and, for failed sessions, the reason.
func (s *Session) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.reason
}

// ReleaseFailure records one handle whose release operation failed during
// unwind. The resource may need manual intervention.
type ReleaseFailure struct {
	Kind HandleKind
	ID   string
	Seq  uint64
	Err  error
}

func (f ReleaseFailure) Error() string {
	return fmt.Sprintf("failed to release %s %s: %v", f.Kind, f.ID, f.Err)
}

// UnwindReport aggregates the outcome of an unwind pass.
type UnwindReport struct {
	Released int
	Failures []ReleaseFailure
}

// Clean reports whether every handle was released.
func (r *UnwindReport) Clean() bool {
	return len(r.Failures) == 0
}

// Unwind releases every live handle in strict reverse acquisition order,
// collecting release failures instead of aborting on them. It is invoked
// from every exit path and is idempotent: unwinding an already drained
// session is a no-op.
func (s *Session) Unwind() *UnwindReport {
	log := logger.Logger()

	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	report := &UnwindReport{}
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		log.Debugf("Releasing %s", h)
		if err := h.release(); err != nil {
			log.Warnf("Failed to release %s: %v", h, err)
			report.Failures = append(report.Failures, ReleaseFailure{
				Kind: h.Kind,
				ID:   h.ID,
				Seq:  h.Seq,
				Err:  err,
			})
			continue
		}
		report.Released++
	}
	return report
}
