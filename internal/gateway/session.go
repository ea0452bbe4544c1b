package gateway

// Session is the resumable state of a gateway session.
type Session struct {
	// ID is the session identifier from Ready. Empty until the first Ready.
	ID string

	// Sequence is the last dispatch sequence number processed.
	Sequence int64

	// ResumeURL is the server-designated URL for resuming, if any.
	ResumeURL string

	// ShardID and ShardCount identify the partition this session serves.
	ShardID    int
	ShardCount int

	// UserID is the authenticated user, from Ready.
	UserID string
}

// Resumable reports whether a Resume can be attempted.
func (s Session) Resumable() bool { return s.ID != "" }

// reset forgets everything tied to the server-side session.
func (s *Session) reset() {
	s.ID = ""
	s.Sequence = 0
	s.ResumeURL = ""
}

// seqVerdict is the outcome of checking an inbound sequence number.
type seqVerdict int

const (
	seqAccept seqVerdict = iota
	seqDuplicate
	seqGap
)

// check classifies an inbound dispatch sequence number against the last one
// processed. A zero last sequence accepts anything.
func (s *Session) check(seq int64) seqVerdict {
	switch {
	case seq <= 0 || s.Sequence == 0:
		return seqAccept
	case seq <= s.Sequence:
		return seqDuplicate
	case seq > s.Sequence+1:
		return seqGap
	default:
		return seqAccept
	}
}
