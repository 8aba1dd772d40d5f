package orchestrator

import (
	"context"
	"slices"
	"sync"

	"github.com/spendtimetogether/roulette/go/internal/models"
)

const closeInternalError = 1011

type attachment struct {
	userID int64
	conn   Conn
}

type presenceEntry struct {
	profile models.Profile
	conns   map[string]Conn
}

// session is the state holder for one session id. Every field is guarded by mu.
type session struct {
	mu sync.Mutex

	id        int64
	roomID    int64
	creatorID int64

	phase       models.Phase
	submissions []models.Submission
	winner      *models.Submission
	winnerID    *int64

	conns     map[string]attachment
	presence  map[int64]*presenceEntry
	joinOrder []int64

	// timerGen is the generation of the live timer task, zero when none is registered.
	timerGen    uint64
	cancelTimer context.CancelFunc

	evicted bool
}

func newSession(snap *models.SessionSnapshot) *session {
	s := &session{
		id:        snap.ID,
		roomID:    snap.RoomID,
		creatorID: snap.CreatorID,
		phase:     snap.Status.Phase(),
		conns:     make(map[string]attachment),
		presence:  make(map[int64]*presenceEntry),
	}
	if snap.WinnerUserID != nil {
		id := *snap.WinnerUserID
		s.winnerID = &id
	}
	return s
}

func (s *session) view() models.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *session) viewLocked() models.SessionView {
	v := models.SessionView{
		ID:          s.id,
		RoomID:      s.roomID,
		CreatorID:   s.creatorID,
		Phase:       s.phase,
		Submissions: slices.Clone(s.submissions),
	}
	if s.winner != nil {
		w := *s.winner
		v.Winner = &w
	}
	if s.winnerID != nil {
		id := *s.winnerID
		v.WinnerID = &id
	}
	return v
}

// isCurrent reports whether a timer task of generation gen may still apply effects.
func (s *session) isCurrent(gen uint64) bool {
	return !s.evicted && gen != 0 && s.timerGen == gen
}

// clearTimer releases the timer handle. A task still running for the old
// generation fails its next isCurrent check and exits.
func (s *session) clearTimer() {
	if s.cancelTimer != nil {
		s.cancelTimer()
	}
	s.timerGen = 0
	s.cancelTimer = nil
}

func (s *session) rosterLocked() []models.Profile {
	roster := make([]models.Profile, 0, len(s.joinOrder))
	for _, userID := range s.joinOrder {
		if p, ok := s.presence[userID]; ok {
			roster = append(roster, p.profile)
		}
	}
	return roster
}
