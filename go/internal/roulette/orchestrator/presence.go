package orchestrator

import (
	"context"
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/spendtimetogether/roulette/go/internal/models"
	"github.com/spendtimetogether/roulette/go/internal/roulette/events"
)

const maxJoinAttempts = 3

// Attach registers conn for the user and reports whether it is the user's
// first live connection in the session. The session must already be open.
func (c *Coordinator) Attach(sessionID, userID int64, conn Conn) (bool, error) {
	s := c.lookup(sessionID)
	if s == nil {
		return false, ErrSessionNotFound
	}
	return c.attach(s, models.Profile{ID: userID}, conn)
}

// Detach removes conn and reports whether the user has no connections left.
// Detaching a connection that is not attached is a no-op.
func (c *Coordinator) Detach(sessionID, userID int64, conn Conn) bool {
	s := c.lookup(sessionID)
	if s == nil {
		return false
	}
	departed, _, _ := c.detach(s, userID, conn)
	return departed
}

// ListConnectedUsers returns the connected user ids in join order.
func (c *Coordinator) ListConnectedUsers(sessionID int64) []int64 {
	s := c.lookup(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.joinOrder)
}

// Join opens the session if needed, attaches conn and performs the connect
// handshake: the state and roster go to conn, the room learns about the user.
func (c *Coordinator) Join(ctx context.Context, sessionID int64, profile models.Profile, conn Conn) error {
	var (
		s     *session
		first bool
		err   error
	)
	// The session can be evicted between Open and attach when its last
	// connection leaves; loading it again starts a fresh lifecycle.
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		if _, err = c.Open(ctx, sessionID); err != nil {
			return err
		}
		if s = c.lookup(sessionID); s == nil {
			err = ErrSessionNotFound
			continue
		}
		first, err = c.attach(s, profile, conn)
		if !isNotFound(err) {
			break
		}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	view := s.viewLocked()
	roster := s.rosterLocked()
	s.mu.Unlock()

	if err := c.SendTo(conn, events.NewSessionState(view)); err != nil {
		log.Warn().Err(err).Str("connection_id", conn.ID()).Msg("failed to send session state")
	}
	if err := c.SendTo(conn, events.NewUsersInSession(roster)); err != nil {
		log.Warn().Err(err).Str("connection_id", conn.ID()).Msg("failed to send roster")
	}

	if first {
		c.broadcast(s, events.NewUserJoined(profile))
	}
	c.broadcastRoster(s)
	return nil
}

// Release evicts a session that was opened but never attached to, such as
// after a refused join. Sessions with connections or a live timer stay.
func (c *Coordinator) Release(sessionID int64) bool {
	s := c.lookup(sessionID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	idle := !s.evicted && len(s.conns) == 0 && s.timerGen == 0
	if idle {
		s.evicted = true
	}
	s.mu.Unlock()

	if idle {
		c.evict(s)
	}
	return idle
}

// Leave detaches conn and tells the room when the user's last connection is gone.
func (c *Coordinator) Leave(sessionID, userID int64, conn Conn) {
	if s := c.lookup(sessionID); s != nil {
		c.leave(s, userID, conn)
	}
}

func (c *Coordinator) leave(s *session, userID int64, conn Conn) {
	departed, profile, evicted := c.detach(s, userID, conn)
	if !departed || evicted {
		return
	}
	c.broadcast(s, events.NewUserLeft(profile))
	c.broadcastRoster(s)
}

func (c *Coordinator) broadcastRoster(s *session) {
	s.mu.Lock()
	failed := c.broadcastLocked(s, events.NewUsersInSession(s.rosterLocked()))
	s.mu.Unlock()
	c.dropFailed(s, failed)
}

func (c *Coordinator) attach(s *session, profile models.Profile, conn Conn) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return false, ErrSessionNotFound
	}

	entry, exists := s.presence[profile.ID]
	if !exists {
		entry = &presenceEntry{profile: profile, conns: make(map[string]Conn)}
		s.presence[profile.ID] = entry
		s.joinOrder = append(s.joinOrder, profile.ID)
	} else if profile.FirstName != "" || profile.AvatarURL != "" {
		entry.profile = profile
	}
	entry.conns[conn.ID()] = conn
	s.conns[conn.ID()] = attachment{userID: profile.ID, conn: conn}

	log.Info().
		Int64("session_id", s.id).
		Int64("user_id", profile.ID).
		Str("connection_id", conn.ID()).
		Int("user_connections", len(entry.conns)).
		Int("total_connections", len(s.conns)).
		Msg("connection attached")

	return !exists, nil
}

// detach reports whether the user fully departed and whether the session
// was evicted because no connections remain.
func (c *Coordinator) detach(s *session, userID int64, conn Conn) (bool, models.Profile, bool) {
	s.mu.Lock()

	entry, ok := s.presence[userID]
	if !ok {
		s.mu.Unlock()
		return false, models.Profile{}, false
	}
	if _, ok := entry.conns[conn.ID()]; !ok {
		s.mu.Unlock()
		return false, models.Profile{}, false
	}

	delete(entry.conns, conn.ID())
	delete(s.conns, conn.ID())
	profile := entry.profile

	departed := len(entry.conns) == 0
	if departed {
		delete(s.presence, userID)
		s.joinOrder = slices.DeleteFunc(s.joinOrder, func(id int64) bool { return id == userID })
	}

	evicted := len(s.conns) == 0
	if evicted {
		if s.timerGen != 0 {
			log.Info().
				Int64("session_id", s.id).
				Uint64("generation", s.timerGen).
				Msg("last connection left, cancelling timer")
		}
		s.clearTimer()
		s.evicted = true
	}

	log.Info().
		Int64("session_id", s.id).
		Int64("user_id", userID).
		Str("connection_id", conn.ID()).
		Bool("departed", departed).
		Msg("connection detached")

	s.mu.Unlock()

	if evicted {
		c.evict(s)
	}
	return departed, profile, evicted
}
