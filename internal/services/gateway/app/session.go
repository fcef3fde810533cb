package app

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/meridianchat/meridian/internal/protocol"
)

// session is one authenticated websocket connection. Writes go through a
// mutex because the read loop, the dispatcher, and the broker all push
// frames at the same peer.
type session struct {
	id     uint64
	userID int64
	conn   *websocket.Conn

	writeMu sync.Mutex
}

func (s *session) write(msg *protocol.ServerMessage) error {
	b, err := protocol.MarshalServerMessage(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, b)
}

// sessionRegistry indexes open sessions by id and by user so the broker can
// resolve push targets.
type sessionRegistry struct {
	mu     sync.RWMutex
	nextID uint64
	byID   map[uint64]*session
	byUser map[int64]map[uint64]*session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		byID:   make(map[uint64]*session),
		byUser: make(map[int64]map[uint64]*session),
	}
}

// add registers a connection and returns its session.
func (r *sessionRegistry) add(userID int64, conn *websocket.Conn) *session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sess := &session{id: r.nextID, userID: userID, conn: conn}
	r.byID[sess.id] = sess
	userSessions := r.byUser[userID]
	if userSessions == nil {
		userSessions = make(map[uint64]*session)
		r.byUser[userID] = userSessions
	}
	userSessions[sess.id] = sess
	return sess
}

// remove drops a session and reports whether it was the user's last one.
func (r *sessionRegistry) remove(sess *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byID, sess.id)
	userSessions := r.byUser[sess.userID]
	delete(userSessions, sess.id)
	if len(userSessions) == 0 {
		delete(r.byUser, sess.userID)
		return true
	}
	return false
}

// sessionsForUser snapshots the user's open sessions.
func (r *sessionRegistry) sessionsForUser(userID int64) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions := r.byUser[userID]
	if len(userSessions) == 0 {
		return nil
	}
	out := make([]*session, 0, len(userSessions))
	for _, sess := range userSessions {
		out = append(out, sess)
	}
	return out
}

// count returns the number of open sessions.
func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
