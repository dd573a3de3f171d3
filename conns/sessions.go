package conns

import (
	"slices"

	"pkg.world.dev/world-engine/kit/wire"
)

// UserSessions tracks the open sessions of every user. Anonymous sessions are tracked under wire.AnonUserID.
type UserSessions struct {
	sessions map[wire.UserID][]wire.SessionID
}

func NewUserSessions() *UserSessions {
	return &UserSessions{
		sessions: make(map[wire.UserID][]wire.SessionID),
	}
}

// Get returns the sessions of user in the order they were opened.
func (u *UserSessions) Get(user wire.UserID) []wire.SessionID {
	return u.sessions[user]
}

// Insert adds a session to user and returns the number of sessions the user now has.
func (u *UserSessions) Insert(user wire.UserID, session wire.SessionID) int {
	u.sessions[user] = append(u.sessions[user], session)
	return len(u.sessions[user])
}

// Remove drops a session of user and returns the number of sessions the user has left. Removing a session the
// user does not have changes nothing.
func (u *UserSessions) Remove(user wire.UserID, session wire.SessionID) int {
	sessions, ok := u.sessions[user]
	if !ok {
		return 0
	}
	i := slices.Index(sessions, session)
	if i < 0 {
		return len(sessions)
	}
	sessions = slices.Delete(sessions, i, i+1)
	if len(sessions) == 0 {
		delete(u.sessions, user)
		return 0
	}
	u.sessions[user] = sessions
	return len(sessions)
}

// Users returns the number of users with at least one session.
func (u *UserSessions) Users() int {
	return len(u.sessions)
}
