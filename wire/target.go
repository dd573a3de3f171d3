package wire

import (
	"fmt"
)

type TargetKind uint8

const (
	TargetUndefined TargetKind = iota
	// TargetAnon is a single anonymous session.
	TargetAnon
	// TargetAuthAll is every session of an authenticated user.
	TargetAuthAll
	// TargetAuthSpecific is one session of an authenticated user.
	TargetAuthSpecific
	// TargetBot is a server-side participant without a connection.
	TargetBot
)

func (k TargetKind) String() string {
	switch k {
	case TargetAnon:
		return "anon"
	case TargetAuthAll:
		return "auth_all"
	case TargetAuthSpecific:
		return "auth_specific"
	case TargetBot:
		return "bot"
	case TargetUndefined:
		return "undefined"
	default:
		return "undefined"
	}
}

// Target addresses the sender of a request or the receiver of a response. Target is comparable and can be
// used as a map key.
type Target struct {
	Kind    TargetKind `json:"kind"`
	User    UserID     `json:"user"`
	Session SessionID  `json:"session"`
}

func AnonTarget(session SessionID) Target {
	return Target{Kind: TargetAnon, User: AnonUserID, Session: session}
}

func AuthAllTarget(user UserID) Target {
	return Target{Kind: TargetAuthAll, User: user}
}

func AuthSpecificTarget(user UserID, session SessionID) Target {
	return Target{Kind: TargetAuthSpecific, User: user, Session: session}
}

func BotTarget(bot UserID) Target {
	return Target{Kind: TargetBot, User: bot}
}

// NewTarget returns the target of one session: anonymous when user is AnonUserID, authenticated otherwise.
func NewTarget(user UserID, session SessionID) Target {
	if user.IsAnon() {
		return AnonTarget(session)
	}
	return AuthSpecificTarget(user, session)
}

// General returns the form of t that covers all sessions of the same user. Anonymous and bot targets are
// returned unchanged.
func (t Target) General() Target {
	switch t.Kind {
	case TargetAuthAll, TargetAuthSpecific:
		return AuthAllTarget(t.User)
	case TargetAnon, TargetBot, TargetUndefined:
		return t
	default:
		return t
	}
}

// ID returns the user of the target. Anonymous targets return AnonUserID.
func (t Target) ID() UserID {
	return t.User
}

func (t Target) IsAuth() bool {
	return t.Kind == TargetAuthAll || t.Kind == TargetAuthSpecific
}

func (t Target) String() string {
	switch t.Kind {
	case TargetAnon:
		return fmt.Sprintf("anon(%d)", t.Session)
	case TargetAuthAll:
		return fmt.Sprintf("auth(%s)", t.User)
	case TargetAuthSpecific:
		return fmt.Sprintf("auth(%s, %d)", t.User, t.Session)
	case TargetBot:
		return fmt.Sprintf("bot(%s)", t.User)
	case TargetUndefined:
		return "undefined"
	default:
		return "undefined"
	}
}

// Targets is either every connected session or a list of targets.
type Targets struct {
	All bool     `json:"all,omitempty"`
	Few []Target `json:"few,omitempty"`
}

func AllTargets() Targets {
	return Targets{All: true}
}

func FewTargets(targets ...Target) Targets {
	return Targets{Few: targets}
}
