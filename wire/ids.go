// Package wire defines the messages exchanged between an app and its clients.
package wire

import (
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// UserID identifies a user across sessions. Anonymous users share AnonUserID.
type UserID uuid.UUID

// AnonUserID is the user id of every unauthenticated session.
var AnonUserID = UserID(uuid.Nil)

func NewUserID() UserID {
	return UserID(uuid.New())
}

func ParseUserID(s string) (UserID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return AnonUserID, eris.Wrapf(err, "invalid user id %q", s)
	}
	return UserID(id), nil
}

func (id UserID) IsAnon() bool {
	return id == AnonUserID
}

func (id UserID) String() string {
	return uuid.UUID(id).String()
}

func (id UserID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *UserID) UnmarshalText(data []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(data)
}

// SessionID identifies one connection of a user.
type SessionID uint64

// CorrelationID ties a response or an error to the request that caused it.
type CorrelationID uuid.UUID

func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New())
}

func (id CorrelationID) String() string {
	return uuid.UUID(id).String()
}

func (id CorrelationID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *CorrelationID) UnmarshalText(data []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(data)
}
