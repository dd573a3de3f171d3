// Package auth reports authentication changes of sessions that are not tied to an HTTP request, and resolves the
// user of a websocket connection when it is opened.
package auth

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/kit/events"
	"pkg.world.dev/world-engine/kit/system"
	"pkg.world.dev/world-engine/kit/wire"
)

// DefaultUserHeader is the request header HeaderAuthenticator reads by default.
const DefaultUserHeader = "X-User-Id"

var ErrInvalidUser = eris.New("invalid user")

// Authenticated is sent when a session moves to an authenticated user.
type Authenticated struct {
	UserID    wire.UserID    `json:"user_id"`
	SessionID wire.SessionID `json:"session_id"`
}

// Unauthenticated is sent when a session moves back to the anonymous user. UserID is the user it left.
type Unauthenticated struct {
	UserID    wire.UserID    `json:"user_id"`
	SessionID wire.SessionID `json:"session_id"`
}

// Register adds the event channels of both events. It can be called more than once.
func Register(b system.Builder) error {
	if err := events.Register[Authenticated](b); err != nil {
		return err
	}
	return events.Register[Unauthenticated](b)
}

// Authenticator resolves the user of an upgrade request. Returning wire.AnonUserID accepts the connection as
// anonymous, returning an error rejects it.
type Authenticator func(c *fiber.Ctx) (wire.UserID, error)

// Anonymous accepts every connection as anonymous.
func Anonymous(*fiber.Ctx) (wire.UserID, error) {
	return wire.AnonUserID, nil
}

// HeaderAuthenticator trusts the user id found in header. It is meant to run behind a gateway that already
// authenticated the request. Requests without the header are anonymous.
func HeaderAuthenticator(header string) Authenticator {
	if header == "" {
		header = DefaultUserHeader
	}
	return func(c *fiber.Ctx) (wire.UserID, error) {
		raw := c.Get(header)
		if raw == "" {
			return wire.AnonUserID, nil
		}
		user, err := wire.ParseUserID(raw)
		if err != nil {
			return wire.AnonUserID, eris.Wrap(ErrInvalidUser, err.Error())
		}
		return user, nil
	}
}
