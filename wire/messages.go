package wire

import (
	"time"

	"github.com/goccy/go-json"
)

// Req is a user action received from a target.
type Req[T any] struct {
	Target        Target        `json:"target"`
	Action        T             `json:"action"`
	CorrelationID CorrelationID `json:"corrid"`
}

func NewReq[T any](target Target, action T, corrid CorrelationID) Req[T] {
	return Req[T]{Target: target, Action: action, CorrelationID: corrid}
}

// Res is an event sent to one or more targets.
type Res[T any] struct {
	Targets Targets `json:"targets"`
	Event   T       `json:"event"`
}

func NewRes[T any](targets Targets, event T) Res[T] {
	return Res[T]{Targets: targets, Event: event}
}

// Error is a failure reported back to the target that sent a request.
type Error[E any] struct {
	To            Target        `json:"to"`
	Err           E             `json:"error"`
	CorrelationID CorrelationID `json:"corrid"`
}

func NewError[E any](to Target, err E, corrid CorrelationID) Error[E] {
	return Error[E]{To: to, Err: err, CorrelationID: corrid}
}

// TimestampedEvent is an outgoing event stamped with the unix millisecond time it was sent at.
type TimestampedEvent[T any] struct {
	Timestamp int64 `json:"timestamp"`
	Event     T     `json:"event"`
}

func NewTimestampedEvent[T any](event T) TimestampedEvent[T] {
	return TimestampedEvent[T]{Timestamp: time.Now().UnixMilli(), Event: event}
}

// Result is either a value or an error. It encodes to JSON as {"ok": value} or {"err": error}.
type Result[T, E any] struct {
	value T
	err   E
	isErr bool
}

func Ok[T, E any](value T) Result[T, E] {
	return Result[T, E]{value: value}
}

func Fail[T, E any](err E) Result[T, E] {
	return Result[T, E]{err: err, isErr: true}
}

func (r Result[T, E]) IsOk() bool {
	return !r.isErr
}

func (r Result[T, E]) Value() (T, bool) {
	return r.value, !r.isErr
}

func (r Result[T, E]) Err() (E, bool) {
	return r.err, r.isErr
}

type resultJSON[T, E any] struct {
	Ok  *T `json:"ok,omitempty"`
	Err *E `json:"err,omitempty"`
}

func (r Result[T, E]) MarshalJSON() ([]byte, error) {
	if r.isErr {
		return json.Marshal(resultJSON[T, E]{Err: &r.err})
	}
	return json.Marshal(resultJSON[T, E]{Ok: &r.value})
}

func (r *Result[T, E]) UnmarshalJSON(bz []byte) error {
	var raw resultJSON[T, E]
	if err := json.Unmarshal(bz, &raw); err != nil {
		return err
	}
	*r = Result[T, E]{}
	if raw.Err != nil {
		r.err, r.isErr = *raw.Err, true
	} else if raw.Ok != nil {
		r.value = *raw.Ok
	}
	return nil
}

// Connected is sent when a user opens another session.
type Connected struct {
	UserID    UserID    `json:"user_id"`
	SessionID SessionID `json:"session_id"`
}

// FirstConnected is sent when a user opens their first session.
type FirstConnected struct {
	UserID    UserID    `json:"user_id"`
	SessionID SessionID `json:"session_id"`
}

// Disconnected is sent when a user closes their last session.
type Disconnected struct {
	UserID    UserID    `json:"user_id"`
	SessionID SessionID `json:"session_id"`
}

type NetworkErrorKind string

const (
	// SocketError means the transport failed.
	SocketError NetworkErrorKind = "socket_error"
	// InvalidMessage means a message could not be decoded.
	InvalidMessage NetworkErrorKind = "invalid_message"
)

// NetworkError is reported to a client when its connection misbehaves.
type NetworkError struct {
	Kind    NetworkErrorKind `json:"kind"`
	Message string           `json:"message"`
}

func (e NetworkError) Error() string {
	return string(e.Kind) + ": " + e.Message
}
