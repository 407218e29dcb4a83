package session

import (
	"errors"
	"time"
)

var (
	// ErrEmptyMessage rejects blank sends before any transport interaction.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrEmptyClientID rejects Initialize without an identity.
	ErrEmptyClientID = errors.New("client id is empty")
	// ErrTransportUnavailable reports that a send could not be delivered.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrReplyTimeout reports that no reply arrived within the reply timeout.
	ErrReplyTimeout = errors.New("agent reply timed out")
	// ErrConnectionClosed reports an unexpected transport closure.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrMalformedReply reports an inbound frame that was dropped.
	ErrMalformedReply = errors.New("malformed agent reply")
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("session closed")
)

// NoticeKind classifies side-channel notices.
type NoticeKind string

const (
	// NoticeDeliveryFailed follows a send that the transport rejected.
	NoticeDeliveryFailed NoticeKind = "delivery_failed"
	// NoticeMalformedReply follows a dropped inbound frame.
	NoticeMalformedReply NoticeKind = "malformed_reply"
	// NoticeConnectionClosed follows an unexpected transport closure.
	NoticeConnectionClosed NoticeKind = "connection_closed"
	// NoticeReplyTimeout follows an expired reply timer.
	NoticeReplyTimeout NoticeKind = "reply_timeout"
)

// Notice is a transient failure report for display collaborators. Every
// notice is published after generating has been reset.
type Notice struct {
	Kind NoticeKind
	Err  error
	At   time.Time
}
