package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error so the transport layer can map it to a
// status code without inspecting messages.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindUnauthorized
	KindNotFound
	KindTooManyRequests
	KindUnavailable
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewInvalid(msg string) *Error {
	return &Error{Kind: KindInvalid, Message: msg}
}

func NewUnauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func NewNotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func NewTooManyRequests(msg string) *Error {
	return &Error{Kind: KindTooManyRequests, Message: msg}
}

func NewInternal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not a domain
// error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func IsNotFound(err error) bool        { return KindOf(err) == KindNotFound }
func IsInvalid(err error) bool         { return KindOf(err) == KindInvalid }
func IsUnauthorized(err error) bool    { return KindOf(err) == KindUnauthorized }
func IsTooManyRequests(err error) bool { return KindOf(err) == KindTooManyRequests }

// Fixed user-facing errors shared across services.
var (
	ErrServerNotFound  = NewNotFound("server not found")
	ErrUserNotFound    = NewNotFound("user not found")
	ErrAuctionNotFound = NewNotFound("auction not found")
	ErrBidNotFound     = NewNotFound("bid not found")
	ErrNotOwner        = NewUnauthorized("you do not own this server")

	ErrOnlyOneCurrentAuction = NewInvalid("there can only be one current auction")
	ErrServerNotEligible     = NewInvalid("server is not eligible for the auction")
	ErrServerUnreachable     = NewInvalid("server is unreachable")

	ErrBidBelowMinimum     = NewInvalid("bid amount must be greater than the minimum bid")
	ErrBidNotGreater       = NewInvalid("bid amount must be greater than your current bid")
	ErrBidNotUnique        = NewInvalid("bid amount must be unique")
	ErrBiddingNotStarted   = NewInvalid("bidding has not started yet")
	ErrBiddingEnded        = NewInvalid("bidding has ended")
	ErrAlreadyVoted        = NewTooManyRequests("You have already voted for this server in the last 24 hours")
	ErrInvalidBannerSize   = NewInvalid("banner must be exactly 468x60 pixels")
	ErrInvalidBannerFormat = NewInvalid("banner must be a gif, png, jpg or jpeg image")
)
