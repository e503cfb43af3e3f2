package protocol

import (
	"errors"
	"fmt"
)

// Reason is the code carried by LoginDisconnect and ErrorNotice.
type Reason int32

const (
	ReasonAuthOK Reason = iota + 1
	ReasonAccountNotMatch
	ReasonAccountNotExist
	ReasonAccountAlreadyLogin
	ReasonAccountOtherLogin
	ReasonPacketError
	ReasonPacketUnknown
	ReasonServerBusy
	ReasonServerShutdown
	ReasonClientTimeout
	ReasonBadApp
	ReasonMalformedRequest
)

var reasonText = map[Reason]string{
	ReasonAuthOK:              "authenticated",
	ReasonAccountNotMatch:     "wrong password",
	ReasonAccountNotExist:     "account does not exist",
	ReasonAccountAlreadyLogin: "account is already signed in",
	ReasonAccountOtherLogin:   "signed in from another location",
	ReasonPacketError:         "packet error",
	ReasonPacketUnknown:       "unknown packet",
	ReasonServerBusy:          "server busy, try again later",
	ReasonServerShutdown:      "server shutting down",
	ReasonClientTimeout:       "connection timed out",
	ReasonBadApp:              "unsupported application",
	ReasonMalformedRequest:    "malformed request",
}

// Message is the user facing text of r.
func (r Reason) Message() string {
	if s, ok := reasonText[r]; ok {
		return s
	}
	return fmt.Sprintf("disconnected (code %d)", int32(r))
}

func (r Reason) String() string { return r.Message() }

// ReasonError carries a Reason through error returns.
type ReasonError struct {
	Reason Reason
}

func (e *ReasonError) Error() string { return "protocol: " + e.Reason.Message() }

// Is matches any *ReasonError with the same Reason.
func (e *ReasonError) Is(target error) bool {
	t, ok := target.(*ReasonError)
	return ok && t.Reason == e.Reason
}

// Err returns r as an error.
func (r Reason) Err() error { return &ReasonError{Reason: r} }

// ReasonOf extracts the Reason from err, or fallback if there is none.
func ReasonOf(err error, fallback Reason) Reason {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason
	}
	return fallback
}
