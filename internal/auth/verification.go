package auth

import "fmt"

// VerificationState tracks the email-code step of sign-up.
type VerificationState string

const (
	VerificationDefault VerificationState = "default"
	VerificationPending VerificationState = "pending"
	VerificationSuccess VerificationState = "success"
	VerificationFailed  VerificationState = "failed"
)

// VerificationEvent drives a VerificationState transition.
type VerificationEvent string

const (
	EventCodeSent     VerificationEvent = "code_sent"
	EventCodeAccepted VerificationEvent = "code_accepted"
	EventCodeRejected VerificationEvent = "code_rejected"
	EventRetry        VerificationEvent = "retry"
)

// NextVerification returns the state reached from s on ev. A failed attempt
// can go back to pending when the user enters a new code; success is final.
func NextVerification(s VerificationState, ev VerificationEvent) (VerificationState, error) {
	switch s {
	case VerificationDefault:
		if ev == EventCodeSent {
			return VerificationPending, nil
		}
	case VerificationPending:
		switch ev {
		case EventCodeAccepted:
			return VerificationSuccess, nil
		case EventCodeRejected:
			return VerificationFailed, nil
		case EventCodeSent:
			return VerificationPending, nil
		}
	case VerificationFailed:
		if ev == EventRetry {
			return VerificationPending, nil
		}
	case VerificationSuccess:
	}
	return s, fmt.Errorf("auth: %s not allowed in verification state %s", ev, s)
}

// Verification is the state shown to the user plus the last error message.
type Verification struct {
	State VerificationState
	Error string
}

func (v *Verification) fire(ev VerificationEvent, errMsg string) error {
	next, err := NextVerification(v.State, ev)
	if err != nil {
		return err
	}
	v.State = next
	v.Error = errMsg
	return nil
}
