package callsession

import "errors"

var (
	// ErrAlreadyBound is returned by Attach when a switch leg is already
	// connected to this session.
	ErrAlreadyBound = errors.New("callsession: switch leg already attached")
	// ErrClosed is returned by operations attempted after the session has
	// entered ENDED.
	ErrClosed = errors.New("callsession: session closed")
	// ErrNoGreeting names the case of a Prompt that defines no greeting.
	// No code path returns it: a Session whose prompt has empty greeting
	// text skips the greeting turn directly.
	ErrNoGreeting = errors.New("callsession: no greeting configured")
)
