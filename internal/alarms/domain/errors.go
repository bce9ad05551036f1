package alarms

import "errors"

var (
	// ErrInvalidArgument indicates a malformed request (empty operator,
	// missing shelve reason, unknown sensor in a rules file, ...).
	ErrInvalidArgument = errors.New("alarms: invalid argument")

	// ErrNotFound indicates the referenced sensor or alarm instance does not exist.
	ErrNotFound = errors.New("alarms: not found")

	// ErrInvalidTransition indicates the requested lifecycle transition is not
	// legal from the instance's current state. The instance is left unchanged.
	ErrInvalidTransition = errors.New("alarms: invalid transition")

	// ErrPersistenceUnavailable indicates the state store rejected a transition
	// after retries. The in-memory state is rolled back.
	ErrPersistenceUnavailable = errors.New("alarms: persistence unavailable")

	// ErrPublishUnavailable indicates outbound event delivery failed and the
	// event was buffered locally instead.
	ErrPublishUnavailable = errors.New("alarms: publish unavailable")
)
