package lockbus

import (
	"context"
	"errors"
)

// Classification is the verdict the handler and the renewer act on: what the
// failure is, whether the operation may be retried, and whether the owning
// handler has to be torn down.
type Classification struct {
	Kind            ErrorKind
	Retryable       bool
	ShutdownHandler bool
}

type classificationEntry struct {
	kind            ErrorKind
	retryable       bool
	shutdownHandler bool
	message         string
}

// conditionTable maps every known condition symbol to its verdict. Entries
// for session-scoped conditions assume a sessionful context; Classify
// adjusts the sessionless interpretation.
var conditionTable = map[Condition]classificationEntry{
	CondLinkDetachForced:      {KindConnection, true, true, "the link was force detached by the service"},
	CondConnectionForced:      {KindConnection, true, true, "the connection was closed by the service"},
	CondUnauthorizedAccess:    {KindAuthorization, false, true, "unauthorized access to the entity"},
	CondAuthFailed:            {KindAuthorization, false, true, "authentication with the service failed"},
	CondInternalError:         {KindService, true, true, "the service reported an internal error"},
	CondSessionLockLost:       {KindSessionLockExpired, false, true, "the session lock was lost"},
	CondSessionLockTimeout:    {KindNoActiveSession, false, true, "the session lock could not be obtained in time"},
	CondSessionCannotBeLocked: {KindNoActiveSession, false, true, "the requested session is locked by another receiver"},
	CondMessageLockLost:       {KindMessageLockLost, false, false, "the message lock was lost"},
	CondServerBusy:            {KindServerBusy, true, false, "the service is busy"},
	CondOperationCancelled:    {KindService, true, false, "the operation was cancelled by the service"},
	CondNotFound:              {KindNotFound, false, true, "the messaging entity could not be found"},
	CondResourceLimit:         {KindQuotaExceeded, false, true, "the entity quota has been exceeded"},
	CondMessageSizeExceeded:   {KindMessageSizeExceeded, false, false, "the message exceeds the maximum allowed size"},
}

// Classify derives the deterministic verdict for a raw failure. The mapping
// is total: unknown conditions and non-transport errors fall through to a
// generic, non-retryable service error that shuts the handler down.
func Classify(err error, sessionful bool) Classification {
	// Local guard failures never reach the wire and never affect the handler.
	switch {
	case errors.Is(err, ErrMessageAlreadySettled):
		return Classification{Kind: KindMessageAlreadySettled}
	case errors.Is(err, ErrLinkDetached):
		// The per-message link is gone; the receiver falls back to the
		// management channel, so the handler stays up.
		return Classification{Kind: KindService}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Classification{Kind: KindOperationTimeout}
	}

	var terr *TransportError
	if !errors.As(err, &terr) {
		return Classification{Kind: KindService, Retryable: false, ShutdownHandler: true}
	}

	entry, ok := conditionTable[terr.Condition]
	if !ok {
		return Classification{Kind: KindService, Retryable: false, ShutdownHandler: true}
	}

	c := Classification{
		Kind:            entry.kind,
		Retryable:       entry.retryable,
		ShutdownHandler: entry.shutdownHandler,
	}

	if sessionful {
		// A session lock does not survive a rebuilt link, so connection
		// failures must surface instead of being silently retried.
		if c.Kind == KindConnection {
			c.Retryable = false
		}
		return c
	}

	// Outside a session the session-lock conditions have no lock to lose;
	// they degrade to generic timeouts and service failures.
	switch terr.Condition {
	case CondSessionLockTimeout:
		c = Classification{Kind: KindOperationTimeout, Retryable: true, ShutdownHandler: false}
	case CondSessionLockLost, CondSessionCannotBeLocked:
		c = Classification{Kind: KindService, Retryable: false, ShutdownHandler: true}
	}

	return c
}

// classifiedError wraps a transport failure into the typed error matching
// its classification. Non-transport failures pass through untouched.
func classifiedError(err error, sessionful bool) error {
	var terr *TransportError
	if !errors.As(err, &terr) {
		return err
	}

	c := Classify(err, sessionful)
	message := "service operation failed"
	if entry, ok := conditionTable[terr.Condition]; ok {
		message = entry.message
	}

	return newConditionError(c.Kind, terr.Condition, message, err)
}
