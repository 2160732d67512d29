package envelope

import "reflect"

// StopSentinel is the literal payload value that addresses a poll loop's
// stop request to itself: an envelope whose message equals this string,
// addressed to the processor's own pid, terminates its poll loop.
const StopSentinel = "stop"

// Envelope is the immutable addressing wrapper around a payload. It carries
// no methods that mutate its fields; a new Envelope is always constructed
// fresh (e.g. a reply carries a new Envelope with Ref set to the original's
// Ident, never a mutation of the original).
type Envelope struct {
	// FromPID is the sender's service identifier. Empty for
	// anonymous/system sends.
	FromPID string
	// Ident is the unique correlation tag for replies. Empty means "no
	// reply expected" (a fire-and-forget notification, when Ref is also
	// empty).
	Ident string
	// Message is the typed payload: a Payload implementation (*Record,
	// *ExchangeError), the StopSentinel string, or any other
	// transport-safe Go value.
	Message any
	// Ref, when non-empty, names the Ident of the envelope this one
	// replies to.
	Ref string
}

// New constructs an Envelope. The zero value of ident/ref ("") means unset.
func New(fromPID, ident string, message any, ref string) Envelope {
	return Envelope{FromPID: fromPID, Ident: ident, Message: message, Ref: ref}
}

// IsNotification reports whether this envelope is a fire-and-forget
// message: no ident (so no reply is tracked) and not itself a reply.
func (e Envelope) IsNotification() bool {
	return e.Ident == "" && e.Ref == ""
}

// IsStop reports whether this envelope is a poll-loop stop sentinel.
func (e Envelope) IsStop() bool {
	s, ok := e.Message.(string)
	return ok && s == StopSentinel
}

// Equal reports field-wise equality. Two envelopes with equal fields are
// equal regardless of identity.
func (e Envelope) Equal(other Envelope) bool {
	if e.FromPID != other.FromPID || e.Ident != other.Ident || e.Ref != other.Ref {
		return false
	}
	return messagesEqual(e.Message, other.Message)
}

func messagesEqual(a, b any) bool {
	switch av := a.(type) {
	case *Record:
		bv, ok := b.(*Record)
		return ok && av.Equal(bv)
	case *ExchangeError:
		bv, ok := b.(*ExchangeError)
		return ok && *av == *bv
	default:
		// a/b may be any transport-safe Go value, including slices/maps/funcs
		// that would panic under ==; DeepEqual handles those without panicking.
		return reflect.DeepEqual(a, b)
	}
}
