package envelope

import "fmt"

// ExchangeError is the payload used to carry a handler failure across the
// bus as ordinary data rather than a live exception. It implements both
// Payload (for field access/printing) and the standard error interface (so
// Go call sites can treat it as an error where convenient).
type ExchangeError struct {
	Value   string
	ExcInfo string
}

// NewExchangeError builds an ExchangeError. excInfo is the pre-rendered
// trace captured at the throw site; pass "" when no trace is available.
func NewExchangeError(value, excInfo string) *ExchangeError {
	return &ExchangeError{Value: value, ExcInfo: excInfo}
}

// Format renders "<value>\n<exc_info>" when a trace is present, else just
// "<value>".
func (e *ExchangeError) Format() string {
	if e.ExcInfo != "" {
		return e.Value + "\n" + e.ExcInfo
	}
	return e.Value
}

func (e *ExchangeError) Error() string { return e.Format() }

func (e *ExchangeError) Len() int { return 2 }

func (e *ExchangeError) At(i int) any {
	switch i {
	case 0:
		return e.Value
	case 1:
		return e.ExcInfo
	default:
		panic(fmt.Sprintf("envelope: ExchangeError has no field at index %d", i))
	}
}

func (e *ExchangeError) Field(name string) (any, bool) {
	switch name {
	case "value":
		return e.Value, true
	case "exc_info":
		return e.ExcInfo, true
	default:
		return nil, false
	}
}

func (e *ExchangeError) String() string {
	return fmt.Sprintf("ExchangeError(value=%q, exc_info=%q)", e.Value, e.ExcInfo)
}
