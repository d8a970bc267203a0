// Package fault defines the error taxonomy shared by every federation
// component and its wire representation.
//
// A Fault crossing an instance boundary is serialized as Body
// ({message, code, class}) and rebuilt on the caller side by FromBody, which
// picks the registered class when it is known and falls back to a generic
// fault keyed by the HTTP status otherwise.
package fault

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind groups faults by how they propagate.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindPolicy        Kind = "policy"
	KindVerification  Kind = "verification"
	KindTransport     Kind = "transport"
	KindApplication   Kind = "application"
	KindConflict      Kind = "conflict"
)

// Fault is a typed, serializable error.
type Fault struct {
	Kind    Kind
	Class   string
	Message string
	Code    int
	Status  int
}

// Body is the structured error object exchanged between instances.
type Body struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Class   string `json:"class"`
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return f.Class
	}
	return fmt.Sprintf("%s: %s", f.Class, f.Message)
}

// Body returns the wire form of the fault.
func (f *Fault) Body() Body {
	return Body{Message: f.Message, Code: f.Code, Class: f.Class}
}

// Retryable reports whether a queued delivery should be attempted again.
func (f *Fault) Retryable() bool {
	return f.Kind == KindTransport
}

// HTTPStatus returns the status the fault is rendered with.
func (f *Fault) HTTPStatus() int {
	if f.Status == 0 {
		return http.StatusInternalServerError
	}
	return f.Status
}

// New builds a fault of a registered class. Unknown classes produce an
// application fault with status 500.
func New(class, format string, args ...any) *Fault {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	def, ok := lookup(class)
	if !ok {
		return &Fault{Kind: KindApplication, Class: class, Message: msg, Status: http.StatusInternalServerError}
	}
	return &Fault{Kind: def.kind, Class: class, Message: msg, Status: def.status}
}

// FromBody rebuilds a fault received from a remote instance.
func FromBody(status int, b Body) *Fault {
	if def, ok := lookup(b.Class); ok {
		return &Fault{Kind: def.kind, Class: b.Class, Message: b.Message, Code: b.Code, Status: def.status}
	}
	class, kind := genericForStatus(status)
	return &Fault{Kind: kind, Class: class, Message: b.Message, Code: b.Code, Status: status}
}

// Transport wraps a network level failure.
func Transport(err error, format string, args ...any) *Fault {
	f := New(ClassRemoteUnreachable, format, args...)
	if err != nil {
		f.Message = fmt.Sprintf("%s; %s", f.Message, err.Error())
	}
	return f
}

// As extracts a *Fault from an error chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// From converts any error into a Fault, classifying unknown errors as
// application faults.
func From(err error) *Fault {
	if err == nil {
		return nil
	}
	if f, ok := As(err); ok {
		return f
	}
	return &Fault{Kind: KindApplication, Class: ClassApplication, Message: err.Error(), Status: http.StatusInternalServerError}
}

// IsKind reports whether err carries a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	f, ok := As(err)
	return ok && f.Kind == kind
}

func genericForStatus(status int) (string, Kind) {
	switch {
	case status == http.StatusUnauthorized:
		return ClassSignatoryUnknown, KindVerification
	case status == http.StatusForbidden:
		return ClassPolicy, KindPolicy
	case status == http.StatusNotFound:
		return ClassNotFound, KindApplication
	case status == http.StatusConflict:
		return ClassResyncRequired, KindVerification
	case status >= 400 && status < 500:
		return ClassApplication, KindApplication
	default:
		return ClassRemoteResponse, KindTransport
	}
}

// IsClass reports whether err carries a fault of the given class.
func IsClass(err error, class string) bool {
	f, ok := As(err)
	return ok && f.Class == class
}
