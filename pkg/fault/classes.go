package fault

import (
	"net/http"
	"sync"
)

// Known fault classes. The class name travels on the wire, so renaming one
// breaks older peers.
const (
	ClassHandlerNotFound = "HandlerNotFound"
	ClassInvalidHandler  = "InvalidHandler"

	ClassPolicy                = "PolicyViolation"
	ClassInitiatorNotFound     = "InitiatorNotFound"
	ClassInitiatorNotConfirmed = "InitiatorNotConfirmed"
	ClassOwnerMismatch         = "OwnerMismatch"
	ClassMustRunLocally        = "MustRunLocally"
	ClassMembershipRequired    = "MembershipRequired"

	ClassSignatoryUnknown = "SignatoryUnknown"
	ClassSignatureInvalid = "SignatureInvalid"
	ClassResyncRequired   = "ResyncRequired"

	ClassRemoteUnreachable     = "RemoteUnreachable"
	ClassRemoteResponse        = "RemoteResponse"
	ClassRemoteEndpointUnknown = "RemoteEndpointUnknown"
	ClassTooManyRequests       = "TooManyRequests"

	ClassApplication          = "ApplicationError"
	ClassNotFound             = "NotFound"
	ClassCircleNotFound       = "CircleNotFound"
	ClassMemberNotFound       = "MemberNotFound"
	ClassMemberAlreadyExists  = "MemberAlreadyExists"
	ClassMemberLevelForbidden = "MemberLevelForbidden"
	ClassCircleNameTooShort   = "CircleNameTooShort"
	ClassMembersLimitReached  = "MembersLimitReached"
	ClassInvalidParameters    = "InvalidParameters"

	ClassMembershipConflict = "MembershipConflict"
)

type classDef struct {
	kind   Kind
	status int
}

var (
	registryMu sync.RWMutex
	registry   = map[string]classDef{
		ClassHandlerNotFound: {KindConfiguration, http.StatusInternalServerError},
		ClassInvalidHandler:  {KindConfiguration, http.StatusInternalServerError},

		ClassPolicy:                {KindPolicy, http.StatusForbidden},
		ClassInitiatorNotFound:     {KindPolicy, http.StatusForbidden},
		ClassInitiatorNotConfirmed: {KindPolicy, http.StatusForbidden},
		ClassOwnerMismatch:         {KindPolicy, http.StatusForbidden},
		ClassMustRunLocally:        {KindPolicy, http.StatusForbidden},
		ClassMembershipRequired:    {KindPolicy, http.StatusForbidden},

		ClassSignatoryUnknown: {KindVerification, http.StatusUnauthorized},
		ClassSignatureInvalid: {KindVerification, http.StatusUnauthorized},
		ClassResyncRequired:   {KindVerification, http.StatusConflict},

		ClassRemoteUnreachable:     {KindTransport, http.StatusServiceUnavailable},
		ClassRemoteResponse:        {KindTransport, http.StatusBadGateway},
		ClassRemoteEndpointUnknown: {KindTransport, http.StatusBadGateway},
		ClassTooManyRequests:       {KindTransport, http.StatusTooManyRequests},

		ClassApplication:          {KindApplication, http.StatusInternalServerError},
		ClassNotFound:             {KindApplication, http.StatusNotFound},
		ClassCircleNotFound:       {KindApplication, http.StatusNotFound},
		ClassMemberNotFound:       {KindApplication, http.StatusNotFound},
		ClassMemberAlreadyExists:  {KindApplication, http.StatusBadRequest},
		ClassMemberLevelForbidden: {KindApplication, http.StatusForbidden},
		ClassCircleNameTooShort:   {KindApplication, http.StatusBadRequest},
		ClassMembersLimitReached:  {KindApplication, http.StatusBadRequest},
		ClassInvalidParameters:    {KindApplication, http.StatusBadRequest},

		ClassMembershipConflict: {KindConflict, http.StatusConflict},
	}
)

// Register adds or replaces a fault class so that FromBody can rebuild it.
func Register(class string, kind Kind, status int) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[class] = classDef{kind: kind, status: status}
}

func lookup(class string) (classDef, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	def, ok := registry[class]
	return def, ok
}
