package fault

import "fmt"

// ConflictCode distinguishes why a remote-claimed identifier collided with a
// local record. Operators use it to tell a stale cache from an impersonation
// attempt.
type ConflictCode int

const (
	ConflictDuplicateFromOtherInstance ConflictCode = 121
	ConflictNoKnownSource              ConflictCode = 122
	ConflictNotAnAliasOfKnownRecord    ConflictCode = 123
	ConflictFederatedUserHasNoSource   ConflictCode = 124
	ConflictDuplicateIsNotAnAlias      ConflictCode = 125
)

func (c ConflictCode) String() string {
	switch c {
	case ConflictDuplicateFromOtherInstance:
		return "duplicate_from_other_instance"
	case ConflictNoKnownSource:
		return "no_known_source"
	case ConflictNotAnAliasOfKnownRecord:
		return "not_an_alias_of_known_record"
	case ConflictFederatedUserHasNoSource:
		return "federated_user_has_no_source"
	case ConflictDuplicateIsNotAnAlias:
		return "duplicate_is_not_an_alias"
	default:
		return fmt.Sprintf("conflict_%d", int(c))
	}
}

// Conflict builds a MembershipConflict fault carrying code.
func Conflict(code ConflictCode, singleID string) *Fault {
	f := New(ClassMembershipConflict, "%s: %s", code.String(), singleID)
	f.Code = int(code)
	return f
}

// ConflictCodeOf returns the conflict code carried by err, if any.
func ConflictCodeOf(err error) (ConflictCode, bool) {
	f, ok := As(err)
	if !ok || f.Kind != KindConflict {
		return 0, false
	}
	return ConflictCode(f.Code), true
}
