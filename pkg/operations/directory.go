package operations

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/model"
)

// HashDirectory derives stable single ids from the instance, the member
// type and the user id. It stands in for an account directory when the
// host provides none.
type HashDirectory struct {
	Instance string
}

// Resolve implements Directory.
func (d HashDirectory) Resolve(_ context.Context, userType model.UserType, userID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", "", fault.New(fault.ClassInvalidParameters, "empty user id")
	}
	if userType == model.TypeMail {
		userID = strings.ToLower(userID)
	}
	name := fmt.Sprintf("%s/%d/%s", strings.ToLower(d.Instance), int(userType), userID)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String(), userID, nil
}
