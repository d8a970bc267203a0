package fault_test

import (
	"net/http"
	"testing"

	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegisteredClass(t *testing.T) {
	f := fault.New(fault.ClassOwnerMismatch, "circle %s is owned by %s", "c1", "remote.example")

	assert.Equal(t, fault.KindPolicy, f.Kind)
	assert.Equal(t, http.StatusForbidden, f.HTTPStatus())
	assert.Equal(t, "OwnerMismatch: circle c1 is owned by remote.example", f.Error())
	assert.False(t, f.Retryable())
}

func TestNew_UnknownClassIsApplicationError(t *testing.T) {
	f := fault.New("SomethingNew", "boom")
	assert.Equal(t, fault.KindApplication, f.Kind)
	assert.Equal(t, http.StatusInternalServerError, f.HTTPStatus())
}

func TestFromBody(t *testing.T) {
	t.Run("known class wins over status", func(t *testing.T) {
		f := fault.FromBody(http.StatusTeapot, fault.Body{Class: fault.ClassMemberNotFound, Message: "bob"})
		assert.Equal(t, fault.ClassMemberNotFound, f.Class)
		assert.Equal(t, http.StatusNotFound, f.HTTPStatus())
	})

	t.Run("unknown class falls back to status", func(t *testing.T) {
		cases := []struct {
			status int
			class  string
			kind   fault.Kind
		}{
			{http.StatusUnauthorized, fault.ClassSignatoryUnknown, fault.KindVerification},
			{http.StatusForbidden, fault.ClassPolicy, fault.KindPolicy},
			{http.StatusNotFound, fault.ClassNotFound, fault.KindApplication},
			{http.StatusConflict, fault.ClassResyncRequired, fault.KindVerification},
			{http.StatusBadRequest, fault.ClassApplication, fault.KindApplication},
			{http.StatusBadGateway, fault.ClassRemoteResponse, fault.KindTransport},
		}
		for _, tc := range cases {
			f := fault.FromBody(tc.status, fault.Body{Class: "FromAFutureVersion", Message: "x"})
			assert.Equal(t, tc.class, f.Class, "status %d", tc.status)
			assert.Equal(t, tc.kind, f.Kind, "status %d", tc.status)
			assert.Equal(t, tc.status, f.HTTPStatus())
		}
	})
}

func TestTransportIsRetryable(t *testing.T) {
	f := fault.Transport(errors.New("connection refused"), "POST %s", "https://remote.example/x")
	assert.True(t, f.Retryable())
	assert.Contains(t, f.Message, "connection refused")
	assert.True(t, fault.IsKind(f, fault.KindTransport))
}

func TestAsThroughWrapping(t *testing.T) {
	err := errors.Wrap(fault.New(fault.ClassCircleNotFound, "c1"), "load circle")

	f, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.ClassCircleNotFound, f.Class)
	assert.True(t, fault.IsClass(err, fault.ClassCircleNotFound))

	plain := fault.From(errors.New("disk full"))
	assert.Equal(t, fault.ClassApplication, plain.Class)
	assert.Nil(t, fault.From(nil))
}

func TestConflict(t *testing.T) {
	f := fault.Conflict(fault.ConflictDuplicateIsNotAnAlias, "u1")
	assert.Equal(t, fault.KindConflict, f.Kind)
	assert.Contains(t, f.Message, "duplicate_is_not_an_alias")

	code, ok := fault.ConflictCodeOf(errors.Wrap(f, "upsert"))
	require.True(t, ok)
	assert.Equal(t, fault.ConflictDuplicateIsNotAnAlias, code)

	_, ok = fault.ConflictCodeOf(fault.New(fault.ClassPolicy, "no"))
	assert.False(t, ok)
}

func TestRegister(t *testing.T) {
	fault.Register("QuotaExceeded", fault.KindPolicy, http.StatusPaymentRequired)
	f := fault.FromBody(http.StatusPaymentRequired, fault.Body{Class: "QuotaExceeded"})
	assert.Equal(t, fault.KindPolicy, f.Kind)
}
