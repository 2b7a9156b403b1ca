package remote

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		code   apperrors.ErrorCode
	}{
		{200, ""},
		{204, ""},
		{400, apperrors.ErrPermanentValidation},
		{403, apperrors.ErrPermanentValidation},
		{404, apperrors.ErrNotFound},
		{408, apperrors.ErrTransientNetwork},
		{422, apperrors.ErrPermanentValidation},
		{429, apperrors.ErrTransientNetwork},
		{500, apperrors.ErrTransientNetwork},
		{503, apperrors.ErrTransientNetwork},
	}
	for _, tt := range tests {
		err := ClassifyStatus(tt.status, "put", nil)
		assert.Equal(t, tt.code, apperrors.CodeOf(err), "status %d", tt.status)
	}
}

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "users/u1/workout/w1.json", []byte(`{"a":1}`)))
	require.NoError(t, m.Put(ctx, "users/u1/profile/me.json", []byte(`{}`)))
	require.NoError(t, m.Put(ctx, "users/u2/profile/me.json", []byte(`{}`)))

	data, err := m.Get(ctx, "users/u1/workout/w1.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	keys, err := m.List(ctx, "users/u1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"users/u1/profile/me.json", "users/u1/workout/w1.json"}, keys)

	require.NoError(t, m.Delete(ctx, "users/u1/workout/w1.json"))
	require.NoError(t, m.Delete(ctx, "users/u1/workout/w1.json"))
	_, err = m.Get(ctx, "users/u1/workout/w1.json")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.Equal(t, 2, m.Len())
}

func TestMemory_FailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := apperrors.Transient("put", errors.New("reset"))

	m.FailNext(boom, nil, boom)
	assert.ErrorIs(t, m.Put(ctx, "k", nil), boom)
	assert.NoError(t, m.Put(ctx, "k", nil))
	assert.ErrorIs(t, m.Put(ctx, "k", nil), boom)
	assert.NoError(t, m.Put(ctx, "k", nil))
	assert.Equal(t, 4, m.Calls(OpPut))
}

func TestMemory_Fault(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetFault(func(_ context.Context, op Op, key string) error {
		if key == "bad" {
			return apperrors.Permanent(string(op), nil)
		}
		return nil
	})

	assert.True(t, apperrors.IsPermanent(m.Put(ctx, "bad", nil)))
	assert.NoError(t, m.Put(ctx, "good", nil))
}

func TestMemory_CancelledContextIsTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemory().Put(ctx, "k", nil)
	assert.True(t, apperrors.IsTransient(err))
}

func TestUnconfigured(t *testing.T) {
	err := Unconfigured{}.Put(context.Background(), "k", nil)
	assert.True(t, apperrors.IsTransient(err))
	assert.True(t, apperrors.Is(err, apperrors.ErrTransientNetwork))
}
