package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHasher_HashAndVerify(t *testing.T) {
	h := NewPasswordHasher(4)

	hash, err := h.Hash("Str0ngPass")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$2a$"))

	assert.True(t, h.Verify("Str0ngPass", hash))
	assert.False(t, h.Verify("WrongPass1", hash))
}

func TestPasswordHasher_SaltsIndependently(t *testing.T) {
	h := NewPasswordHasher(4)

	first, err := h.Hash("Str0ngPass")
	require.NoError(t, err)
	second, err := h.Hash("Str0ngPass")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, h.Verify("Str0ngPass", first))
	assert.True(t, h.Verify("Str0ngPass", second))
}

func TestPasswordHasher_MalformedHashVerifiesFalse(t *testing.T) {
	h := NewPasswordHasher(4)

	assert.False(t, h.Verify("Str0ngPass", "not-a-bcrypt-hash"))
	assert.False(t, h.Verify("Str0ngPass", ""))
}

func TestNewPasswordHasher_CostOutOfRangeFallsBack(t *testing.T) {
	for _, cost := range []int{-1, 0, 3, 32, 100} {
		h := NewPasswordHasher(cost)
		assert.Equal(t, DefaultHashCost, h.cost, "cost %d should fall back", cost)
	}
	assert.Equal(t, 4, NewPasswordHasher(4).cost)
}
