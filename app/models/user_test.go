package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUser(t *testing.T) {
	u, err := CreateUser("pulldeck-dev", "dev@pulldeck.app", "hunter2secret")
	require.NoError(t, err)

	assert.Equal(t, ROLE_USER, u.Role)
	assert.Equal(t, STATUS_INACTIVE, u.Status)
	assert.Equal(t, PlanFree, u.Plan)
	assert.False(t, u.IsActive())

	// The password is stored as a bcrypt hash, never verbatim.
	assert.NotEqual(t, "hunter2secret", u.Password)
	assert.True(t, u.CheckPassword("hunter2secret"))
	assert.False(t, u.CheckPassword("wrong"))
}

func TestCreateUserValidation(t *testing.T) {
	tests := []struct {
		name     string
		username string
		email    string
		password string
	}{
		{name: "short name", username: "ab", email: "dev@pulldeck.app", password: "hunter2secret"},
		{name: "bad email", username: "pulldeck-dev", email: "not-an-email", password: "hunter2secret"},
	}

	for _, tt := range tests {
		_, err := CreateUser(tt.username, tt.email, tt.password)
		assert.Error(t, err, tt.name)
	}
}

func TestUserSetPassword(t *testing.T) {
	u, err := CreateUser("pulldeck-dev", "dev@pulldeck.app", "hunter2secret")
	require.NoError(t, err)

	require.NoError(t, u.SetPassword("betterpassword"))
	assert.False(t, u.CheckPassword("hunter2secret"))
	assert.True(t, u.CheckPassword("betterpassword"))
}

func TestUserIsActive(t *testing.T) {
	u := &User{Status: STATUS_ACTIVE}
	assert.True(t, u.IsActive())

	for _, status := range []string{STATUS_INACTIVE, STATUS_DISABLED} {
		u.Status = status
		assert.False(t, u.IsActive(), status)
	}
}

func TestCheckPasswordHash(t *testing.T) {
	hash, err := HashPassword("hunter2secret")
	require.NoError(t, err)

	assert.True(t, CheckPasswordHash("hunter2secret", hash))
	assert.False(t, CheckPasswordHash("hunter2secret", "not-a-hash"))
}
