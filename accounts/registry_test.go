package accounts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	env := map[string]string{
		"ACCOUNT_CONFIG_2": "billing@example.com:pa:ss",
		"ACCOUNT_CONFIG_1": " ops@example.com:secret ",
		"PATH":             "/usr/bin",
		"ACCOUNT_CONFIG_X": "ignored@example.com:nope",
	}
	cfg := config.AccountsConfig{
		Display: []config.AccountDisplay{{ID: 1, DisplayName: "Operations"}},
	}

	r, err := FromEnv(env, cfg)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, r.IDs())

	ops, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, "ops@example.com", ops.Address)
	assert.Equal(t, "secret", ops.Secret)
	assert.Equal(t, "Operations", ops.DisplayName)

	billing, ok := r.Get(2)
	require.True(t, ok)
	assert.Equal(t, "pa:ss", billing.Secret, "secret keeps everything after the first colon")
	assert.Equal(t, "billing@example.com", billing.DisplayName)
}

func TestFromEnv_Errors(t *testing.T) {
	_, err := FromEnv(map[string]string{"HOME": "/root"}, config.AccountsConfig{})
	assert.ErrorIs(t, err, consts.ErrNoAccounts)

	_, err = FromEnv(map[string]string{"ACCOUNT_CONFIG_1": "no-secret@example.com"}, config.AccountsConfig{})
	assert.ErrorIs(t, err, consts.ErrInvalidConfig)

	_, err = FromEnv(map[string]string{"ACCOUNT_CONFIG_0": "a@example.com:x"}, config.AccountsConfig{})
	assert.ErrorIs(t, err, consts.ErrInvalidConfig)

	_, err = FromEnv(map[string]string{"ACCOUNT_CONFIG_1": "a@example.com:x"}, config.AccountsConfig{
		Access: map[string][]string{"ops": {"7"}},
	})
	assert.ErrorIs(t, err, consts.ErrInvalidConfig, "grants must reference configured accounts")
}

func TestLoad_EnvFileAndEnvironment(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "ACCOUNT_CONFIG_41=file@example.com:from-file\nACCOUNT_CONFIG_42=shadowed@example.com:from-file\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))
	t.Setenv("ACCOUNT_CONFIG_42", "env@example.com:from-env")

	r, err := Load(config.AccountsConfig{EnvFile: envFile})
	require.NoError(t, err)

	a, ok := r.Get(41)
	require.True(t, ok)
	assert.Equal(t, "from-file", a.Secret)

	b, ok := r.Get(42)
	require.True(t, ok)
	assert.Equal(t, "env@example.com", b.Address, "process environment wins over the file")
}

func TestLoad_MissingEnvFile(t *testing.T) {
	_, err := Load(config.AccountsConfig{EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	assert.ErrorIs(t, err, consts.ErrInvalidConfig)
}

func newTestRegistry(t *testing.T, access map[string][]string) *Registry {
	t.Helper()
	r, err := FromEnv(map[string]string{
		"ACCOUNT_CONFIG_1": "ops@example.com:a",
		"ACCOUNT_CONFIG_2": "billing@example.com:b",
		"ACCOUNT_CONFIG_3": "customs@example.com:c",
	}, config.AccountsConfig{Access: access})
	require.NoError(t, err)
	return r
}

func TestRegistry_OpenWithoutPolicy(t *testing.T) {
	r := newTestRegistry(t, nil)
	assert.True(t, r.CanAccess("anyone", 2))
	assert.False(t, r.CanAccess("anyone", 99))
	assert.Equal(t, []int{1, 2, 3}, r.Accessible("anyone"))
}

func TestRegistry_StaticPolicy(t *testing.T) {
	r := newTestRegistry(t, map[string][]string{
		"clerk": {"1", "3"},
		"admin": {"*"},
	})

	assert.Equal(t, []int{1, 3}, r.Accessible("clerk"))
	assert.Equal(t, []int{1, 2, 3}, r.Accessible("admin"))
	assert.Empty(t, r.Accessible("stranger"))
	assert.False(t, r.CanAccess("clerk", 2))
	assert.Equal(t, []int{1, 2, 3}, r.Accessible(SystemPrincipal))
	assert.False(t, r.CanAccess(SystemPrincipal, 9))
}

func TestRegistry_Resolve(t *testing.T) {
	r := newTestRegistry(t, map[string][]string{"clerk": {"1", "3"}})

	all, err := r.Resolve("clerk", "all")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].ID)
	assert.Equal(t, 3, all[1].ID)

	one, err := r.Resolve("clerk", "3")
	require.NoError(t, err)
	assert.Equal(t, "customs@example.com", one[0].Address)

	_, err = r.Resolve("clerk", "2")
	assert.ErrorIs(t, err, consts.ErrAccessDenied)

	_, err = r.Resolve("clerk", "9")
	assert.ErrorIs(t, err, consts.ErrAccountNotFound)

	_, err = r.Resolve("clerk", "ops")
	assert.ErrorIs(t, err, consts.ErrInvalidRequest)

	_, err = r.Resolve("stranger", "all")
	assert.ErrorIs(t, err, consts.ErrAccessDenied)
}
