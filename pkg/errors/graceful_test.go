package errors

import (
	stderrors "errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/freightdesk/mailingest/consts"
	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitConfig, ExitCode(fmt.Errorf("load: %w", consts.ErrNoAccounts)))
	assert.Equal(t, ExitConfig, ExitCode(fmt.Errorf("%w: bad driver", consts.ErrInvalidConfig)))
	assert.Equal(t, ExitFailure, ExitCode(stderrors.New("dial tcp: connection refused")))
}

func TestGracefulErrorUnwraps(t *testing.T) {
	err := NewGracefulError("open store", consts.ErrStore)
	assert.ErrorIs(t, err, consts.ErrStore)
	assert.Contains(t, err.Error(), "open store")
}

func TestFirstErrorWins(t *testing.T) {
	eh := NewErrorHandler()
	eh.ValidationError("imap.host", stderrors.New("required"))
	eh.FatalError("serve", stderrors.New("boom"))

	code, ok := eh.WaitForExitWithTimeout(time.Second)
	assert.True(t, ok)
	assert.Equal(t, ExitConfig, code)

	_, ok = eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestConfigErrorMissingFile(t *testing.T) {
	eh := NewErrorHandler()
	_, err := os.Open("/nonexistent/mailingest.toml")
	eh.ConfigError("/nonexistent/mailingest.toml", err)
	assert.Equal(t, ExitConfig, eh.WaitForExit())
}
