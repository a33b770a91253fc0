package connection

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPairingResult_String(t *testing.T) {
	assert.Equal(t, "Unpaired", PairingUnpaired.String())
	assert.Equal(t, "Paired", PairingPaired.String())
	assert.Equal(t, "Failed", PairingFailed.String())
	assert.Equal(t, "Failed", PairingResult(42).String())
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, Paired, StatusOf(Paired).State())
	assert.Equal(t, "Paired", StatusOf(Paired).String())
	assert.Equal(t, "AwaitingConnection", StatusOf(AwaitingConnection).String())
}

func TestErrorStatus_UnwrapsCause(t *testing.T) {
	status := ErrorStatus{Message: "Re-pairing the device failed", Err: ErrPairingFailure}
	assert.Equal(t, Failed, status.State())
	assert.True(t, errors.Is(status, ErrPairingFailure))
}
