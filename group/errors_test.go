package group

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	err := newError(ErrStaging, "bob", "commit over %d proposals", 3)
	require.ErrorIs(t, err, ErrStaging)
	assert.NotErrorIs(t, err, ErrJoin)
	assert.Equal(t, "bob: staging error: commit over 3 proposals", err.Error())

	wrapped := fmt.Errorf("scenario step: %w", err)
	assert.Equal(t, ErrStaging, KindOf(wrapped))
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
}

func TestWrapErrorKeepsCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := wrapError(ErrStorage, "", cause, "load signing key")
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "storage error: load signing key: disk on fire", err.Error())
}

func TestMessageEnvelope(t *testing.T) {
	msg := NewExternalJoinProposal([]byte{1, 2, 3})
	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	_, err = DecodeMessage(append(data, 0))
	require.ErrorIs(t, err, ErrMessageFormat)

	data[0] = 0
	_, err = DecodeMessage(data)
	require.ErrorIs(t, err, ErrMessageFormat)
}
