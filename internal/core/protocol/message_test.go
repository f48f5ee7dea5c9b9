package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/remoteserver/internal/core/errs"
)

func TestJSONCodec_DecodeFrame(t *testing.T) {
	codec := JSONCodec{}

	frame, err := codec.DecodeFrame([]byte(`{"id":7,"method":"echo","type":"string","payload":"hi"}`))
	require.NoError(t, err)
	assert.EqualValues(t, 7, frame.ID)
	assert.Equal(t, "echo", frame.Method)
	assert.Equal(t, "string", frame.Type)
	assert.JSONEq(t, `"hi"`, string(frame.Payload))

	_, err = codec.DecodeFrame([]byte(`{"id":1}`))
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = codec.DecodeFrame([]byte(`not json`))
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestErrorReply_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"capacity", errs.Capacity(3), errs.ErrCapacity},
		{"rejected", errs.Rejected("remote.Secret"), errs.ErrRejected},
		{"rate limited", errs.New(errs.CodeRateLimited, "rate limit exceeded", nil), errs.ErrRateLimited},
		{"wrapped", errors.Join(errors.New("context"), errs.NotFound("client x")), errs.ErrNotFound},
		{"plain", errors.New("boom"), errs.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := JSONCodec{}.Encode(NewErrorReply(4, tt.err))
			require.NoError(t, err)

			reply, err := JSONCodec{}.DecodeReply(data)
			require.NoError(t, err)
			assert.Equal(t, StatusError, reply.Status)
			assert.EqualValues(t, 4, reply.ID)
			assert.ErrorIs(t, reply.Error.Err(), tt.sentinel)
			if tt.sentinel != errs.ErrCapacity {
				assert.NotErrorIs(t, reply.Error.Err(), errs.ErrCapacity)
			}
		})
	}
}

func TestNewResultReply(t *testing.T) {
	reply, err := NewResultReply(2, map[string]int{"sum": 6})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, reply.Status)
	assert.JSONEq(t, `{"sum":6}`, string(reply.Result))

	reply, err = NewResultReply(3, nil)
	require.NoError(t, err)
	assert.Nil(t, reply.Result)

	_, err = NewResultReply(4, json.RawMessage(`{`))
	require.Error(t, err)
}
