package clearnode

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest_PositionalEnvelope(t *testing.T) {
	req := Request{
		ID:        1700000000000,
		Method:    MethodCreateChannel,
		Params:    CreateChannelParams{ChainID: 137, Token: "0xtoken"},
		Timestamp: 1700000000001,
	}

	var signed []byte
	frame, err := EncodeRequest(req, func(payload []byte) (string, error) {
		signed = payload
		return "0xabc", nil
	})
	require.NoError(t, err)

	var env struct {
		Req []json.RawMessage `json:"req"`
		Sig []string          `json:"sig"`
	}
	require.NoError(t, json.Unmarshal(frame, &env))
	require.Len(t, env.Req, 4)
	assert.Equal(t, []string{"0xabc"}, env.Sig)
	assert.JSONEq(t, `1700000000000`, string(env.Req[0]))
	assert.JSONEq(t, `"create_channel"`, string(env.Req[1]))
	assert.JSONEq(t, `{"chain_id":137,"token":"0xtoken"}`, string(env.Req[2]))
	assert.JSONEq(t, `1700000000001`, string(env.Req[3]))

	payload, err := RequestPayload(req)
	require.NoError(t, err)
	assert.Equal(t, payload, signed)
}

func TestEncodeRequest_KeepsCallerSignatures(t *testing.T) {
	req := Request{ID: 1, Method: MethodAuthVerify, Params: AuthVerifyParams{Challenge: "c"}, Signatures: []string{"0xwallet"}}

	frame, err := EncodeRequest(req, func([]byte) (string, error) {
		t.Fatal("signer must not be used when signatures are present")
		return "", nil
	})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"sig":["0xwallet"]`)
}

func TestDecodeResponse_Variants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, r Response)
	}{
		{
			name:  "auth challenge",
			frame: `{"res":[7,"auth_challenge",{"challenge_message":"nonce-1"},99],"sig":["0x1"]}`,
			check: func(t *testing.T, r Response) {
				c, ok := r.(AuthChallenge)
				require.True(t, ok)
				assert.Equal(t, uint64(7), c.RequestID())
				assert.Equal(t, "nonce-1", c.ChallengeMessage)
				assert.Equal(t, []string{"0x1"}, c.Signatures)
			},
		},
		{
			name:  "auth verify wrapped in array",
			frame: `{"res":[8,"auth_verify",[{"address":"0xa","session_key":"0xk","success":true}],99],"sig":[]}`,
			check: func(t *testing.T, r Response) {
				v, ok := r.(AuthVerifyResult)
				require.True(t, ok)
				assert.True(t, v.Success)
				assert.Equal(t, "0xk", v.SessionKey)
			},
		},
		{
			name: "create channel",
			frame: `{"res":[9,"create_channel",{"channel_id":"0xc1","state":{"intent":1,"version":0,"state_data":"0x",` +
				`"allocations":[{"destination":"0xa","token":"0xt","amount":"0"}]},"server_signature":"0xs"},99],"sig":[]}`,
			check: func(t *testing.T, r Response) {
				c, ok := r.(ChannelResult)
				require.True(t, ok)
				assert.Equal(t, MethodCreateChannel, c.ResponseMethod())
				assert.Equal(t, "0xc1", c.ChannelID)
				assert.Equal(t, uint8(1), c.State.Intent)
				require.Len(t, c.State.Allocations, 1)
				assert.NotEmpty(t, c.RawState)
				assert.Equal(t, "0xs", c.ServerSignature)
			},
		},
		{
			name:  "error",
			frame: `{"res":[10,"error",{"error":"insufficient funds"},99],"sig":[]}`,
			check: func(t *testing.T, r Response) {
				e, ok := r.(ErrorResponse)
				require.True(t, ok)
				assert.Equal(t, "insufficient funds", e.Message)
			},
		},
		{
			name:  "balance update push",
			frame: `{"res":[0,"bu",{"balance_updates":[]},99],"sig":[]}`,
			check: func(t *testing.T, r Response) {
				n, ok := r.(Notification)
				require.True(t, ok)
				assert.Equal(t, MethodBalanceUpdate, n.Method)
				assert.JSONEq(t, `{"balance_updates":[]}`, string(n.Payload))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodeResponse([]byte(tt.frame))
			require.NoError(t, err)
			tt.check(t, r)
		})
	}
}

func TestDecodeResponse_Rejects(t *testing.T) {
	for _, frame := range []string{
		`not json`,
		`{"res":[1,"auth_verify",{}]}`,
		`{"res":["x","auth_verify",{},1]}`,
		`{"res":[1,"transfer",{},1]}`,
	} {
		_, err := DecodeResponse([]byte(frame))
		require.Error(t, err, frame)
		assert.ErrorIs(t, err, domain.ErrProtocol, frame)
	}
}

func TestDecodeResponse_MalformedBodyKeepsRequestID(t *testing.T) {
	for _, frame := range []string{
		`{"res":[42,"create_channel",{"channel_id":"0x1","state":"garbage"},1]}`,
		`{"res":[42,"transfer",{},1]}`,
		`{"res":[42,"auth_verify",[],1]}`,
	} {
		_, err := DecodeResponse([]byte(frame))
		var bad *MalformedError
		require.True(t, errors.As(err, &bad), frame)
		assert.Equal(t, uint64(42), bad.ID, frame)
		assert.ErrorIs(t, err, domain.ErrProtocol, frame)
	}

	_, err := DecodeResponse([]byte(`{"res":["x","auth_verify",{},1]}`))
	var bad *MalformedError
	assert.False(t, errors.As(err, &bad))
}
