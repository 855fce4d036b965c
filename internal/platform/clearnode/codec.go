package clearnode

import (
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// RequestSigner signs the canonical bytes of a request's "req" array and
// returns a 0x-prefixed hex signature.
type RequestSigner func(payload []byte) (string, error)

type requestEnvelope struct {
	Req json.RawMessage `json:"req"`
	Sig []string        `json:"sig"`
}

type responseEnvelope struct {
	Res []json.RawMessage `json:"res"`
	Sig []string          `json:"sig"`
}

// EncodeRequest renders req in the positional envelope. When req carries no
// signatures and sign is non-nil, the request is signed with it.
func EncodeRequest(req Request, sign RequestSigner) ([]byte, error) {
	payload, err := RequestPayload(req)
	if err != nil {
		return nil, fmt.Errorf("clearnode: encode %s: %w", req.Method, err)
	}

	sigs := req.Signatures
	if len(sigs) == 0 && sign != nil {
		sig, err := sign(payload)
		if err != nil {
			return nil, fmt.Errorf("clearnode: sign %s: %w", req.Method, err)
		}
		sigs = []string{sig}
	}
	if sigs == nil {
		sigs = []string{}
	}

	return json.Marshal(requestEnvelope{Req: payload, Sig: sigs})
}

// RequestPayload returns the canonical bytes a request signer sees for req.
func RequestPayload(req Request) ([]byte, error) {
	params := req.Params
	if params == nil {
		params = struct{}{}
	}
	return json.Marshal([]any{req.ID, req.Method, params, req.Timestamp})
}

// MalformedError is returned for a frame whose header decoded but whose
// result did not. ID names the request the frame answers.
type MalformedError struct {
	ID     uint64
	Method Method
	Err    error
}

func (e *MalformedError) Error() string { return e.Err.Error() }

func (e *MalformedError) Unwrap() error { return e.Err }

// DecodeResponse parses one inbound frame into its typed variant. Frames
// that do not match the envelope, and replies for methods this client never
// calls, are reported as domain.ErrProtocol. Once the header is readable the
// error is a *MalformedError.
func DecodeResponse(data []byte) (Response, error) {
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("clearnode: decode envelope: %w: %v", domain.ErrProtocol, err)
	}
	if len(env.Res) != 4 {
		return nil, fmt.Errorf("clearnode: decode envelope: %w: res has %d elements", domain.ErrProtocol, len(env.Res))
	}

	var h Header
	if err := json.Unmarshal(env.Res[0], &h.ID); err != nil {
		return nil, fmt.Errorf("clearnode: decode request id: %w: %v", domain.ErrProtocol, err)
	}
	if err := json.Unmarshal(env.Res[1], &h.Method); err != nil {
		return nil, fmt.Errorf("clearnode: decode method: %w: %v", domain.ErrProtocol, err)
	}
	if err := json.Unmarshal(env.Res[3], &h.Timestamp); err != nil {
		return nil, &MalformedError{ID: h.ID, Method: h.Method,
			Err: fmt.Errorf("clearnode: decode timestamp: %w: %v", domain.ErrProtocol, err)}
	}
	h.Signatures = env.Sig

	resp, err := decodeBody(h, env.Res[2])
	if err != nil {
		return nil, &MalformedError{ID: h.ID, Method: h.Method, Err: err}
	}
	return resp, nil
}

func decodeBody(h Header, result json.RawMessage) (Response, error) {
	switch h.Method {
	case MethodAuthChallenge, MethodAuthRequest:
		// Some nodes echo the request method instead of auth_challenge.
		r := AuthChallenge{Header: h}
		if err := decodeResult(result, &r); err != nil {
			return nil, err
		}
		r.Method = MethodAuthChallenge
		return r, nil

	case MethodAuthVerify:
		r := AuthVerifyResult{Header: h}
		if err := decodeResult(result, &r); err != nil {
			return nil, err
		}
		return r, nil

	case MethodCreateChannel, MethodResizeChannel, MethodCloseChannel:
		r := ChannelResult{Header: h}
		if err := decodeResult(result, &r); err != nil {
			return nil, err
		}
		if len(r.RawState) > 0 && string(r.RawState) != "null" {
			if err := json.Unmarshal(r.RawState, &r.State); err != nil {
				return nil, fmt.Errorf("clearnode: decode %s state: %w: %v", h.Method, domain.ErrProtocol, err)
			}
		}
		return r, nil

	case MethodError:
		r := ErrorResponse{Header: h}
		if err := decodeResult(result, &r); err != nil {
			// A bare string is accepted as the message.
			var msg string
			if json.Unmarshal(result, &msg) != nil {
				return nil, err
			}
			r.Message = msg
		}
		return r, nil

	case MethodBalanceUpdate, MethodChannelUpdate, MethodAssets, MethodPing, MethodPong:
		return Notification{Header: h, Payload: append(json.RawMessage(nil), result...)}, nil
	}

	return nil, fmt.Errorf("clearnode: unknown method %q: %w", h.Method, domain.ErrProtocol)
}

func decodeResult(raw json.RawMessage, v any) error {
	// Nodes wrap results in a one-element array.
	var wrapped []json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if len(wrapped) == 0 {
			return fmt.Errorf("clearnode: decode result: %w: empty result", domain.ErrProtocol)
		}
		raw = wrapped[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("clearnode: decode result: %w: %v", domain.ErrProtocol, err)
	}
	return nil
}
