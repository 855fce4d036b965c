package clearnode

import (
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// Method names an RPC method on the clearing node.
type Method string

const (
	MethodAuthRequest   Method = "auth_request"
	MethodAuthChallenge Method = "auth_challenge"
	MethodAuthVerify    Method = "auth_verify"
	MethodCreateChannel Method = "create_channel"
	MethodResizeChannel Method = "resize_channel"
	MethodCloseChannel  Method = "close_channel"
	MethodError         Method = "error"

	// Server pushes that are not replies to a request.
	MethodBalanceUpdate Method = "bu"
	MethodChannelUpdate Method = "cu"
	MethodAssets        Method = "assets"
	MethodPing          Method = "ping"
	MethodPong          Method = "pong"
)

// Bootstrap reports whether a request with this method may be sent before
// the transport is authorized.
func (m Method) Bootstrap() bool {
	return m == MethodAuthRequest || m == MethodAuthVerify
}

// Request is an outbound RPC call. ID and Timestamp are assigned by the
// client; Signatures are filled by the caller for auth_verify and by the
// client's request signer otherwise.
type Request struct {
	ID         uint64
	Method     Method
	Params     any
	Timestamp  int64
	Signatures []string
}

// Allowance caps the amount of an asset the session key may move.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// AuthRequestParams opens the authentication handshake.
type AuthRequestParams struct {
	Address     string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	Application string      `json:"application"`
	Allowances  []Allowance `json:"allowances"`
	Scope       string      `json:"scope"`
	ExpiresAt   int64       `json:"expires_at"`
}

// AuthVerifyParams answers an auth challenge. The wallet signature travels
// in the request's signature list.
type AuthVerifyParams struct {
	Challenge string `json:"challenge"`
}

// CreateChannelParams asks the node to prepare a channel on a chain.
type CreateChannelParams struct {
	ChainID int64  `json:"chain_id"`
	Token   string `json:"token"`
}

// ResizeChannelParams moves funds into (positive) or out of a channel.
type ResizeChannelParams struct {
	ChannelID        string `json:"channel_id"`
	ResizeAmount     string `json:"resize_amount"`
	FundsDestination string `json:"funds_destination"`
}

// CloseChannelParams asks the node for a final state.
type CloseChannelParams struct {
	ChannelID        string `json:"channel_id"`
	FundsDestination string `json:"funds_destination"`
}

// Allocation assigns part of a channel's funds to a destination.
type Allocation struct {
	Destination string `json:"destination"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
}

// ChannelState is the state the node proposes for on-chain submission.
type ChannelState struct {
	Intent      uint8        `json:"intent"`
	Version     uint64       `json:"version"`
	StateData   string       `json:"state_data"`
	Allocations []Allocation `json:"allocations"`
}

// Response is one decoded reply or push from the node. The set of
// implementations is closed: AuthChallenge, AuthVerifyResult,
// ChannelResult, ErrorResponse and Notification.
type Response interface {
	RequestID() uint64
	ResponseMethod() Method
	isResponse()
}

// Header carries the positional envelope fields common to every response.
type Header struct {
	ID         uint64   `json:"-"`
	Method     Method   `json:"-"`
	Timestamp  int64    `json:"-"`
	Signatures []string `json:"-"`
}

func (h Header) RequestID() uint64      { return h.ID }
func (h Header) ResponseMethod() Method { return h.Method }
func (Header) isResponse()              {}

// AuthChallenge is the reply to auth_request.
type AuthChallenge struct {
	Header
	ChallengeMessage string `json:"challenge_message"`
}

// AuthVerifyResult is the reply to auth_verify.
type AuthVerifyResult struct {
	Header
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
	Success    bool   `json:"success"`
	JWTToken   string `json:"jwt_token,omitempty"`
}

// ChannelResult is the reply to create_channel, resize_channel and
// close_channel. RawState holds the state exactly as the node sent it; it
// is what gets submitted on chain.
type ChannelResult struct {
	Header
	ChannelID       string          `json:"channel_id"`
	State           ChannelState    `json:"-"`
	RawState        json.RawMessage `json:"state"`
	ServerSignature string          `json:"server_signature"`
}

// ErrorResponse is the node's rejection of a request.
type ErrorResponse struct {
	Header
	Message string `json:"error"`
}

// Notification is an unsolicited push such as a balance update or ping.
type Notification struct {
	Header
	Payload json.RawMessage
}

// ServerError is returned by Call when the node answers with an error
// response.
type ServerError struct {
	RequestID uint64
	Method    Method
	Message   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("clearnode: %s (request %d): %s", e.Method, e.RequestID, e.Message)
}

func (e *ServerError) Unwrap() error { return domain.ErrProtocol }
