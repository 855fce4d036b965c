package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACAuth_RoundTrip(t *testing.T) {
	h := &HMACAuth{Secret: "s3cret", MaxSkew: time.Minute}
	now := time.Unix(1_800_000_000, 0)
	body := `{"market_id":"m1","outcome":"YES"}`

	hdr := h.HeadersAt("POST", "/api/oracle/resolutions", body, now.Unix())
	require.NoError(t, h.Verify("POST", "/api/oracle/resolutions", body, hdr[HeaderTimestamp], hdr[HeaderSignature], now))

	assert.ErrorIs(t, h.Verify("POST", "/api/oracle/resolutions", `{}`, hdr[HeaderTimestamp], hdr[HeaderSignature], now), ErrBadSignature)
	assert.ErrorIs(t, h.Verify("POST", "/api/other", body, hdr[HeaderTimestamp], hdr[HeaderSignature], now), ErrBadSignature)
	assert.ErrorIs(t, h.Verify("POST", "/api/oracle/resolutions", body, hdr[HeaderTimestamp], hdr[HeaderSignature], now.Add(2*time.Minute)), ErrBadSignature)
	assert.ErrorIs(t, h.Verify("POST", "/api/oracle/resolutions", body, "yesterday", hdr[HeaderSignature], now), ErrBadSignature)

	other := &HMACAuth{Secret: "different"}
	assert.ErrorIs(t, other.Verify("POST", "/api/oracle/resolutions", body, hdr[HeaderTimestamp], hdr[HeaderSignature], now), ErrBadSignature)
}

func TestHMACAuth_StringRedacts(t *testing.T) {
	h := &HMACAuth{Secret: "supersecretvalue"}
	assert.Equal(t, "HMACAuth{secret=supe****}", h.String())
}
