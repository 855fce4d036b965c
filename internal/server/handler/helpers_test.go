package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

func TestStatusFor(t *testing.T) {
	cases := map[domain.ErrorKind]int{
		domain.KindInvalidAmount:         http.StatusBadRequest,
		domain.KindAuthRejected:          http.StatusUnauthorized,
		domain.KindMarketNotFound:        http.StatusNotFound,
		domain.KindInsufficientBalance:   http.StatusConflict,
		domain.KindLockHeld:              http.StatusConflict,
		domain.KindRateLimited:           http.StatusTooManyRequests,
		domain.KindTimeout:               http.StatusGatewayTimeout,
		domain.KindChainSubmissionFailed: http.StatusBadGateway,
		domain.KindInternal:              http.StatusInternalServerError,
		domain.KindNone:                  http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), "kind %q", kind)
	}
}

func TestParseListOpts(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/bets?limit=900&offset=-3", nil)
	opts := parseListOpts(r)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 0, opts.Offset)

	r = httptest.NewRequest(http.MethodGet, "/api/bets?limit=10&offset=20", nil)
	opts = parseListOpts(r)
	assert.Equal(t, 10, opts.Limit)
	assert.Equal(t, 20, opts.Offset)
}

func TestParseAmount(t *testing.T) {
	_, err := parseAmount("")
	assert.Error(t, err)
	_, err = parseAmount("ten")
	assert.Error(t, err)
	d, err := parseAmount("12.5")
	assert.NoError(t, err)
	assert.Equal(t, "12.5", d.String())
}
