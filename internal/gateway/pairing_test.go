// ABOUTME: Tests for the pairing endpoints and URL construction.
// ABOUTME: Validates embedded tokens, advertise-host override, and QR output.

package gateway

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/periscope-gateway/internal/auth"
)

func TestPairURLEndpoint(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	tg.gw.config.Server.AdvertiseHost = "192.168.1.50"

	resp, err := http.Get(tg.server.URL + "/pair/url")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	pairingURL := string(body)

	require.True(t, strings.HasPrefix(pairingURL, "ws://192.168.1.50:3333/ws?token="),
		"unexpected pairing URL %q", pairingURL)

	// The embedded token must be a valid pairing token for this gateway.
	parsed, err := url.Parse(pairingURL)
	require.NoError(t, err)
	subject, err := tg.gw.tokens.Validate(parsed.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, auth.PairingSubject, subject)
}

func TestPairURLIssuesFreshTokens(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	tg.gw.config.Server.AdvertiseHost = "10.0.0.2"

	fetch := func() string {
		resp, err := http.Get(tg.server.URL + "/pair/url")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	first := fetch()
	second := fetch()
	assert.NotEqual(t, first, second, "each pairing request mints its own token")
}

func TestPairImageEndpoint(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	tg.gw.config.Server.AdvertiseHost = "192.168.1.50"

	resp, err := http.Get(tg.server.URL + "/pair")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	pngMagic := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	require.True(t, bytes.HasPrefix(body, pngMagic), "body is not a PNG image")
}

func TestDetectLocalIPFallsBack(t *testing.T) {
	// Whatever the environment, detection must return something usable.
	ip := detectLocalIP()
	assert.NotEmpty(t, ip)
}

func TestAdvertisedHostPrefersConfig(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")

	tg.gw.config.Server.AdvertiseHost = "gateway.example"
	assert.Equal(t, "gateway.example", tg.gw.advertisedHost())

	tg.gw.config.Server.AdvertiseHost = ""
	assert.NotEmpty(t, tg.gw.advertisedHost())
}
