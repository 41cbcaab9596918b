package control

import (
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	ready  bool
	reason string
}

func (f fakeStatus) Ready() (bool, string) { return f.ready, f.reason }

func TestHealthHandlerAlwaysHealthy(t *testing.T) {
	s := NewServer(fakeStatus{ready: false, reason: "restoring"})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestReadyHandlerReflectsStatusProvider(t *testing.T) {
	s := NewServer(fakeStatus{ready: false, reason: "gate recovery pending"})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.handleReady(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp readyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, "gate recovery pending", resp.Reason)
}

func TestReadyHandlerWhenReady(t *testing.T) {
	s := NewServer(fakeStatus{ready: true})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.handleReady(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCertAuthorityIssuesValidLeaf(t *testing.T) {
	ca, err := NewCertAuthority()
	require.NoError(t, err)
	cert, err := ca.IssueServerCertificate([]string{"localhost"}, nil)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	pool := ca.RootCAPool()
	_, err = cert.Leaf.Verify(x509.VerifyOptions{Roots: pool})
	assert.NoError(t, err)
}
