package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var got string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = UserIDFromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, got
}

func TestHeaderNamesUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "alice@example.com")

	w, got := serve(t, req)
	assert.Equal(t, "alice@example.com", got)
	assert.Empty(t, w.Result().Cookies())
}

func TestInvalidHeaderIsRejected(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "../../etc/passwd")

	w, got := serve(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, got)
}

func TestAnonymousCookieIsIssuedAndReused(t *testing.T) {
	w, first := serve(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Regexp(t, `^anon_[a-f0-9]{32}$`, first)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	_, second := serve(t, req)
	assert.Equal(t, first, second)
}
