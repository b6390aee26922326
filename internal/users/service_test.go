package users

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ryde-service/internal/auth"
	"ryde-service/pkg/jwt"
)

var userCols = []string{"id", "name", "email", "clerk_id", "created_at"}

type fakeVerifier map[string]*auth.Identity

func (f fakeVerifier) VerifySession(_ context.Context, token string) (*auth.Identity, error) {
	if id, ok := f[token]; ok {
		return id, nil
	}
	return nil, errors.New("token expired")
}

func setup(t *testing.T, verifier auth.SessionVerifier) (http.Handler, pgxmock.PgxPoolIface) {
	t.Helper()
	require.NoError(t, jwt.Init("test-secret"))
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	r := chi.NewRouter()
	r.Use(jwt.OptionalAuth)
	r.Mount("/users", NewHandler(NewService(mock, verifier)).Routes())
	return r, mock
}

func send(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterIssuesSessionToken(t *testing.T) {
	verifier := fakeVerifier{"sess_tok": {UserID: "user_jane", Email: "jane@x.com"}}
	h, mock := setup(t, verifier)

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("Jane", "jane@x.com", "user_jane").
		WillReturnRows(mock.NewRows(userCols).AddRow(int64(1), "Jane", "jane@x.com", "user_jane", time.Now()))

	rec := send(h, http.MethodPost, "/users", `{"name":"Jane","email":"jane@x.com","clerkId":"user_jane"}`,
		map[string]string{SessionHeader: "sess_tok"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data AuthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user_jane", resp.Data.User.ClerkID)

	claims, err := jwt.Validate(resp.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, "user_jane", claims.UserID)
}

func TestRegisterRejectsMismatchedOrMissingSession(t *testing.T) {
	verifier := fakeVerifier{"sess_tok": {UserID: "user_jane"}}
	h, _ := setup(t, verifier)
	body := `{"name":"Mallory","email":"m@x.com","clerkId":"user_jane_2"}`

	rec := send(h, http.MethodPost, "/users", body, map[string]string{SessionHeader: "sess_tok"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = send(h, http.MethodPost, "/users", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = send(h, http.MethodPost, "/users", body, map[string]string{SessionHeader: "bogus"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid session"}`, rec.Body.String())
}

func TestRegisterValidation(t *testing.T) {
	h, _ := setup(t, nil)

	rec := send(h, http.MethodPost, "/users", `{"name":"Jane","email":"jane@x.com"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing required fields"}`, rec.Body.String())

	rec = send(h, http.MethodPost, "/users", `{"name":"Jane","email":"jane","clerkId":"user_jane"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterEmailTakenByAnotherIdentity(t *testing.T) {
	h, mock := setup(t, nil)
	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("Jane", "jane@x.com", "user_other").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"})

	rec := send(h, http.MethodPost, "/users", `{"name":"Jane","email":"jane@x.com","clerkId":"user_other"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionExchange(t *testing.T) {
	verifier := fakeVerifier{"sess_tok": {UserID: "user_jane"}}
	h, mock := setup(t, verifier)

	mock.ExpectQuery(`FROM users WHERE clerk_id = \$1`).
		WithArgs("user_jane").
		WillReturnRows(mock.NewRows(userCols).AddRow(int64(1), "Jane", "jane@x.com", "user_jane", time.Now()))
	mock.ExpectQuery(`FROM users WHERE clerk_id = \$1`).
		WithArgs("user_jane").
		WillReturnRows(mock.NewRows(userCols).AddRow(int64(1), "Jane", "jane@x.com", "user_jane", time.Now()))

	rec := send(h, http.MethodPost, "/users/session", "", map[string]string{SessionHeader: "sess_tok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data AuthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = send(h, http.MethodGet, "/users/me", "", map[string]string{"Authorization": "Bearer " + resp.Data.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"clerk_id":"user_jane"`)
}

func TestSessionForUnregisteredIdentity(t *testing.T) {
	verifier := fakeVerifier{"sess_tok": {UserID: "user_new"}}
	h, mock := setup(t, verifier)
	mock.ExpectQuery(`FROM users`).WithArgs("user_new").WillReturnRows(mock.NewRows(userCols))

	rec := send(h, http.MethodPost, "/users/session", "", map[string]string{SessionHeader: "sess_tok"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMeRequiresLocalSession(t *testing.T) {
	h, _ := setup(t, nil)
	rec := send(h, http.MethodGet, "/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
