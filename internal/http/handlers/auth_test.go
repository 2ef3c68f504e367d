package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyfort/server/internal/auth"
	"github.com/keyfort/server/internal/codestore"
	internalhttp "github.com/keyfort/server/internal/http"
	"github.com/keyfort/server/internal/http/handlers"
	"github.com/keyfort/server/internal/model"
	"github.com/keyfort/server/internal/repo"
	"github.com/keyfort/server/internal/seclog"
)

type memUserRepo struct {
	users map[string]model.User // keyed by ID
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]model.User)}
}

func (m *memUserRepo) GetByID(_ context.Context, id string) (model.User, error) {
	u, ok := m.users[id]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return u, nil
}

func (m *memUserRepo) GetByEmail(_ context.Context, email string) (model.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repo.ErrNotFound
}

func (m *memUserRepo) Create(_ context.Context, email, passwordHash string) (model.User, error) {
	if _, err := m.GetByEmail(context.Background(), email); err == nil {
		return model.User{}, repo.ErrDuplicateEmail
	}
	u := model.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    time.Now(),
	}
	m.users[u.ID.String()] = u
	return u, nil
}

type memProfileRepo struct {
	profiles map[uuid.UUID]model.Profile
}

func newMemProfileRepo() *memProfileRepo {
	return &memProfileRepo{profiles: make(map[uuid.UUID]model.Profile)}
}

func (m *memProfileRepo) Get(_ context.Context, userID uuid.UUID) (model.Profile, error) {
	p, ok := m.profiles[userID]
	if !ok {
		return model.Profile{}, repo.ErrNotFound
	}
	return p, nil
}

func (m *memProfileRepo) Upsert(_ context.Context, p model.Profile) (model.Profile, error) {
	p.UpdatedAt = time.Now()
	m.profiles[p.UserID] = p
	return p, nil
}

type testEnv struct {
	router http.Handler
	users  *memUserRepo
	pins   *codestore.Store
	events *seclog.Log
	jwt    *auth.JWTService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	users := newMemUserRepo()
	profiles := newMemProfileRepo()
	events := seclog.New(seclog.Options{})
	pins := codestore.New(15 * time.Minute)
	unlocks := codestore.New(15 * time.Minute)
	jwtService := auth.NewJWTService("test-secret", time.Hour)
	logger := zap.NewNop()

	service := auth.NewService(
		users, pins, unlocks, events, jwtService,
		codestore.Policy{Length: 4, TTL: 10 * time.Minute, MaxAttempts: 3},
		codestore.Policy{Length: 6, TTL: 30 * time.Minute, MaxAttempts: 3},
		logger,
	)

	router := internalhttp.NewRouter(
		handlers.NewAuthHandler(service, logger, true),
		handlers.NewProfileHandler(profiles, logger),
		handlers.NewAdminHandler(pins, events, logger),
		jwtService,
		users,
	)
	return &testEnv{router: router, users: users, pins: pins, events: events, jwt: jwtService}
}

func (env *testEnv) addUser(t *testing.T, email, password string) model.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	u := model.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
		Active:       true,
		CreatedAt:    time.Now(),
	}
	env.users.users[u.ID.String()] = u
	return u
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:1234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func decodeData(t *testing.T, resp envelope, out interface{}) {
	t.Helper()
	require.NotEmpty(t, resp.Data)
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestLoginToSessionFlow(t *testing.T) {
	env := newTestEnv(t)
	user := env.addUser(t, "alice@example.com", "hunter2-long")

	rec, resp := env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": user.Email, "password": "hunter2-long"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "pin_issued", resp.Message)

	var login struct {
		UserID   string `json:"user_id"`
		DebugPin string `json:"debug_pin"`
	}
	decodeData(t, resp, &login)
	assert.Equal(t, user.ID.String(), login.UserID)
	require.Len(t, login.DebugPin, 4)

	rec, resp = env.do(t, http.MethodPost, "/auth/pin",
		map[string]string{"user_id": login.UserID, "pin": login.DebugPin}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "authenticated", resp.Message)

	var session struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		User        struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
	}
	decodeData(t, resp, &session)
	assert.Equal(t, "bearer", session.TokenType)
	assert.Equal(t, user.Email, session.User.Email)

	rec, resp = env.do(t, http.MethodGet, "/me", nil, session.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	decodeData(t, resp, &me)
	assert.Equal(t, user.ID.String(), me.ID)
}

func TestLoginInvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice@example.com", "hunter2-long")

	cases := []struct {
		name string
		body map[string]string
	}{
		{"unknown email", map[string]string{"email": "nobody@example.com", "password": "hunter2-long"}},
		{"wrong password", map[string]string{"email": "alice@example.com", "password": "wrong-password"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := env.do(t, http.MethodPost, "/auth/login", tc.body, "")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.False(t, resp.Success)
			assert.Equal(t, "invalid credentials", resp.Message)
		})
	}
}

func TestLoginValidation(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@b.c"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)
}

func TestPinLockoutEnvelope(t *testing.T) {
	env := newTestEnv(t)
	user := env.addUser(t, "alice@example.com", "hunter2-long")

	_, resp := env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": user.Email, "password": "hunter2-long"}, "")
	var login struct {
		UserID   string `json:"user_id"`
		DebugPin string `json:"debug_pin"`
	}
	decodeData(t, resp, &login)

	wrong := "0000"
	if login.DebugPin == wrong {
		wrong = "1111"
	}

	var rec *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		rec, resp = env.do(t, http.MethodPost, "/auth/pin",
			map[string]string{"user_id": login.UserID, "pin": wrong}, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	var failure struct {
		AttemptsRemaining int        `json:"attempts_remaining"`
		LockedUntil       *time.Time `json:"locked_until"`
	}
	decodeData(t, resp, &failure)
	assert.Equal(t, 1, failure.AttemptsRemaining)
	assert.Nil(t, failure.LockedUntil)

	// Third miss exhausts the ceiling and locks the entry.
	rec, resp = env.do(t, http.MethodPost, "/auth/pin",
		map[string]string{"user_id": login.UserID, "pin": wrong}, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "account temporarily locked", resp.Message)
	decodeData(t, resp, &failure)
	assert.Equal(t, 0, failure.AttemptsRemaining)
	assert.NotNil(t, failure.LockedUntil)

	// The correct PIN is refused while locked.
	rec, _ = env.do(t, http.MethodPost, "/auth/pin",
		map[string]string{"user_id": login.UserID, "pin": login.DebugPin}, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestUnlockFlow(t *testing.T) {
	env := newTestEnv(t)
	user := env.addUser(t, "alice@example.com", "hunter2-long")

	rec, resp := env.do(t, http.MethodPost, "/auth/unlock/request",
		map[string]string{"email": user.Email}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unlock_code_sent", resp.Message)

	var unlock struct {
		DebugCode string `json:"debug_code"`
	}
	decodeData(t, resp, &unlock)
	require.Len(t, unlock.DebugCode, 6)

	rec, resp = env.do(t, http.MethodPost, "/auth/unlock/confirm",
		map[string]string{"email": user.Email, "code": unlock.DebugCode}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "account_unlocked", resp.Message)
}

func TestUnlockRequestUnknownEmailLooksIdentical(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodPost, "/auth/unlock/request",
		map[string]string{"email": "nobody@example.com"}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "unlock_code_sent", resp.Message)
	assert.Empty(t, resp.Data)
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodPost, "/auth/register",
		map[string]string{"email": "new@example.com", "password": "hunter2-long"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "registered", resp.Message)

	rec, _ = env.do(t, http.MethodPost, "/auth/register",
		map[string]string{"email": "new@example.com", "password": "hunter2-long"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/auth/register",
		map[string]string{"email": "short@example.com", "password": "short"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodGet, "/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, resp.Success)

	rec, _ = env.do(t, http.MethodGet, "/me", nil, "garbage-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProfileRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	user := env.addUser(t, "alice@example.com", "hunter2-long")
	token, err := env.jwt.SignAccessToken(user.ID, user.Email)
	require.NoError(t, err)

	rec, _ := env.do(t, http.MethodGet, "/profile", nil, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp := env.do(t, http.MethodPut, "/profile",
		map[string]string{"display_name": "Alice", "bio": "hello"}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "profile_updated", resp.Message)

	rec, resp = env.do(t, http.MethodGet, "/profile", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var profile struct {
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
		Bio         string `json:"bio"`
	}
	decodeData(t, resp, &profile)
	assert.Equal(t, user.ID.String(), profile.UserID)
	assert.Equal(t, "Alice", profile.DisplayName)
	assert.Equal(t, "hello", profile.Bio)
}

func TestAdminPinEndpoints(t *testing.T) {
	env := newTestEnv(t)
	user := env.addUser(t, "alice@example.com", "hunter2-long")
	token, err := env.jwt.SignAccessToken(user.ID, user.Email)
	require.NoError(t, err)

	_, resp := env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": user.Email, "password": "hunter2-long"}, "")
	var login struct {
		UserID string `json:"user_id"`
	}
	decodeData(t, resp, &login)

	rec, resp := env.do(t, http.MethodGet, "/admin/pin/"+login.UserID+"/status", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		HasEntry          bool `json:"has_entry"`
		IsExpired         bool `json:"is_expired"`
		IsLocked          bool `json:"is_locked"`
		AttemptsRemaining int  `json:"attempts_remaining"`
	}
	decodeData(t, resp, &status)
	assert.True(t, status.HasEntry)
	assert.False(t, status.IsLocked)
	assert.Equal(t, 3, status.AttemptsRemaining)

	rec, resp = env.do(t, http.MethodPost, "/admin/pin/"+login.UserID+"/extend",
		map[string]int{"minutes": 30}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var extended struct {
		Extended bool `json:"extended"`
	}
	decodeData(t, resp, &extended)
	assert.True(t, extended.Extended)

	rec, resp = env.do(t, http.MethodPost, "/admin/pin/"+login.UserID+"/reset", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var reset struct {
		Reset bool `json:"reset"`
	}
	decodeData(t, resp, &reset)
	assert.True(t, reset.Reset)

	rec, _ = env.do(t, http.MethodPost, "/admin/pin/"+login.UserID+"/extend",
		map[string]int{"minutes": -5}, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminEventsQuery(t *testing.T) {
	env := newTestEnv(t)
	user := env.addUser(t, "alice@example.com", "hunter2-long")
	token, err := env.jwt.SignAccessToken(user.ID, user.Email)
	require.NoError(t, err)

	env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": user.Email, "password": "wrong-password"}, "")
	env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": user.Email, "password": "hunter2-long"}, "")

	rec, resp := env.do(t, http.MethodGet, "/admin/events?subject="+user.Email+"&hours=1", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Count  int `json:"count"`
		Events []struct {
			Type  string `json:"type"`
			Email string `json:"email"`
		} `json:"events"`
	}
	decodeData(t, resp, &result)
	require.Equal(t, 4, result.Count)
	assert.Equal(t, "login_attempt", result.Events[0].Type)
	assert.Equal(t, "login_failure", result.Events[1].Type)
	assert.Equal(t, "login_attempt", result.Events[2].Type)
	assert.Equal(t, "login_success", result.Events[3].Type)

	rec, _ = env.do(t, http.MethodGet, "/admin/events?hours=zero", nil, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
