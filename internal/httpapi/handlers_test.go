package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/auth"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/store/pg"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

// --- fakes ---

type fakeRefreshRepo struct {
	tokens map[uuid.UUID][]byte
}

func newFakeRefreshRepo() *fakeRefreshRepo {
	return &fakeRefreshRepo{tokens: make(map[uuid.UUID][]byte)}
}

func (f *fakeRefreshRepo) StoreRefreshToken(_ context.Context, uid uuid.UUID, token []byte, _ time.Time) error {
	f.tokens[uid] = append([]byte(nil), token...)
	return nil
}

func (f *fakeRefreshRepo) ValidateAndConsumeRefreshToken(_ context.Context, uid uuid.UUID, token []byte) (bool, error) {
	stored, ok := f.tokens[uid]
	if !ok || !bytes.Equal(stored, token) {
		return false, nil
	}
	delete(f.tokens, uid)
	return true, nil
}

func (f *fakeRefreshRepo) ClearRefreshTokens(_ context.Context, uid uuid.UUID) error {
	delete(f.tokens, uid)
	return nil
}

type fakeBuildingsRepo struct {
	addResult    workplace.UserManagementResult
	removeResult workplace.UserManagementResult
	lastAdd      workplace.AddUserToBuildingParams
	lastRemove   workplace.RemoveUserFromBuildingParams
}

func (f *fakeBuildingsRepo) MasterAddUserToBuilding(_ context.Context, p workplace.AddUserToBuildingParams) (workplace.UserManagementResult, *workplace.UserProfile, error) {
	f.lastAdd = p
	return f.addResult, nil, nil
}

func (f *fakeBuildingsRepo) MasterUpdateUserBuilding(_ context.Context, p workplace.UpdateUserBuildingParams) (workplace.UserManagementResult, *workplace.UserProfile, error) {
	f.lastAdd = p
	return f.addResult, nil, nil
}

func (f *fakeBuildingsRepo) MasterRemoveUserFromBuilding(_ context.Context, p workplace.RemoveUserFromBuildingParams) (workplace.UserManagementResult, error) {
	f.lastRemove = p
	return f.removeResult, nil
}

type fakeOrgsRepo struct {
	role       workplace.UserOrganizationRole
	noteResult workplace.SqlQueryResult
	result     workplace.UserManagementResult
	lastNote   string
}

func (f *fakeOrgsRepo) GetRoleForUserInOrganization(_ context.Context, _, _ uuid.UUID) (workplace.UserOrganizationRole, error) {
	return f.role, nil
}

func (f *fakeOrgsRepo) UpdateUserOrganizationNote(_ context.Context, _, _ uuid.UUID, note string, _ workplace.Actor) (workplace.SqlQueryResult, error) {
	f.lastNote = note
	return f.noteResult, nil
}

func (f *fakeOrgsRepo) MasterUpdateUserOrganization(_ context.Context, _ workplace.UpdateUserOrganizationParams) (workplace.UserManagementResult, error) {
	return f.result, nil
}

func (f *fakeOrgsRepo) MasterAddUserToOrganization(_ context.Context, _ workplace.AddUserToOrganizationParams) (workplace.UserManagementResult, *workplace.UserProfile, error) {
	return f.result, nil, nil
}

func (f *fakeOrgsRepo) MasterRemoveUserFromOrganization(_ context.Context, _ workplace.RemoveUserFromOrganizationParams) (workplace.UserManagementResult, error) {
	return f.result, nil
}

type fakeLastUsedRepo struct {
	entries map[workplace.LastUsedBuildingChannel]uuid.UUID
}

func newFakeLastUsedRepo() *fakeLastUsedRepo {
	return &fakeLastUsedRepo{entries: make(map[workplace.LastUsedBuildingChannel]uuid.UUID)}
}

func (f *fakeLastUsedRepo) SetLastUsedBuilding(_ context.Context, _, buildingID uuid.UUID, channel workplace.LastUsedBuildingChannel) (workplace.SqlQueryResult, error) {
	f.entries[channel] = buildingID
	return workplace.SqlQueryOk, nil
}

func (f *fakeLastUsedRepo) GetLastUsedBuilding(_ context.Context, _ uuid.UUID, channel workplace.LastUsedBuildingChannel) (uuid.UUID, workplace.SqlQueryResult, error) {
	id, ok := f.entries[channel]
	if !ok {
		return uuid.Nil, workplace.SqlQueryRecordDidNotExist, nil
	}
	return id, workplace.SqlQueryOk, nil
}

type fakeStore struct {
	refresh   *fakeRefreshRepo
	buildings *fakeBuildingsRepo
	orgs      *fakeOrgsRepo
	lastUsed  *fakeLastUsedRepo
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		refresh:   newFakeRefreshRepo(),
		buildings: &fakeBuildingsRepo{addResult: workplace.UserManagementOk, removeResult: workplace.UserManagementOk},
		orgs:      &fakeOrgsRepo{role: workplace.RoleUser, noteResult: workplace.SqlQueryOk, result: workplace.UserManagementOk},
		lastUsed:  newFakeLastUsedRepo(),
	}
}

func (f *fakeStore) RefreshTokens() workplace.RefreshTokensRepository { return f.refresh }
func (f *fakeStore) UserBuildings() workplace.UserBuildingsRepository { return f.buildings }
func (f *fakeStore) UserOrganizations() workplace.UserOrganizationsRepository {
	return f.orgs
}
func (f *fakeStore) UserLastUsedBuilding() workplace.UserLastUsedBuildingRepository {
	return f.lastUsed
}

type fakeCreds struct {
	byEmail map[string]pg.Credentials
}

func (f *fakeCreds) UserCredentials(_ context.Context, email string) (pg.Credentials, error) {
	c, ok := f.byEmail[email]
	if !ok {
		return pg.Credentials{}, workplace.ErrNotFound
	}
	return c, nil
}

// newTestAPI builds an API over fakes with authentication disabled so handler
// behaviour can be exercised directly.
func newTestAPI(t *testing.T) (*API, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	return New(Config{
		Version: "test",
		Store:   fs,
	}), fs
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// --- health / info ---

func TestHealthAndInfo(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Mux(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "ok", health["status"])
	require.Equal(t, "vtapi", health["service"])

	rec = doJSON(t, api.Mux(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, api.Mux(), http.MethodGet, "/v1/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

// --- auth handlers ---

func TestLoginIssuesTokenPair(t *testing.T) {
	t.Setenv("VTAPI_AUTH_SECRET", "handler-test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	uid := uuid.New()
	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)

	fs := newFakeStore()
	api := New(Config{
		Store:       fs,
		Credentials: &fakeCreds{byEmail: map[string]pg.Credentials{"kaz@example.com": {UID: uid, PasswordHash: hash, DisplayName: "Kaz"}}},
		Tokens:      auth.NewTokenService(fs.refresh),
	})

	rec := doJSON(t, api.Mux(), http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "kaz@example.com", "password": "s3cret-pass",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	claims, err := auth.ParseAndValidate(pair.AccessToken)
	require.NoError(t, err)
	got, err := claims.UID()
	require.NoError(t, err)
	require.Equal(t, uid, got)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	t.Setenv("VTAPI_AUTH_SECRET", "handler-test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	hash, err := auth.HashPassword("right")
	require.NoError(t, err)

	fs := newFakeStore()
	api := New(Config{
		Store:       fs,
		Credentials: &fakeCreds{byEmail: map[string]pg.Credentials{"kaz@example.com": {UID: uuid.New(), PasswordHash: hash}}},
		Tokens:      auth.NewTokenService(fs.refresh),
	})

	rec := doJSON(t, api.Mux(), http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "kaz@example.com", "password": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, api.Mux(), http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "nobody@example.com", "password": "whatever",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshRotatesToken(t *testing.T) {
	t.Setenv("VTAPI_AUTH_SECRET", "handler-test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	uid := uuid.New()
	fs := newFakeStore()
	tokens := auth.NewTokenService(fs.refresh)
	api := New(Config{Store: fs, Tokens: tokens})

	pair, err := tokens.IssuePair(context.Background(), uid, "Kaz")
	require.NoError(t, err)

	rec := doJSON(t, api.Mux(), http.MethodPost, "/v1/auth/refresh", map[string]any{
		"uid": uid, "refresh_token": pair.RefreshToken,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// the consumed token is gone
	rec = doJSON(t, api.Mux(), http.MethodPost, "/v1/auth/refresh", map[string]any{
		"uid": uid, "refresh_token": pair.RefreshToken,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

// --- membership handlers ---

func TestGetRoleHandler(t *testing.T) {
	api, fs := newTestAPI(t)
	fs.orgs.role = workplace.RoleAdmin

	orgID, uid := uuid.New(), uuid.New()
	rec := doJSON(t, api.Mux(), http.MethodGet,
		"/v1/organizations/"+orgID.String()+"/users/"+uid.String()+"/role", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(workplace.RoleAdmin), body["role"])
	require.Equal(t, "Admin", body["role_name"])
}

func TestGetRoleRejectsBadUUID(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Mux(), http.MethodGet,
		"/v1/organizations/not-a-uuid/users/"+uuid.NewString()+"/role", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateNoteHandler(t *testing.T) {
	api, fs := newTestAPI(t)

	orgID, uid := uuid.New(), uuid.New()
	target := "/v1/organizations/" + orgID.String() + "/users/" + uid.String() + "/note"

	rec := doJSON(t, api.Mux(), http.MethodPut, target, map[string]string{"note": "long-term contractor"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "long-term contractor", fs.orgs.lastNote)

	fs.orgs.noteResult = workplace.SqlQueryRecordDidNotExist
	rec = doJSON(t, api.Mux(), http.MethodPut, target, map[string]string{"note": "x"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddUserToBuildingHandler(t *testing.T) {
	api, fs := newTestAPI(t)

	orgID, buildingID, uid := uuid.New(), uuid.New(), uuid.New()
	target := "/v1/organizations/" + orgID.String() + "/buildings/" + buildingID.String() + "/users"

	rec := doJSON(t, api.Mux(), http.MethodPost, target, map[string]any{
		"uid":         uid,
		"function_id": uuid.New(),
		"fire_warden": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, uid, fs.buildings.lastAdd.UID)
	require.Equal(t, orgID, fs.buildings.lastAdd.OrganizationID)
	require.Equal(t, buildingID, fs.buildings.lastAdd.BuildingID)
	require.True(t, fs.buildings.lastAdd.FireWarden)
}

func TestAddUserToBuildingConflict(t *testing.T) {
	api, fs := newTestAPI(t)
	fs.buildings.addResult = workplace.UserAlreadyExistsInBuilding

	target := "/v1/organizations/" + uuid.NewString() + "/buildings/" + uuid.NewString() + "/users"
	rec := doJSON(t, api.Mux(), http.MethodPost, target, map[string]any{
		"uid": uuid.New(), "function_id": uuid.New(),
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "UserAlreadyExistsInBuilding", body["result_name"])
}

func TestRemoveUserFromBuildingRequiresConcurrencyKey(t *testing.T) {
	api, fs := newTestAPI(t)

	target := "/v1/organizations/" + uuid.NewString() + "/buildings/" + uuid.NewString() +
		"/users/" + uuid.NewString()
	rec := doJSON(t, api.Mux(), http.MethodDelete, target, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	key := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	req := httptest.NewRequest(http.MethodDelete, target, nil)
	req.Header.Set(concurrencyKeyHeader, base64.StdEncoding.EncodeToString(key))
	rec = httptest.NewRecorder()
	api.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, key, fs.buildings.lastRemove.ConcurrencyKey)
}

func TestRemoveUserStaleConcurrencyKey(t *testing.T) {
	api, fs := newTestAPI(t)
	fs.orgs.result = workplace.ConcurrencyKeyInvalid

	target := "/v1/organizations/" + uuid.NewString() + "/users/" + uuid.NewString()
	req := httptest.NewRequest(http.MethodDelete, target, nil)
	req.Header.Set(concurrencyKeyHeader, base64.StdEncoding.EncodeToString([]byte{9, 9, 9, 9, 9, 9, 9, 9}))
	rec := httptest.NewRecorder()
	api.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestAddUserToOrganizationRequiresBuilding(t *testing.T) {
	api, _ := newTestAPI(t)

	target := "/v1/organizations/" + uuid.NewString() + "/users"
	rec := doJSON(t, api.Mux(), http.MethodPost, target, map[string]any{
		"uid": uuid.New(), "role": int(workplace.RoleUser),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, api.Mux(), http.MethodPost, target, map[string]any{
		"uid":  uuid.New(),
		"role": int(workplace.RoleUser),
		"building": map[string]any{
			"building_id": uuid.New(),
			"function_id": uuid.New(),
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestLastUsedBuildingRoundTrip(t *testing.T) {
	api, _ := newTestAPI(t)
	uid, buildingID := uuid.New(), uuid.New()
	target := "/v1/users/" + uid.String() + "/last-used-building"

	rec := doJSON(t, api.Mux(), http.MethodGet, target+"?channel=web", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, api.Mux(), http.MethodPut, target, map[string]any{
		"building_id": buildingID, "channel": "web",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, api.Mux(), http.MethodGet, target+"?channel=web", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, buildingID.String(), body["building_id"])

	// mobile pointer is tracked independently
	rec = doJSON(t, api.Mux(), http.MethodGet, target+"?channel=mobile", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, api.Mux(), http.MethodGet, target+"?channel=fax", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusForResult(t *testing.T) {
	cases := []struct {
		res  workplace.UserManagementResult
		want int
	}{
		{workplace.UserManagementOk, http.StatusOK},
		{workplace.UserAlreadyExistsInBuilding, http.StatusConflict},
		{workplace.UserAlreadyExistsInOrganization, http.StatusConflict},
		{workplace.UserAssetTypesInvalid, http.StatusUnprocessableEntity},
		{workplace.UserAdminFunctionsInvalid, http.StatusUnprocessableEntity},
		{workplace.UserAdminAssetTypesInvalid, http.StatusUnprocessableEntity},
		{workplace.UserDidNotExist, http.StatusNotFound},
		{workplace.UserDidNotExistInBuilding, http.StatusNotFound},
		{workplace.UserDidNotExistInOrganization, http.StatusNotFound},
		{workplace.ConcurrencyKeyInvalid, http.StatusPreconditionFailed},
		{workplace.UserManagementLockTimeout, http.StatusConflict},
		{workplace.UserManagementUnknownError, http.StatusInternalServerError},
	}
	for _, c := range cases {
		require.Equal(t, c.want, statusForResult(c.res, http.StatusOK), c.res.String())
	}
}
