package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/auth"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

const concurrencyKeyHeader = "X-Concurrency-Key"

type buildingMembershipRequest struct {
	UID                      uuid.UUID   `json:"uid"`
	BuildingID               uuid.UUID   `json:"building_id"`
	FunctionID               uuid.UUID   `json:"function_id"`
	FirstAidOfficer          bool        `json:"first_aid_officer"`
	FireWarden               bool        `json:"fire_warden"`
	PeerSupportOfficer       bool        `json:"peer_support_officer"`
	AllowBookingDeskType     bool        `json:"allow_booking_desk_type"`
	AllowBookingRestricted   bool        `json:"allow_booking_restricted"`
	AllowBookingAnyoneAnyday bool        `json:"allow_booking_anyone_anyday"`
	AssetTypeIDs             []uuid.UUID `json:"asset_type_ids"`
	AdminFunctionIDs         []uuid.UUID `json:"admin_function_ids"`
	AdminAssetTypeIDs        []uuid.UUID `json:"admin_asset_type_ids"`
}

type organizationMembershipRequest struct {
	UID        uuid.UUID                 `json:"uid"`
	Role       int                       `json:"role"`
	Note       string                    `json:"note"`
	Contractor bool                      `json:"contractor"`
	Visitor    bool                      `json:"visitor"`
	Disabled   bool                      `json:"disabled"`
	Building   buildingMembershipRequest `json:"building"`
}

type noteRequest struct {
	Note string `json:"note"`
}

type lastUsedBuildingRequest struct {
	BuildingID uuid.UUID `json:"building_id"`
	Channel    string    `json:"channel"`
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	orgID, uid, ok := a.pathOrgAndUID(w, r)
	if !ok {
		return
	}
	if !a.requireOrgAdmin(w, r, orgID) {
		return
	}
	role, err := a.store.UserOrganizations().GetRoleForUserInOrganization(r.Context(), uid, orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "role lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uid":             uid,
		"organization_id": orgID,
		"role":            int(role),
		"role_name":       role.String(),
	})
}

func (a *API) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	orgID, uid, ok := a.pathOrgAndUID(w, r)
	if !ok {
		return
	}
	if !a.requireOrgAdmin(w, r, orgID) {
		return
	}
	var req noteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.store.UserOrganizations().UpdateUserOrganizationNote(r.Context(), uid, orgID, req.Note, a.actor(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "note update failed")
		return
	}
	switch res {
	case workplace.SqlQueryOk:
		w.WriteHeader(http.StatusNoContent)
	case workplace.SqlQueryRecordDidNotExist:
		respondError(w, http.StatusNotFound, "membership not found")
	default:
		respondError(w, http.StatusInternalServerError, "note update failed")
	}
}

func (a *API) handleAddUserToOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, ok := a.pathUUID(w, r, "orgID")
	if !ok {
		return
	}
	if !a.requireOrgAdmin(w, r, orgID) {
		return
	}
	var req organizationMembershipRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "uid is required")
		return
	}
	if req.Building.BuildingID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "building.building_id is required")
		return
	}

	p := workplace.AddUserToOrganizationParams{
		UID:            req.UID,
		OrganizationID: orgID,
		Role:           workplace.UserOrganizationRole(req.Role),
		Note:           req.Note,
		Contractor:     req.Contractor,
		Visitor:        req.Visitor,
		Building:       buildingParams(req.UID, orgID, req.Building.BuildingID, req.Building, a.actor(r)),
		Actor:          a.actor(r),
	}

	res, profile, err := a.store.UserOrganizations().MasterAddUserToOrganization(r.Context(), p)
	a.writeMembershipResult(w, res, profile, err, http.StatusCreated)
}

func (a *API) handleUpdateUserOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, uid, ok := a.pathOrgAndUID(w, r)
	if !ok {
		return
	}
	if !a.requireOrgAdmin(w, r, orgID) {
		return
	}
	var req organizationMembershipRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.store.UserOrganizations().MasterUpdateUserOrganization(r.Context(), workplace.UpdateUserOrganizationParams{
		UID:            uid,
		OrganizationID: orgID,
		Role:           workplace.UserOrganizationRole(req.Role),
		Note:           req.Note,
		Contractor:     req.Contractor,
		Visitor:        req.Visitor,
		Disabled:       req.Disabled,
		Actor:          a.actor(r),
	})
	a.writeMembershipResult(w, res, nil, err, http.StatusOK)
}

func (a *API) handleRemoveUserFromOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, uid, ok := a.pathOrgAndUID(w, r)
	if !ok {
		return
	}
	if !a.requireOrgAdmin(w, r, orgID) {
		return
	}
	key, err := concurrencyKey(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.store.UserOrganizations().MasterRemoveUserFromOrganization(r.Context(), workplace.RemoveUserFromOrganizationParams{
		UID:            uid,
		OrganizationID: orgID,
		ConcurrencyKey: key,
		Actor:          a.actor(r),
	})
	a.writeMembershipResult(w, res, nil, err, http.StatusOK)
}

func (a *API) handleAddUserToBuilding(w http.ResponseWriter, r *http.Request) {
	orgID, buildingID, ok := a.pathOrgAndBuilding(w, r)
	if !ok {
		return
	}
	if !a.requireOrgAdmin(w, r, orgID) {
		return
	}
	var req buildingMembershipRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "uid is required")
		return
	}

	res, profile, err := a.store.UserBuildings().MasterAddUserToBuilding(r.Context(),
		buildingParams(req.UID, orgID, buildingID, req, a.actor(r)))
	a.writeMembershipResult(w, res, profile, err, http.StatusCreated)
}

func (a *API) handleUpdateUserBuilding(w http.ResponseWriter, r *http.Request) {
	orgID, buildingID, ok := a.pathOrgAndBuilding(w, r)
	if !ok {
		return
	}
	uid, ok := a.pathUUID(w, r, "uid")
	if !ok {
		return
	}
	if !a.requireOrgAdmin(w, r, orgID) {
		return
	}
	var req buildingMembershipRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, profile, err := a.store.UserBuildings().MasterUpdateUserBuilding(r.Context(),
		buildingParams(uid, orgID, buildingID, req, a.actor(r)))
	a.writeMembershipResult(w, res, profile, err, http.StatusOK)
}

func (a *API) handleRemoveUserFromBuilding(w http.ResponseWriter, r *http.Request) {
	orgID, buildingID, ok := a.pathOrgAndBuilding(w, r)
	if !ok {
		return
	}
	uid, ok := a.pathUUID(w, r, "uid")
	if !ok {
		return
	}
	if !a.requireOrgAdmin(w, r, orgID) {
		return
	}
	key, err := concurrencyKey(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.store.UserBuildings().MasterRemoveUserFromBuilding(r.Context(), workplace.RemoveUserFromBuildingParams{
		UID:            uid,
		OrganizationID: orgID,
		BuildingID:     buildingID,
		ConcurrencyKey: key,
		Actor:          a.actor(r),
	})
	a.writeMembershipResult(w, res, nil, err, http.StatusOK)
}

func (a *API) handleGetLastUsedBuilding(w http.ResponseWriter, r *http.Request) {
	uid, ok := a.pathUUID(w, r, "uid")
	if !ok {
		return
	}
	if !a.requireSelf(w, r, uid) {
		return
	}
	channel := workplace.LastUsedBuildingChannel(r.URL.Query().Get("channel"))
	if channel != workplace.ChannelWeb && channel != workplace.ChannelMobile {
		respondError(w, http.StatusBadRequest, "channel must be web or mobile")
		return
	}

	buildingID, res, err := a.store.UserLastUsedBuilding().GetLastUsedBuilding(r.Context(), uid, channel)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if res == workplace.SqlQueryRecordDidNotExist {
		respondError(w, http.StatusNotFound, "no last used building")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uid":         uid,
		"channel":     string(channel),
		"building_id": buildingID,
	})
}

func (a *API) handleSetLastUsedBuilding(w http.ResponseWriter, r *http.Request) {
	uid, ok := a.pathUUID(w, r, "uid")
	if !ok {
		return
	}
	if !a.requireSelf(w, r, uid) {
		return
	}
	var req lastUsedBuildingRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	channel := workplace.LastUsedBuildingChannel(req.Channel)
	if req.BuildingID == uuid.Nil || (channel != workplace.ChannelWeb && channel != workplace.ChannelMobile) {
		respondError(w, http.StatusBadRequest, "building_id and channel are required")
		return
	}

	res, err := a.store.UserLastUsedBuilding().SetLastUsedBuilding(r.Context(), uid, req.BuildingID, channel)
	if err != nil || res != workplace.SqlQueryOk {
		respondError(w, http.StatusInternalServerError, "update failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func buildingParams(uid, orgID, buildingID uuid.UUID, req buildingMembershipRequest, actor workplace.Actor) workplace.AddUserToBuildingParams {
	return workplace.AddUserToBuildingParams{
		UID:                      uid,
		OrganizationID:           orgID,
		BuildingID:               buildingID,
		FunctionID:               req.FunctionID,
		FirstAidOfficer:          req.FirstAidOfficer,
		FireWarden:               req.FireWarden,
		PeerSupportOfficer:       req.PeerSupportOfficer,
		AllowBookingDeskType:     req.AllowBookingDeskType,
		AllowBookingRestricted:   req.AllowBookingRestricted,
		AllowBookingAnyoneAnyday: req.AllowBookingAnyoneAnyday,
		AssetTypeIDs:             req.AssetTypeIDs,
		AdminFunctionIDs:         req.AdminFunctionIDs,
		AdminAssetTypeIDs:        req.AdminAssetTypeIDs,
		Actor:                    actor,
	}
}

func (a *API) actor(r *http.Request) workplace.Actor {
	uid, _ := auth.UIDFromContext(r.Context())
	return workplace.Actor{
		UID:         uid,
		DisplayName: auth.DisplayNameFromContext(r.Context()),
		IPAddress:   clientIP(r),
	}
}

func (a *API) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func (a *API) pathOrgAndUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	orgID, ok := a.pathUUID(w, r, "orgID")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	uid, ok := a.pathUUID(w, r, "uid")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return orgID, uid, true
}

func (a *API) pathOrgAndBuilding(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	orgID, ok := a.pathUUID(w, r, "orgID")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	buildingID, ok := a.pathUUID(w, r, "buildingID")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return orgID, buildingID, true
}

// requireOrgAdmin allows only organization admins (and super admins) through.
// With no role resolver configured the check is skipped.
func (a *API) requireOrgAdmin(w http.ResponseWriter, r *http.Request, orgID uuid.UUID) bool {
	if a.roles == nil {
		return true
	}
	uid, ok := auth.UIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return false
	}
	role, err := a.roles.RoleForUserInOrganization(r.Context(), uid, orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "authorization failed")
		return false
	}
	if role != workplace.RoleAdmin && role != workplace.RoleSuperAdmin {
		respondError(w, http.StatusForbidden, "admin role required")
		return false
	}
	return true
}

// requireSelf allows a user through only for their own resources. With no
// token service configured the check is skipped.
func (a *API) requireSelf(w http.ResponseWriter, r *http.Request, uid uuid.UUID) bool {
	if a.tokens == nil {
		return true
	}
	caller, ok := auth.UIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return false
	}
	if caller != uid {
		respondError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func concurrencyKey(r *http.Request) ([]byte, error) {
	raw := r.Header.Get(concurrencyKeyHeader)
	if raw == "" {
		return nil, errors.New("missing " + concurrencyKeyHeader + " header")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(key) == 0 {
		return nil, errors.New("invalid " + concurrencyKeyHeader + " header")
	}
	return key, nil
}

func (a *API) writeMembershipResult(w http.ResponseWriter, res workplace.UserManagementResult, profile *workplace.UserProfile, err error, okStatus int) {
	if err != nil {
		respondError(w, http.StatusInternalServerError, "operation failed")
		return
	}
	body := map[string]any{
		"result":      int(res),
		"result_name": res.String(),
	}
	if profile != nil {
		body["profile"] = profile
	}
	writeJSON(w, statusForResult(res, okStatus), body)
}

func statusForResult(res workplace.UserManagementResult, okStatus int) int {
	switch res {
	case workplace.UserManagementOk:
		return okStatus
	case workplace.UserAlreadyExistsInBuilding, workplace.UserAlreadyExistsInOrganization:
		return http.StatusConflict
	case workplace.UserAssetTypesInvalid, workplace.UserAdminFunctionsInvalid, workplace.UserAdminAssetTypesInvalid:
		return http.StatusUnprocessableEntity
	case workplace.UserDidNotExist, workplace.UserDidNotExistInBuilding, workplace.UserDidNotExistInOrganization:
		return http.StatusNotFound
	case workplace.ConcurrencyKeyInvalid:
		return http.StatusPreconditionFailed
	case workplace.UserManagementLockTimeout:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
