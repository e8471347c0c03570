package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/member-check/internal/app"
	"github.com/kozaktomas/member-check/internal/checkin"
	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/descriptor"
	"github.com/kozaktomas/member-check/internal/imagecache"
	"github.com/kozaktomas/member-check/internal/logging"
)

// MembersHandler handles member endpoints
type MembersHandler struct {
	app *app.App
}

// NewMembersHandler creates a new members handler
func NewMembersHandler(a *app.App) *MembersHandler {
	return &MembersHandler{app: a}
}

// MemberResponse is a member as returned by the API
type MemberResponse struct {
	database.Member
	HasDescriptor bool `json:"has_descriptor"`
	Pending       bool `json:"pending"`
}

func toMemberResponse(m *database.Member, pending bool) MemberResponse {
	return MemberResponse{Member: *m, HasDescriptor: m.HasDescriptor(), Pending: pending}
}

// MemberListResponse is a page of members
type MemberListResponse struct {
	Members []MemberResponse `json:"members"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

type memberRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Status   string `json:"status"`
	PhotoURL string `json:"photo_url"`
}

// getMember loads a member of the served organization.
func (h *MembersHandler) getMember(r *http.Request, members database.MemberReader) (*database.Member, error) {
	m, err := members.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if m.OrganizationID != h.app.Config.Organization {
		return nil, database.ErrNotFound
	}
	return m, nil
}

// List returns members filtered by status, name and email
func (h *MembersHandler) List(w http.ResponseWriter, r *http.Request) {
	members, err := database.GetMemberReader(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, errDatabaseUnavailable)
		return
	}

	q := r.URL.Query()
	limit, offset := parsePagination(r)
	filter := database.MemberFilter{
		OrganizationID: h.app.Config.Organization,
		Email:          strings.TrimSpace(q.Get("email")),
		Name:           strings.TrimSpace(q.Get("name")),
		Limit:          limit,
		Offset:         offset,
	}
	if s := q.Get("status"); s != "" {
		status, err := database.ParseMemberStatus(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}

	list, err := members.List(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	total, err := members.Count(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	resp := MemberListResponse{Members: make([]MemberResponse, 0, len(list)), Total: total, Limit: limit, Offset: offset}
	for i := range list {
		resp.Members = append(resp.Members, toMemberResponse(&list[i], false))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Get returns one member
func (h *MembersHandler) Get(w http.ResponseWriter, r *http.Request) {
	members, err := database.GetMemberReader(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, errDatabaseUnavailable)
		return
	}
	m, err := h.getMember(r, members)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toMemberResponse(m, false))
}

// Create adds a member. A multipart request with an "image" field is
// registered through the check-in pipeline so the face descriptor is stored;
// a JSON request creates a member without a descriptor.
func (h *MembersHandler) Create(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		h.createFromImage(w, r)
		return
	}

	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	status, err := database.ParseMemberStatus(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	members, err := database.GetMemberWriter(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, errDatabaseUnavailable)
		return
	}
	m := &database.Member{
		OrganizationID: h.app.Config.Organization,
		Name:           req.Name,
		Email:          strings.TrimSpace(req.Email),
		Status:         status,
		PhotoURL:       strings.TrimSpace(req.PhotoURL),
	}
	if err := members.Create(r.Context(), m); err != nil {
		respondServiceError(w, r, err)
		return
	}
	h.app.Mirror.Upsert(*m)
	logging.FromContext(r.Context()).WithField("member_id", m.ID).Info("member created")
	respondJSON(w, http.StatusCreated, toMemberResponse(m, false))
}

func (h *MembersHandler) createFromImage(w http.ResponseWriter, r *http.Request) {
	image, ok := readUpload(w, r, "image")
	if !ok {
		return
	}
	status, err := database.ParseMemberStatus(r.FormValue("status"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.app.Checkin.Register(r.Context(), checkin.RegisterRequest{
		Name:   r.FormValue("name"),
		Email:  r.FormValue("email"),
		Status: status,
		Image:  image,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	code := http.StatusCreated
	if res.Pending {
		code = http.StatusAccepted
	}
	respondJSON(w, code, toMemberResponse(res.Member, res.Pending))
}

// Update replaces the editable fields of a member
func (h *MembersHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	status, err := database.ParseMemberStatus(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	members, err := database.GetMemberWriter(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, errDatabaseUnavailable)
		return
	}
	m, err := h.getMember(r, members)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	photoChanged := m.PhotoURL != strings.TrimSpace(req.PhotoURL)
	m.Name = req.Name
	m.Email = strings.TrimSpace(req.Email)
	m.Status = status
	m.PhotoURL = strings.TrimSpace(req.PhotoURL)
	if err := members.Update(r.Context(), m); err != nil {
		respondServiceError(w, r, err)
		return
	}
	h.app.Mirror.Upsert(*m)
	if photoChanged {
		h.invalidatePhoto(r, m.ID)
	}
	respondJSON(w, http.StatusOK, toMemberResponse(m, false))
}

type statusRequest struct {
	Status string `json:"status"`
}

// SetStatus changes only the member status
func (h *MembersHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		respondError(w, http.StatusBadRequest, "status is required")
		return
	}
	status, err := database.ParseMemberStatus(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	members, err := database.GetMemberWriter(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, errDatabaseUnavailable)
		return
	}
	m, err := h.getMember(r, members)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if err := members.SetStatus(r.Context(), m.ID, status); err != nil {
		respondServiceError(w, r, err)
		return
	}
	m.Status = status
	h.app.Mirror.Upsert(*m)
	logging.FromContext(r.Context()).WithField("member_id", m.ID).WithField("status", status).Info("member status changed")
	respondJSON(w, http.StatusOK, toMemberResponse(m, false))
}

// Delete removes a member
func (h *MembersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	members, err := database.GetMemberWriter(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, errDatabaseUnavailable)
		return
	}
	m, err := h.getMember(r, members)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if err := members.Delete(r.Context(), m.ID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	h.app.Mirror.Remove(m.ID)
	h.invalidatePhoto(r, m.ID)
	w.WriteHeader(http.StatusNoContent)
}

// Photo serves the member photo from the image cache
func (h *MembersHandler) Photo(w http.ResponseWriter, r *http.Request) {
	members, err := database.GetMemberReader(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, errDatabaseUnavailable)
		return
	}
	m, err := h.getMember(r, members)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	data, err := h.app.Photos.Get(r.Context(), imagecache.MemberPhotoKey(m.ID), m.PhotoURL)
	if errors.Is(err, imagecache.ErrMiss) {
		respondError(w, http.StatusNotFound, "photo not found")
		return
	}
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("failed to load member photo")
		respondError(w, http.StatusBadGateway, "failed to load photo")
		return
	}
	w.Header().Set("Content-Type", descriptor.DetectMIMEType(data))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Attendance lists attendance logs of one member
func (h *MembersHandler) Attendance(w http.ResponseWriter, r *http.Request) {
	members, err := database.GetMemberReader(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, errDatabaseUnavailable)
		return
	}
	m, err := h.getMember(r, members)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	listAttendance(w, r, database.AttendanceFilter{
		OrganizationID: h.app.Config.Organization,
		MemberID:       m.ID,
	}, queuedFor(h.app.Store.QueuedAttendance(), m.ID))
}

func (h *MembersHandler) invalidatePhoto(r *http.Request, memberID string) {
	if err := h.app.Photos.Invalidate(r.Context(), imagecache.MemberPhotoKey(memberID)); err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("failed to invalidate member photo")
	}
}

func queuedFor(logs []database.AttendanceLog, memberID string) int {
	n := 0
	for _, l := range logs {
		if l.MemberID == memberID {
			n++
		}
	}
	return n
}
