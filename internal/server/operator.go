package server

import (
	"net/http"
	"strings"

	"github.com/kibshh/wallet-pass-service/backend/internal/coordinator"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
	"github.com/kibshh/wallet-pass-service/backend/internal/push"
)

type createPassRequest struct {
	SerialNumber string `json:"serialNumber"`
	Points       int    `json:"points"`
	Tier         string `json:"tier"`
	MemberNumber string `json:"memberNumber"`
	AuthToken    string `json:"authToken"`
}

type addPointsRequest struct {
	Serial      string `json:"serial"`
	PointsToAdd int    `json:"pointsToAdd"`
}

type updateTierRequest struct {
	Serial string `json:"serial"`
	Tier   string `json:"tier"`
}

type passResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message"`
	Serial      string       `json:"serial"`
	PassData    *pass.Record `json:"passData,omitempty"`
	NewPoints   *int         `json:"newPoints,omitempty"`
	NewTier     string       `json:"newTier,omitempty"`
	LocalURL    string       `json:"localUrl"`
	DownloadURL string       `json:"downloadUrl,omitempty"`
}

type pushResponse struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	Results     []push.Outcome `json:"results"`
	DeviceCount int            `json:"deviceCount"`
}

func (s *Server) handleCreatePass(w http.ResponseWriter, r *http.Request) {
	var req createPassRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	rec, err := s.svc.CreatePass(r.Context(), coordinator.CreateRequest{
		Serial:    req.SerialNumber,
		Points:    req.Points,
		Tier:      req.Tier,
		Member:    req.MemberNumber,
		AuthToken: req.AuthToken,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	resp := s.passResponse(rec, "Pass created successfully")
	resp.PassData = &rec
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddPoints(w http.ResponseWriter, r *http.Request) {
	var req addPointsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if req.Serial == "" {
		s.writeFailure(w, r, pass.ErrSerialRequired)
		return
	}

	rec, err := s.svc.AddPoints(r.Context(), req.Serial, req.PointsToAdd)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	resp := s.passResponse(rec, "Points updated and pass file regenerated")
	resp.NewPoints = &rec.Payload.Points
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateTier(w http.ResponseWriter, r *http.Request) {
	var req updateTierRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if req.Serial == "" {
		s.writeFailure(w, r, pass.ErrSerialRequired)
		return
	}

	rec, err := s.svc.UpdateTier(r.Context(), req.Serial, req.Tier)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	resp := s.passResponse(rec, "Tier updated and pass file regenerated")
	resp.NewTier = rec.Payload.Tier
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTestPush(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.svc.SendTestPush(r.Context(), r.PathValue("serial"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pushResponse{
		Success:     true,
		Message:     "Test notification sent",
		Results:     outcomes,
		DeviceCount: len(outcomes),
	})
}

func (s *Server) handleSimplePush(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.svc.PushNow(r.Context(), r.PathValue("serial"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pushResponse{
		Success:     true,
		Message:     "Simple push notification sent",
		Results:     outcomes,
		DeviceCount: len(outcomes),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	serial, ok := strings.CutSuffix(r.PathValue("file"), ".pkpass")
	if !ok || serial == "" {
		http.NotFound(w, r)
		return
	}

	b, err := s.svc.DownloadBundle(r.Context(), serial)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+serial+`.pkpass"`)
	serveBundle(w, r, b)
}

func (s *Server) passResponse(rec pass.Record, message string) passResponse {
	local := "/download/" + rec.Serial + ".pkpass"
	resp := passResponse{
		Success:  true,
		Message:  message,
		Serial:   rec.Serial,
		LocalURL: local,
	}
	if s.publicURL != "" {
		resp.DownloadURL = s.publicURL + local
	}
	return resp
}
