package server

import (
	"net/http"
	"time"

	"github.com/kibshh/wallet-pass-service/backend/internal/bundle"
	"github.com/kibshh/wallet-pass-service/backend/internal/coordinator"
	"github.com/kibshh/wallet-pass-service/backend/internal/device"
)

type registerRequest struct {
	PushToken string `json:"pushToken"`
}

type walletLogRequest struct {
	Logs []string `json:"logs"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	// The credential is checked before the body: an unreadable body only
	// leaves the push token empty.
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		req.PushToken = ""
	}

	result, err := s.svc.Register(r.Context(),
		r.PathValue("deviceID"),
		r.PathValue("passTypeID"),
		r.PathValue("serial"),
		r.Header.Get("Authorization"),
		req.PushToken,
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if result == device.Created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Unregister(r.Context(),
		r.PathValue("deviceID"),
		r.PathValue("passTypeID"),
		r.PathValue("serial"),
		r.Header.Get("Authorization"),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Poll(r.Context(),
		r.PathValue("deviceID"),
		r.PathValue("passTypeID"),
		r.URL.Query().Get("passesUpdatedSince"),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFetchPass(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.FetchBundle(r.Context(),
		r.PathValue("passTypeID"),
		r.PathValue("serial"),
		r.Header.Get("Authorization"),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	serveBundle(w, r, b)
}

// handleWalletLog records diagnostics the wallet reports about this service.
func (s *Server) handleWalletLog(w http.ResponseWriter, r *http.Request) {
	var req walletLogRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, msg := range req.Logs {
		s.logger.Warn("wallet log", "message", msg)
	}
	w.WriteHeader(http.StatusOK)
}

// serveBundle writes a pass archive, answering 304 when the client copy
// is current.
func serveBundle(w http.ResponseWriter, r *http.Request, b coordinator.Bundle) {
	modified := b.LastModified.UTC().Truncate(time.Second)
	if since, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !modified.After(since) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", bundle.ContentType)
	w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.Data)
}
