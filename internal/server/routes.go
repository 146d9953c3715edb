package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"github.com/zsiec/stitch/internal/catalog"
	"github.com/zsiec/stitch/internal/config"
	apperrors "github.com/zsiec/stitch/internal/errors"
	"github.com/zsiec/stitch/internal/logger"
	"github.com/zsiec/stitch/internal/sink"
	"github.com/zsiec/stitch/internal/splitmux"
	"github.com/zsiec/stitch/pkg/version"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	splitmux.Status
	Position *time.Duration `json:"position,omitempty"`
	Sinks    []sink.Stats   `json:"sinks,omitempty"`
}

// SeekRequest is the body of POST /api/v1/seek. Start and Stop are Go
// duration strings; an empty Stop plays to the end.
type SeekRequest struct {
	Start    string  `json:"start"`
	Stop     string  `json:"stop"`
	Rate     float64 `json:"rate"`
	KeyUnit  bool    `json:"key_unit"`
	Accurate bool    `json:"accurate"`
	SeqNum   *uint32 `json:"seqnum,omitempty"`
}

// FragmentRequest is the body of POST /api/v1/fragments.
type FragmentRequest struct {
	Location string `json:"location"`
	Offset   string `json:"offset"`
	Duration string `json:"duration"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	s.writeJSON(w, r, http.StatusOK, version.GetInfo())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: s.player.Status()}
	if pos, ok := s.player.Position(); ok {
		resp.Position = &pos
	}
	if s.sinks != nil {
		resp.Sinks = s.sinks.Stats()
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleParts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.player.Parts())
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	if !s.seekLimiter.Allow() {
		s.errorHandler.HandleError(w, r, apperrors.NewRateLimitError("Too many seek requests"))
		return
	}

	var body SeekRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorHandler.HandleError(w, r, apperrors.NewValidationError("Invalid JSON body"))
		return
	}
	req, err := s.seekFromBody(body)
	if err != nil {
		s.errorHandler.HandleError(w, r, apperrors.NewValidationError(err.Error()))
		return
	}

	logger.FromContext(r.Context()).WithFields(map[string]interface{}{
		"seqnum": req.SeqNum,
		"rate":   req.Rate,
		"start":  req.Start,
	}).Info("Seek requested")

	if err := s.player.Seek(req); err != nil {
		s.errorHandler.HandleError(w, r, seekError(err))
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, map[string]interface{}{
		"seqnum":  req.SeqNum,
		"segment": s.player.Status().Segment,
	})
}

func (s *Server) seekFromBody(body SeekRequest) (splitmux.SeekRequest, error) {
	start, err := config.ParseOptionalDuration(body.Start)
	if err != nil {
		return splitmux.SeekRequest{}, fmt.Errorf("invalid start: %v", err)
	}
	stop, err := config.ParseOptionalDuration(body.Stop)
	if err != nil {
		return splitmux.SeekRequest{}, fmt.Errorf("invalid stop: %v", err)
	}
	rate := body.Rate
	if rate == 0 {
		rate = 1.0
	}

	flags := splitmux.SeekFlagFlush
	if body.KeyUnit {
		flags |= splitmux.SeekFlagKeyUnit
	}
	if body.Accurate {
		flags |= splitmux.SeekFlagAccurate
	}

	req := splitmux.SeekRequest{
		Rate:      rate,
		Format:    splitmux.FormatTime,
		Flags:     flags,
		StartType: splitmux.SeekTypeSet,
		Start:     start,
		StopType:  splitmux.SeekTypeSet,
		Stop:      stop,
	}
	if body.SeqNum != nil {
		req.SeqNum = *body.SeqNum
	} else {
		req.SeqNum = s.nextSeqnum()
	}
	return req, nil
}

func seekError(err error) error {
	switch {
	case errors.Is(err, splitmux.ErrNotRunning):
		return apperrors.NewServiceDownError("playback")
	case errors.Is(err, splitmux.ErrInvalidSeek):
		return apperrors.NewValidationError(err.Error())
	default:
		return apperrors.NewStreamError(err, apperrors.CodeActivationFailed, "Seek failed")
	}
}

func (s *Server) handleAddFragment(w http.ResponseWriter, r *http.Request) {
	var body FragmentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorHandler.HandleError(w, r, apperrors.NewValidationError("Invalid JSON body"))
		return
	}
	if body.Location == "" {
		s.errorHandler.HandleError(w, r, apperrors.NewValidationError("location is required"))
		return
	}

	f := splitmux.NewFragment(body.Location)
	var err error
	if f.Offset, err = config.ParseOptionalDuration(body.Offset); err != nil {
		s.errorHandler.HandleError(w, r, apperrors.NewValidationError("invalid offset: "+err.Error()))
		return
	}
	if f.Duration, err = config.ParseOptionalDuration(body.Duration); err != nil {
		s.errorHandler.HandleError(w, r, apperrors.NewValidationError("invalid duration: "+err.Error()))
		return
	}

	if err := s.player.AddFragment(f); err != nil {
		s.errorHandler.HandleError(w, r, apperrors.NewValidationError(err.Error()))
		return
	}
	logger.FromContext(r.Context()).WithField("location", f.Location).Info("Fragment added")
	s.writeJSON(w, r, http.StatusCreated, f)
}

func (s *Server) handleCatalogList(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.errorHandler.HandleError(w, r, apperrors.NewServiceDownError("catalog"))
		return
	}
	entries, err := s.catalog.List(r.Context())
	if err != nil {
		s.errorHandler.HandleError(w, r, apperrors.WrapInternalError(err, "Failed to list catalog"))
		return
	}
	s.writeJSON(w, r, http.StatusOK, entries)
}

func (s *Server) handleCatalogForget(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.errorHandler.HandleError(w, r, apperrors.NewServiceDownError("catalog"))
		return
	}
	location, err := url.PathUnescape(mux.Vars(r)["location"])
	if err != nil {
		s.errorHandler.HandleError(w, r, apperrors.NewValidationError("invalid location"))
		return
	}
	if err := s.catalog.Forget(r.Context(), location); err != nil {
		if errors.Is(err, catalog.ErrClosed) {
			s.errorHandler.HandleError(w, r, apperrors.NewServiceDownError("catalog"))
			return
		}
		s.errorHandler.HandleError(w, r, apperrors.WrapInternalError(err, "Failed to forget fragment"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("Failed to encode response")
	}
}
