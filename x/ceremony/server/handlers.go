package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Steake/BitCell-sub003/x/ceremony/coordinator"
	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

const (
	headerParamsHash        = "X-Params-Hash"
	headerRound             = "X-Ceremony-Round"
	headerTranscriptHash    = "X-Transcript-Hash"
	headerTranscriptVersion = "X-Transcript-Version"

	maxJSONBody = 1 << 20
)

// Request and response bodies.

type InitRequest struct {
	ID                 string             `json:"id,omitempty"`
	Circuit            types.CircuitSpec  `json:"circuit"`
	Beacon             types.RandomBeacon `json:"beacon"`
	TargetParticipants uint64             `json:"target_participants,omitempty"`
}

type SkipRequest struct {
	Reason string `json:"reason"`
}

type ReassignRequest struct {
	Participant string `json:"participant"`
	Reason      string `json:"reason"`
}

type AuditorRequest struct {
	Name string `json:"name"`
}

// StateResponse is a ceremony state with its human-readable phase.
type StateResponse struct {
	types.State
	Status string `json:"status"`
}

type ContributionResponse struct {
	Contribution types.Contribution `json:"contribution"`
	State        StateResponse      `json:"state"`
}

type HealthResponse struct {
	Status     string    `json:"status"`
	Ceremonies int       `json:"ceremonies"`
	Time       time.Time `json:"time"`
}

func stateResponse(s types.State) StateResponse {
	return StateResponse{State: s, Status: s.Describe()}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Ceremonies: len(s.registry.List()),
		Time:       time.Now().UTC(),
	})
}

func (s *Server) handleListCeremonies(w http.ResponseWriter, r *http.Request) {
	states := s.registry.List()
	out := make([]StateResponse, 0, len(states))
	for _, st := range states {
		out = append(out, stateResponse(st))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInitCeremony(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.TargetParticipants == 0 {
		req.TargetParticipants = s.opts.TargetParticipants
	}
	c, err := s.registry.Initialize(r.Context(), req.ID, req.Circuit, req.Beacon, req.TargetParticipants)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stateResponse(c.State()))
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ceremony(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, stateResponse(c.State()))
}

func (s *Server) handleGetCurrentParams(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ceremony(w, r)
	if !ok {
		return
	}
	path, _, hash, err := c.CurrentParameters()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set(headerRound, strconv.FormatUint(c.State().Round, 10))
	s.serveParams(w, r, path, hash)
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ceremony(w, r)
	if !ok {
		return
	}
	hash, err := types.ParseHash(mux.Vars(r)["hash"])
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", types.ErrInvalidParameters, err))
		return
	}
	path, _, err := s.registry.Store().ParamsPath(c.ID(), hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.serveParams(w, r, path, hash)
}

func (s *Server) serveParams(w http.ResponseWriter, r *http.Request, path string, hash types.Hash) {
	f, err := os.Open(path) // #nosec G304 - path comes from the params index
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", types.ErrArtifactMissing, err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", types.ErrArtifactMissing, err))
		return
	}
	w.Header().Set(headerParamsHash, hash.String())
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", hash.String()+".params"))
	http.ServeContent(w, r, "", info.ModTime(), f)
}

// handleSubmitContribution reads a multipart upload holding the "record"
// JSON and the "params" file, in either order.
func (s *Server) handleSubmitContribution(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ceremony(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.API.MaxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, badRequest("expected a multipart upload: %v", err))
		return
	}

	var (
		sub        = coordinator.Submission{IPAddress: clientIP(r)}
		haveRecord bool
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeError(w, badRequest("failed to read upload: %v", err))
			return
		}
		switch part.FormName() {
		case "record":
			dec := json.NewDecoder(io.LimitReader(part, maxJSONBody))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&sub.Record); err != nil {
				part.Close()
				s.writeError(w, badRequest("invalid contribution record: %v", err))
				return
			}
			haveRecord = true
		case "params":
			p, err := setup.UnmarshalParameters(part)
			if err != nil {
				part.Close()
				s.writeError(w, fmt.Errorf("%w: %v", types.ErrInvalidParameters, err))
				return
			}
			sub.Params = p
		}
		part.Close()
	}
	if !haveRecord || sub.Params == nil {
		s.writeError(w, badRequest("upload needs a record part and a params part"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.AcceptTimeout)
	defer cancel()
	rec, err := c.Accept(ctx, sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ContributionResponse{Contribution: rec, State: stateResponse(c.State())})
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ceremony(w, r)
	if !ok {
		return
	}
	var number uint64
	if v, ok := mux.Vars(r)["version"]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			s.writeError(w, badRequest("invalid transcript version %q", v))
			return
		}
		number = n
	}
	version, err := c.Version(number)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerTranscriptHash, version.Hash.String())
	w.Header().Set(headerTranscriptVersion, strconv.FormatUint(version.Number, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(version.Bytes())
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ceremony(w, r)
	if !ok {
		return
	}
	var req SkipRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := c.Skip(r.Context(), req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stateResponse(c.State()))
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ceremony(w, r)
	if !ok {
		return
	}
	var req ReassignRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := c.Reassign(r.Context(), req.Participant, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stateResponse(c.State()))
}

// handleFinalize closes the contribution phase if still open and seals
// the ceremony.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ceremony(w, r)
	if !ok {
		return
	}
	if err := c.BeginFinalization(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	keys, err := c.Finalize(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ceremony(w, r)
	if !ok {
		return
	}
	report, err := c.Audit(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAddAttestation(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ceremony(w, r)
	if !ok {
		return
	}
	var ref types.AttestationRef
	if err := decodeJSON(r, &ref); err != nil {
		s.writeError(w, err)
		return
	}
	if err := c.AddAttestation(r.Context(), ref); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stateResponse(c.State()))
}

func (s *Server) handleAddAuditor(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ceremony(w, r)
	if !ok {
		return
	}
	var req AuditorRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := c.AddAuditor(r.Context(), req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stateResponse(c.State()))
}

// Helper methods

func (s *Server) ceremony(w http.ResponseWriter, r *http.Request) (*coordinator.Coordinator, bool) {
	c, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return c, true
}

// errBadRequest marks malformed requests.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if errors.Is(err, errBadRequest) {
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse(err))
}
