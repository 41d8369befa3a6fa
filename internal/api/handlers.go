package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/healthchain/internal/audit"
	"github.com/medrex/healthchain/internal/vault"
	"github.com/medrex/healthchain/pkg/types"
)

const maxBodyBytes = 1 << 20

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", map[string]interface{}{
			"reason": err.Error(),
		}))
		return false
	}
	return true
}

func pathPrincipal(r *http.Request, name string) types.PrincipalID {
	return types.PrincipalID(mux.Vars(r)[name])
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, types.NewValidationError(types.ErrCodeInvalidInput, name+" must be an RFC 3339 timestamp", map[string]interface{}{
			name: raw,
		})
	}
	return t, nil
}

// Records

func (s *Server) handleStoreRecord(w http.ResponseWriter, r *http.Request) {
	var req vault.NewRecord
	if !s.decode(w, r, &req) {
		return
	}
	stored, err := s.vault.StoreRecord(r.Context(), sessionFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListOwnRecords(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	s.listRecords(w, r, sess.Principal)
}

func (s *Server) handleListPatientRecords(w http.ResponseWriter, r *http.Request) {
	s.listRecords(w, r, pathPrincipal(r, "patient"))
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request, owner types.PrincipalID) {
	owner, err := types.ParsePrincipal(string(owner))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))
	records, meta, err := s.registry.ListByOwner(r.Context(), sessionFrom(r.Context()), owner, includeDeleted)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"records":     records,
		"count":       len(records),
		"consistency": meta.Consistency,
	})
}

func (s *Server) handleOpenOwnRecord(w http.ResponseWriter, r *http.Request) {
	opened, err := s.vault.OpenOwnRecord(r.Context(), sessionFrom(r.Context()), mux.Vars(r)["recordID"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opened)
}

func (s *Server) handleReviseRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload  *types.RecordPayload `json:"payload"`
		Metadata json.RawMessage      `json:"metadata,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	stored, err := s.vault.ReviseRecord(r.Context(), sessionFrom(r.Context()), mux.Vars(r)["recordID"], req.Payload, req.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status types.RecordStatus `json:"status"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	desc, err := s.registry.SetStatus(r.Context(), sessionFrom(r.Context()), mux.Vars(r)["recordID"], req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleRecordHistory(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	versions, err := s.registry.History(r.Context(), sess, sess.Principal, mux.Vars(r)["recordID"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

func (s *Server) handleReadAsProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		// Secret is the patient's key material, base64 encoded.
		Secret []byte `json:"secret"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Secret) == 0 {
		s.writeError(w, r, types.NewValidationError(types.ErrCodeInvalidInput, "secret is required", nil))
		return
	}

	ctx, span := s.tracing.StartPHISpan(r.Context(), "read_as_provider")
	defer span.End()

	opened, err := s.vault.ReadAsProvider(ctx, sessionFrom(ctx), pathPrincipal(r, "patient"), mux.Vars(r)["recordID"], req.Secret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opened)
}

// Grants

func (s *Server) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Patient      types.PrincipalID `json:"patient"`
		DurationDays int               `json:"duration_days"`
		Purpose      string            `json:"purpose,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	grant, err := s.access.RequestAccess(r.Context(), sessionFrom(r.Context()), req.Patient, req.DurationDays, req.Purpose)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleListReceived(w http.ResponseWriter, r *http.Request) {
	grants, meta, err := s.access.ListReceived(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"grants": grants, "consistency": meta.Consistency})
}

func (s *Server) handleListRequested(w http.ResponseWriter, r *http.Request) {
	grants, meta, err := s.access.ListRequested(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"grants": grants, "consistency": meta.Consistency})
}

func (s *Server) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	view, err := s.access.GetGrant(r.Context(), sessionFrom(r.Context()), pathPrincipal(r, "patient"), pathPrincipal(r, "provider"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGrantHistory(w http.ResponseWriter, r *http.Request) {
	grants, err := s.access.History(r.Context(), sessionFrom(r.Context()), pathPrincipal(r, "patient"), pathPrincipal(r, "provider"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"grants": grants})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve *bool `json:"approve"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Approve == nil {
		s.writeError(w, r, types.NewValidationError(types.ErrCodeInvalidInput, "approve is required", nil))
		return
	}
	grant, err := s.access.Decide(r.Context(), sessionFrom(r.Context()), pathPrincipal(r, "patient"), pathPrincipal(r, "provider"), *req.Approve)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	grant, err := s.access.Revoke(r.Context(), sessionFrom(r.Context()), pathPrincipal(r, "patient"), pathPrincipal(r, "provider"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	at, err := parseTimeParam(r, "at")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	decision, err := s.access.CheckAccess(r.Context(), pathPrincipal(r, "patient"), pathPrincipal(r, "provider"), at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

// Audit

func (s *Server) handleAuditBySubject(w http.ResponseWriter, r *http.Request) {
	s.auditQuery(w, r, s.audit.QueryBySubject)
}

func (s *Server) handleAuditByActor(w http.ResponseWriter, r *http.Request) {
	s.auditQuery(w, r, s.audit.QueryByActor)
}

func (s *Server) auditQuery(w http.ResponseWriter, r *http.Request, query func(*types.Session, types.PrincipalID, time.Time, time.Time) *audit.Iterator) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sess := sessionFrom(r.Context())
	it := query(sess, sess.Principal, from, to)
	entries := []types.AuditEntry{}
	truncated := false
	for it.Next(r.Context()) {
		if len(entries) == s.config.MaxAuditEntries {
			truncated = true
			break
		}
		entries = append(entries, it.Entry())
	}
	if err := it.Err(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":   entries,
		"truncated": truncated,
	})
}
