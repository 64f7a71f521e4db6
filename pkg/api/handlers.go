package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/bpi/pkg/contracts"
	"github.com/Mindburn-Labs/bpi/pkg/storage"
)

const maxBodyBytes = 1 << 20 // 1MB limit

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// writeCreated replies with the bare resource id, matching the wire
// shape transaction submitters already depend on.
func writeCreated(w http.ResponseWriter, id string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(id))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleAuthNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req struct {
		PublicKey string `json:"publicKey"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	nonce, err := s.ident.GenerateNonce(r.Context(), req.PublicKey)
	if err != nil {
		var authErr *contracts.AuthenticationError
		if errors.As(err, &authErr) {
			WriteBadRequest(w, authErr.Reason)
			return
		}
		WriteInternal(w, err)
		return
	}
	writeCreated(w, nonce)
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req struct {
		Message   string `json:"message"`
		Signature string `json:"signature"`
		PublicKey string `json:"publicKey"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	token, err := s.ident.Login(r.Context(), req.Message, req.Signature, req.PublicKey)
	if err != nil {
		var authErr *contracts.AuthenticationError
		if errors.As(err, &authErr) {
			WriteUnauthorized(w, authErr.Reason)
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"access_token": token})
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req struct {
		Name      string                `json:"name"`
		Desc      string                `json:"desc"`
		PublicKey []contracts.PublicKey `json:"publicKey"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, "Missing required field: name")
		return
	}

	subject := &contracts.BpiSubject{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Desc,
		PublicKeys:  req.PublicKey,
	}
	if err := s.subjects.CreateSubject(r.Context(), subject); err != nil {
		WriteInternal(w, err)
		return
	}
	writeCreated(w, subject.ID)
}

func (s *Server) handleSubjectAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req struct {
		CreatorBpiSubjectID string `json:"creatorBpiSubjectId"`
		OwnerBpiSubjectID   string `json:"ownerBpiSubjectId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CreatorBpiSubjectID == "" || req.OwnerBpiSubjectID == "" {
		WriteBadRequest(w, "Missing required fields: creatorBpiSubjectId, ownerBpiSubjectId")
		return
	}

	account := &contracts.BpiSubjectAccount{
		ID:                  uuid.NewString(),
		CreatorBpiSubjectID: req.CreatorBpiSubjectID,
		OwnerBpiSubjectID:   req.OwnerBpiSubjectID,
	}
	if err := s.subjects.CreateSubjectAccount(r.Context(), account); err != nil {
		WriteInternal(w, err)
		return
	}
	writeCreated(w, account.ID)
}

type workgroupRequest struct {
	Name             string   `json:"name"`
	AdministratorIDs []string `json:"administratorIds"`
	ParticipantIDs   []string `json:"participantIds"`
	SecurityPolicy   string   `json:"securityPolicy"`
	PrivacyPolicy    string   `json:"privacyPolicy"`
}

func (s *Server) handleWorkgroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req workgroupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, "Missing required field: name")
		return
	}

	wg := &contracts.Workgroup{
		ID:               uuid.NewString(),
		Name:             req.Name,
		AdministratorIDs: req.AdministratorIDs,
		ParticipantIDs:   req.ParticipantIDs,
		SecurityPolicy:   req.SecurityPolicy,
		PrivacyPolicy:    req.PrivacyPolicy,
	}
	if err := s.workgroups.Create(r.Context(), wg); err != nil {
		WriteInternal(w, err)
		return
	}
	writeCreated(w, wg.ID)
}

func (s *Server) handleWorkgroupByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/workgroups/")
	if id == "" || strings.Contains(id, "/") {
		WriteNotFound(w, "Unknown workgroup")
		return
	}

	switch r.Method {
	case http.MethodGet:
		wg, err := s.workgroups.Get(r.Context(), id)
		if err != nil {
			WriteNotFound(w, "Unknown workgroup")
			return
		}
		writeJSON(w, http.StatusOK, wg)

	case http.MethodPut:
		var req workgroupRequest
		if !decodeBody(w, r, &req) {
			return
		}
		wg := &contracts.Workgroup{
			ID:               id,
			Name:             req.Name,
			AdministratorIDs: req.AdministratorIDs,
			ParticipantIDs:   req.ParticipantIDs,
			SecurityPolicy:   req.SecurityPolicy,
			PrivacyPolicy:    req.PrivacyPolicy,
		}
		if err := s.workgroups.Update(r.Context(), wg); err != nil {
			WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wg)

	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) handleWorksteps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req struct {
		Name           string             `json:"name"`
		Version        string             `json:"version"`
		Status         string             `json:"status"`
		WorkgroupID    string             `json:"workgroupId"`
		Circuit        *contracts.Circuit `json:"circuit"`
		SecurityPolicy string             `json:"securityPolicy"`
		PrivacyPolicy  string             `json:"privacyPolicy"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.WorkgroupID == "" {
		WriteBadRequest(w, "Missing required fields: name, workgroupId")
		return
	}

	workstep := &contracts.Workstep{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Version:        req.Version,
		Status:         contracts.WorkstepStatus(req.Status),
		WorkgroupID:    req.WorkgroupID,
		SecurityPolicy: req.SecurityPolicy,
		PrivacyPolicy:  req.PrivacyPolicy,
	}
	if req.Circuit != nil {
		workstep.Circuit = *req.Circuit
	}
	if err := s.worksteps.Create(r.Context(), workstep); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	writeCreated(w, workstep.ID)
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req struct {
		Name        string   `json:"name"`
		WorkgroupID string   `json:"workgroupId"`
		WorkstepIDs []string `json:"workstepIds"`
		OwnerIDs    []string `json:"workflowBpiAccountSubjectAccountOwnersIds"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.WorkgroupID == "" || len(req.WorkstepIDs) == 0 {
		WriteBadRequest(w, "Missing required fields: name, workgroupId, workstepIds")
		return
	}

	workflow := &contracts.Workflow{
		ID:                     uuid.NewString(),
		Name:                   req.Name,
		WorkgroupID:            req.WorkgroupID,
		WorkstepIDs:            req.WorkstepIDs,
		OwnerSubjectAccountIDs: req.OwnerIDs,
	}
	if err := s.workflows.Create(r.Context(), workflow); err != nil {
		WriteInternal(w, err)
		return
	}
	writeCreated(w, workflow.ID)
}

func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/workflows/")
	workflow, err := s.workflows.Get(r.Context(), id)
	if err != nil {
		WriteNotFound(w, "Unknown workflow")
		return
	}
	writeJSON(w, http.StatusOK, workflow)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req struct {
		ID                   string `json:"id"`
		Nonce                uint64 `json:"nonce"`
		WorkflowInstanceID   string `json:"workflowInstanceId"`
		WorkstepInstanceID   string `json:"workstepInstanceId"`
		FromSubjectAccountID string `json:"fromSubjectAccountId"`
		ToSubjectAccountID   string `json:"toSubjectAccountId"`
		Payload              string `json:"payload"`
		Signature            string `json:"signature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || req.FromSubjectAccountID == "" || req.Payload == "" {
		WriteBadRequest(w, "Missing required fields: id, fromSubjectAccountId, payload")
		return
	}

	// Submission only persists; signature and nonce checks belong to
	// the cycle. Duplicate ids are the one thing settled here.
	tx := &contracts.Transaction{
		ID:                   req.ID,
		Nonce:                req.Nonce,
		WorkflowInstanceID:   req.WorkflowInstanceID,
		WorkstepInstanceID:   req.WorkstepInstanceID,
		FromSubjectAccountID: req.FromSubjectAccountID,
		ToSubjectAccountID:   req.ToSubjectAccountID,
		Payload:              req.Payload,
		Signature:            req.Signature,
		CreatedAt:            time.Now().UTC(),
	}
	if err := s.transactions.Create(r.Context(), tx); err != nil {
		if errors.Is(err, storage.ErrDuplicateTransactionID) {
			WriteConflict(w, "Transaction id already exists")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeCreated(w, tx.ID)
}

func (s *Server) handleTransactionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/transactions/")
	tx, err := s.transactions.Get(r.Context(), id)
	if err != nil {
		WriteNotFound(w, "Unknown transaction")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// treeEnvelope matches the historical account query shape: the tree is
// embedded as a JSON string, not an object.
type treeEnvelope struct {
	Tree string `json:"tree"`
}

func (s *Server) handleAccountByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/accounts/")
	account, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		WriteNotFound(w, "Unknown account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]treeEnvelope{
		"stateTree":   {Tree: account.StateTree},
		"historyTree": {Tree: account.HistoryTree},
	})
}

func (s *Server) handleCycleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	s.scheduler.Trigger()
	w.WriteHeader(http.StatusAccepted)
}
