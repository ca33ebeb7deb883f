package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/parser"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/syncer"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

type (
	ListUsersResponse struct {
		Users []*model.User `json:"users"`
		Total int64         `json:"total"`
		Page  int           `json:"page"`
		Limit int           `json:"limit"`
	}

	ListEventsResponse struct {
		Events []*model.EventRecord `json:"events"`
		Total  int64                `json:"total"`
		Page   int                  `json:"page"`
		Limit  int                  `json:"limit"`
	}

	ListPackagesResponse struct {
		Packages []*model.NodePackage `json:"packages"`
	}

	HealthResponse struct {
		Status string         `json:"status"`
		Sync   *syncer.Status `json:"sync"`
	}

	HardRefreshResponse struct {
		Status    string `json:"status"`
		RequestID string `json:"request_id"`
	}

	AppendEventResponse struct {
		Inserted bool `json:"inserted"`
	}

	UpsertUserRequest struct {
		Address        string  `json:"address" validate:"required"`
		TotalReferrals *uint64 `json:"total_referrals"`
		TotalRewards   *string `json:"total_rewards" validate:"omitempty,numeric"`
		Registered     *bool   `json:"registered"`
	}

	UpsertPackageRequest struct {
		ID            uint64 `json:"id" validate:"required"`
		Name          string `json:"name" validate:"max=255"`
		Price         string `json:"price" validate:"omitempty,numeric"`
		Duration      uint64 `json:"duration"`
		ROIPercentage uint64 `json:"roi_percentage"`
		Active        bool   `json:"active"`
	}

	AppendEventRequest struct {
		EventType    string          `json:"event_type" validate:"required"`
		Subject      string          `json:"subject" validate:"required"`
		PackageID    *uint64         `json:"package_id"`
		Amount       string          `json:"amount" validate:"omitempty,numeric"`
		Counterparty *string         `json:"counterparty"`
		TxHash       string          `json:"tx_hash" validate:"required"`
		BlockNumber  uint64          `json:"block_number"`
		LogIndex     uint            `json:"log_index"`
		Timestamp    *time.Time      `json:"timestamp"`
		Payload      json.RawMessage `json:"payload"`
	}
)

const (
	statusOK       = "ok"
	statusAccepted = "accepted"

	maxRequestBodyBytes = 1 << 20
)

var (
	errInvalidRequest = xerrors.New("invalid request")
)

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &HealthResponse{
		Status: statusOK,
		Sync:   s.syncer.Status(),
	})
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	page, err := s.parsePage(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	users, total, err := s.metaStorage.ListUsers(r.Context(), page)
	if err != nil {
		s.handleError(w, r, xerrors.Errorf("failed to list users: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, &ListUsersResponse{
		Users: nonNil(users),
		Total: total,
		Page:  page.Number,
		Limit: page.Size,
	})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	address, err := pathAddress(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	user, err := s.metaStorage.GetUser(r.Context(), address)
	if err != nil {
		s.handleError(w, r, xerrors.Errorf("failed to get user %v: %w", address, err))
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	page, err := s.parsePage(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	query := r.URL.Query()
	filter := model.EventFilter{Page: page}

	if eventType := query.Get("type"); eventType != "" {
		if !s.knownEventType(eventType) {
			s.handleError(w, r, xerrors.Errorf("unknown event type %q: %w", eventType, errInvalidRequest))
			return
		}
		filter.EventType = eventType
	}

	if filter.FromBlock, err = parseOptionalUint64(query.Get("from_block"), "from_block"); err != nil {
		s.handleError(w, r, err)
		return
	}
	if filter.ToBlock, err = parseOptionalUint64(query.Get("to_block"), "to_block"); err != nil {
		s.handleError(w, r, err)
		return
	}
	if filter.FromBlock != nil && filter.ToBlock != nil && *filter.FromBlock > *filter.ToBlock {
		s.handleError(w, r, xerrors.Errorf("from_block is greater than to_block: %w", errInvalidRequest))
		return
	}

	events, total, err := s.metaStorage.ListEvents(r.Context(), filter)
	if err != nil {
		s.handleError(w, r, xerrors.Errorf("failed to list events: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, &ListEventsResponse{
		Events: nonNil(events),
		Total:  total,
		Page:   page.Number,
		Limit:  page.Size,
	})
}

func (s *Server) listEventsByUser(w http.ResponseWriter, r *http.Request) {
	address, err := pathAddress(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	page, err := s.parsePage(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	events, total, err := s.metaStorage.ListEventsByUser(r.Context(), address, page)
	if err != nil {
		s.handleError(w, r, xerrors.Errorf("failed to list events of %v: %w", address, err))
		return
	}

	writeJSON(w, http.StatusOK, &ListEventsResponse{
		Events: nonNil(events),
		Total:  total,
		Page:   page.Number,
		Limit:  page.Size,
	})
}

func (s *Server) getEventsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.metaStorage.GetEventsSummary(r.Context())
	if err != nil {
		s.handleError(w, r, xerrors.Errorf("failed to get events summary: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) listPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := s.metaStorage.ListPackages(r.Context())
	if err != nil {
		s.handleError(w, r, xerrors.Errorf("failed to list packages: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, &ListPackagesResponse{
		Packages: nonNil(packages),
	})
}

func (s *Server) upsertUser(w http.ResponseWriter, r *http.Request) {
	var request UpsertUserRequest
	if err := s.decodeRequest(r, &request); err != nil {
		s.handleError(w, r, err)
		return
	}

	address, err := normalizeAddress(request.Address)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	user, err := s.metaStorage.UpsertUser(r.Context(), address, &model.UserUpdate{
		TotalReferrals: request.TotalReferrals,
		TotalRewards:   request.TotalRewards,
		Registered:     request.Registered,
	})
	if err != nil {
		s.handleError(w, r, xerrors.Errorf("failed to upsert user %v: %w", address, err))
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (s *Server) upsertPackage(w http.ResponseWriter, r *http.Request) {
	var request UpsertPackageRequest
	if err := s.decodeRequest(r, &request); err != nil {
		s.handleError(w, r, err)
		return
	}

	pkg := &model.NodePackage{
		ID:            request.ID,
		Name:          request.Name,
		Price:         request.Price,
		Duration:      request.Duration,
		ROIPercentage: request.ROIPercentage,
		Active:        request.Active,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.metaStorage.UpsertPackage(r.Context(), pkg); err != nil {
		s.handleError(w, r, xerrors.Errorf("failed to upsert package %v: %w", request.ID, err))
		return
	}

	stored, err := s.metaStorage.GetPackage(r.Context(), request.ID)
	if err != nil {
		s.handleError(w, r, xerrors.Errorf("failed to get package %v: %w", request.ID, err))
		return
	}

	writeJSON(w, http.StatusOK, stored)
}

// appendEvent inserts an event record verbatim. Aggregates are not touched;
// the reconciler folds manual records into them.
func (s *Server) appendEvent(w http.ResponseWriter, r *http.Request) {
	var request AppendEventRequest
	if err := s.decodeRequest(r, &request); err != nil {
		s.handleError(w, r, err)
		return
	}

	if !s.knownEventType(request.EventType) {
		s.handleError(w, r, xerrors.Errorf("unknown event type %q: %w", request.EventType, errInvalidRequest))
		return
	}

	subject, err := normalizeAddress(request.Subject)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	record := &model.EventRecord{
		EventType:   request.EventType,
		Subject:     subject,
		PackageID:   request.PackageID,
		Amount:      request.Amount,
		TxHash:      request.TxHash,
		BlockNumber: request.BlockNumber,
		LogIndex:    request.LogIndex,
		Timestamp:   time.Now().UTC(),
		Payload:     request.Payload,
	}
	if record.Amount == "" {
		record.Amount = model.ZeroAmount
	}
	if request.Timestamp != nil {
		record.Timestamp = request.Timestamp.UTC()
	}
	if request.Counterparty != nil {
		counterparty, err := normalizeAddress(*request.Counterparty)
		if err != nil {
			s.handleError(w, r, err)
			return
		}
		record.Counterparty = &counterparty
	}

	inserted, err := s.metaStorage.AppendEvent(r.Context(), record)
	if err != nil {
		s.handleError(w, r, xerrors.Errorf("failed to append event: %w", err))
		return
	}

	statusCode := http.StatusOK
	if inserted {
		statusCode = http.StatusCreated
	}
	writeJSON(w, statusCode, &AppendEventResponse{Inserted: inserted})
}

func (s *Server) hardRefresh(w http.ResponseWriter, r *http.Request) {
	requestID := s.syncer.RequestHardRefresh()
	writeJSON(w, http.StatusAccepted, &HardRefreshResponse{
		Status:    statusAccepted,
		RequestID: requestID,
	})
}

// parsePage reads the page and limit query parameters.
// The limit defaults to the configured page size and is capped at the maximum page size.
func (s *Server) parsePage(r *http.Request) (model.Page, error) {
	query := r.URL.Query()
	page := model.Page{
		Number: 1,
		Size:   s.config.Api.DefaultPageSize,
	}

	if v := query.Get("page"); v != "" {
		number, err := strconv.Atoi(v)
		if err != nil || number < 1 {
			return model.Page{}, xerrors.Errorf("invalid page %q: %w", v, errInvalidRequest)
		}
		page.Number = number
	}

	if v := query.Get("limit"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 {
			return model.Page{}, xerrors.Errorf("invalid limit %q: %w", v, errInvalidRequest)
		}
		page.Size = size
	}

	if page.Size <= 0 {
		page.Size = page.Limit()
	}
	if maxSize := s.config.Api.MaxPageSize; maxSize > 0 && page.Size > maxSize {
		page.Size = maxSize
	}
	return page, nil
}

func (s *Server) decodeRequest(r *http.Request, request interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(request); err != nil {
		return xerrors.Errorf("malformed request body (%v): %w", err, errInvalidRequest)
	}

	if err := s.validate.Struct(request); err != nil {
		return xerrors.Errorf("%v: %w", err, errInvalidRequest)
	}
	return nil
}

func (s *Server) knownEventType(eventType string) bool {
	for _, known := range s.parser.EventTypes() {
		if parser.EventType(eventType) == known {
			return true
		}
	}
	return false
}

func pathAddress(r *http.Request) (string, error) {
	return normalizeAddress(mux.Vars(r)["address"])
}

func normalizeAddress(address string) (string, error) {
	normalized, err := utils.NormalizeAddress(address)
	if err != nil {
		return "", xerrors.Errorf("invalid address %q: %w", address, errInvalidRequest)
	}
	return normalized, nil
}

func parseOptionalUint64(value string, name string) (*uint64, error) {
	if value == "" {
		return nil, nil
	}

	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return nil, xerrors.Errorf("invalid %v %q: %w", name, value, errInvalidRequest)
	}
	return &parsed, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
