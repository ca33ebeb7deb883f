package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/fx"
	"go.uber.org/mock/gomock"

	"github.com/coinbase/chainmirror/internal/blockchain/parser"
	"github.com/coinbase/chainmirror/internal/blockchain/parser/parsertest"
	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/storage/metastorage"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/syncer"
	syncermocks "github.com/coinbase/chainmirror/internal/syncer/mocks"
	"github.com/coinbase/chainmirror/internal/utils/pointer"
	"github.com/coinbase/chainmirror/internal/utils/testapp"
	"github.com/coinbase/chainmirror/internal/utils/testutil"
)

type handlerTestSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	app     testapp.TestApp
	syncer  *syncermocks.MockSyncer
	server  *Server
	storage metastorage.MetaStorage
}

const (
	adminToken = "admin_token"
)

var (
	userA = parsertest.Address(0xA)
	userB = parsertest.Address(0xB)
)

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(handlerTestSuite))
}

func (s *handlerTestSuite) SetupTest() {
	s.setup(nil)
}

func (s *handlerTestSuite) setup(clients []config.AuthClient) {
	require := testutil.Require(s.T())

	cfg, err := config.New()
	require.NoError(err)
	cfg.Api.DefaultPageSize = 2
	cfg.Api.MaxPageSize = 3
	cfg.Api.Auth.Clients = clients

	s.ctrl = gomock.NewController(s.T())
	s.syncer = syncermocks.NewMockSyncer(s.ctrl)
	s.app = testapp.New(
		s.T(),
		testapp.WithConfig(cfg),
		parser.Module,
		metastorage.Module,
		Module,
		fx.Provide(func() syncer.Syncer { return s.syncer }),
		fx.Populate(&s.server),
		fx.Populate(&s.storage),
	)
}

func (s *handlerTestSuite) TearDownTest() {
	s.app.Close()
	s.ctrl.Finish()
}

func (s *handlerTestSuite) TestHealth() {
	require := testutil.Require(s.T())

	checkpoint := uint64(120)
	s.syncer.EXPECT().Status().Return(&syncer.Status{
		State:       syncer.StateLive,
		StateName:   syncer.StateLive.String(),
		Checkpoint:  &checkpoint,
		ChainHeight: 125,
		Lag:         5,
	})

	var response struct {
		Status string `json:"status"`
		Sync   struct {
			State      string  `json:"state"`
			Checkpoint *uint64 `json:"checkpoint"`
			Lag        uint64  `json:"lag"`
		} `json:"sync"`
	}
	code := s.do(http.MethodGet, "/health", nil, "", &response)
	require.Equal(http.StatusOK, code)
	require.Equal("ok", response.Status)
	require.Equal("live", response.Sync.State)
	require.Equal(uint64(120), *response.Sync.Checkpoint)
	require.Equal(uint64(5), response.Sync.Lag)
}

func (s *handlerTestSuite) TestUsers() {
	require := testutil.Require(s.T())

	var user model.User
	code := s.do(http.MethodPost, "/users", &UpsertUserRequest{
		Address:        userA,
		TotalReferrals: pointer.Uint64(3),
		TotalRewards:   pointer.String("1.5"),
		Registered:     pointer.Bool(true),
	}, "", &user)
	require.Equal(http.StatusOK, code)
	require.Equal(userA, user.Address)
	require.Equal(uint64(3), user.TotalReferrals)
	require.Equal("1.5", user.TotalRewards)
	require.True(user.Registered)

	_, err := s.storage.UpsertUser(context.Background(), userB, &model.UserUpdate{})
	require.NoError(err)

	code = s.do(http.MethodGet, "/users/"+userA, nil, "", &user)
	require.Equal(http.StatusOK, code)
	require.Equal(uint64(3), user.TotalReferrals)

	var list ListUsersResponse
	code = s.do(http.MethodGet, "/users?page=1&limit=1", nil, "", &list)
	require.Equal(http.StatusOK, code)
	require.Equal(int64(2), list.Total)
	require.Len(list.Users, 1)
	require.Equal(1, list.Page)
	require.Equal(1, list.Limit)

	code = s.do(http.MethodGet, "/users?page=3", nil, "", &list)
	require.Equal(http.StatusOK, code)
	require.Empty(list.Users)
	require.NotNil(list.Users)
	require.Equal(2, list.Limit)
}

func (s *handlerTestSuite) TestGetUser_Errors() {
	require := testutil.Require(s.T())

	code := s.do(http.MethodGet, "/users/"+userB, nil, "", nil)
	require.Equal(http.StatusNotFound, code)

	code = s.do(http.MethodGet, "/users/0x1234", nil, "", nil)
	require.Equal(http.StatusBadRequest, code)
}

func (s *handlerTestSuite) TestPagination() {
	require := testutil.Require(s.T())

	var list ListUsersResponse
	code := s.do(http.MethodGet, "/users?limit=100", nil, "", &list)
	require.Equal(http.StatusOK, code)
	require.Equal(3, list.Limit)

	tests := []string{
		"/users?page=0",
		"/users?page=abc",
		"/users?limit=-1",
		"/events?from_block=x",
		"/events?from_block=10&to_block=5",
		"/events?type=Transfer",
	}
	for _, path := range tests {
		code := s.do(http.MethodGet, path, nil, "", nil)
		require.Equal(http.StatusBadRequest, code, path)
	}
}

func (s *handlerTestSuite) TestEvents() {
	require := testutil.Require(s.T())

	request := &AppendEventRequest{
		EventType:    string(parser.EventReferralRegistered),
		Subject:      userA,
		Counterparty: pointer.String(userB),
		TxHash:       "0x01",
		BlockNumber:  110,
		LogIndex:     0,
	}

	var appended AppendEventResponse
	code := s.do(http.MethodPost, "/events", request, "", &appended)
	require.Equal(http.StatusCreated, code)
	require.True(appended.Inserted)

	code = s.do(http.MethodPost, "/events", request, "", &appended)
	require.Equal(http.StatusOK, code)
	require.False(appended.Inserted)

	request.EventType = string(parser.EventUserRegistered)
	request.Counterparty = nil
	request.TxHash = "0x02"
	request.BlockNumber = 120
	code = s.do(http.MethodPost, "/events", request, "", &appended)
	require.Equal(http.StatusCreated, code)

	var list ListEventsResponse
	code = s.do(http.MethodGet, "/events", nil, "", &list)
	require.Equal(http.StatusOK, code)
	require.Equal(int64(2), list.Total)
	require.Len(list.Events, 2)

	code = s.do(http.MethodGet, "/events?type=UserRegistered", nil, "", &list)
	require.Equal(http.StatusOK, code)
	require.Equal(int64(1), list.Total)
	require.Equal("UserRegistered", list.Events[0].EventType)

	code = s.do(http.MethodGet, "/events?from_block=100&to_block=115", nil, "", &list)
	require.Equal(http.StatusOK, code)
	require.Equal(int64(1), list.Total)
	require.Equal(uint64(110), list.Events[0].BlockNumber)

	code = s.do(http.MethodGet, "/events/user/"+userB, nil, "", &list)
	require.Equal(http.StatusOK, code)
	require.Equal(int64(1), list.Total)

	var summary model.EventsSummary
	code = s.do(http.MethodGet, "/events/summary", nil, "", &summary)
	require.Equal(http.StatusOK, code)
	require.Equal(int64(2), summary.TotalEvents)
	require.Equal(int64(1), summary.CountByType["ReferralRegistered"])
}

func (s *handlerTestSuite) TestAppendEvent_Invalid() {
	require := testutil.Require(s.T())

	tests := []struct {
		name    string
		request interface{}
	}{
		{
			name:    "missing tx hash",
			request: &AppendEventRequest{EventType: "UserRegistered", Subject: userA},
		},
		{
			name:    "unknown event type",
			request: &AppendEventRequest{EventType: "Transfer", Subject: userA, TxHash: "0x01"},
		},
		{
			name:    "bad subject",
			request: &AppendEventRequest{EventType: "UserRegistered", Subject: "0xzz", TxHash: "0x01"},
		},
		{
			name:    "bad amount",
			request: &AppendEventRequest{EventType: "UserRegistered", Subject: userA, TxHash: "0x01", Amount: "ten"},
		},
		{
			name:    "unknown field",
			request: map[string]string{"event_type": "UserRegistered", "foo": "bar"},
		},
	}
	for _, test := range tests {
		code := s.do(http.MethodPost, "/events", test.request, "", nil)
		require.Equal(http.StatusBadRequest, code, test.name)
	}
}

func (s *handlerTestSuite) TestPackages() {
	require := testutil.Require(s.T())

	var pkg model.NodePackage
	code := s.do(http.MethodPost, "/packages", &UpsertPackageRequest{
		ID:            1,
		Name:          "Starter",
		Price:         "100.5",
		Duration:      30,
		ROIPercentage: 12,
		Active:        true,
	}, "", &pkg)
	require.Equal(http.StatusOK, code)
	require.Equal(uint64(1), pkg.ID)
	require.Equal("100.5", pkg.Price)

	var list ListPackagesResponse
	code = s.do(http.MethodGet, "/packages", nil, "", &list)
	require.Equal(http.StatusOK, code)
	require.Len(list.Packages, 1)
	require.Equal("Starter", list.Packages[0].Name)
	require.True(list.Packages[0].Active)

	code = s.do(http.MethodPost, "/packages", &UpsertPackageRequest{Name: "missing id"}, "", nil)
	require.Equal(http.StatusBadRequest, code)
}

func (s *handlerTestSuite) TestHardRefresh() {
	require := testutil.Require(s.T())

	s.syncer.EXPECT().RequestHardRefresh().Return("request-1")

	var response HardRefreshResponse
	code := s.do(http.MethodPost, "/hard-refresh", nil, "", &response)
	require.Equal(http.StatusAccepted, code)
	require.Equal("accepted", response.Status)
	require.Equal("request-1", response.RequestID)
}

func (s *handlerTestSuite) TestRouting() {
	require := testutil.Require(s.T())

	code := s.do(http.MethodGet, "/unknown", nil, "", nil)
	require.Equal(http.StatusNotFound, code)

	code = s.do(http.MethodGet, "/hard-refresh", nil, "", nil)
	require.Equal(http.StatusMethodNotAllowed, code)
}

func (s *handlerTestSuite) TestAuthentication() {
	require := testutil.Require(s.T())

	s.app.Close()
	s.setup([]config.AuthClient{
		{ClientID: "admin", Token: adminToken},
	})

	request := &UpsertUserRequest{Address: userA}
	code := s.do(http.MethodPost, "/users", request, "", nil)
	require.Equal(http.StatusUnauthorized, code)

	code = s.do(http.MethodPost, "/users", request, "wrong_token", nil)
	require.Equal(http.StatusUnauthorized, code)

	code = s.do(http.MethodPost, "/users", request, adminToken, nil)
	require.Equal(http.StatusOK, code)

	// Reads stay open.
	code = s.do(http.MethodGet, "/users/"+userA, nil, "", nil)
	require.Equal(http.StatusOK, code)
}

func (s *handlerTestSuite) TestRequestID() {
	require := testutil.Require(s.T())

	req := httptest.NewRequest(http.MethodGet, "/packages", nil)
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	require.Equal(http.StatusOK, rec.Code)
	require.NotEmpty(rec.Header().Get(requestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/packages", nil)
	req.Header.Set(requestIDHeader, "my-request")
	rec = httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	require.Equal("my-request", rec.Header().Get(requestIDHeader))
}

// do sends a request through the router and decodes the JSON response into out when it is not nil.
func (s *handlerTestSuite) do(method string, path string, body interface{}, token string, out interface{}) int {
	require := testutil.Require(s.T())

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", bearerPrefix+token)
	}

	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	require.Equal("application/json", rec.Header().Get("Content-Type"))

	if out != nil && rec.Code < http.StatusBadRequest {
		require.NoError(json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}
