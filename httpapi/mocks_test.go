package httpapi_test

import (
	"context"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/gomega"

	channels "github.com/goliatone/go-channels"
	"github.com/goliatone/go-channels/core"
	"github.com/goliatone/go-channels/httpapi"
	"github.com/goliatone/go-channels/webhooks"
)

type mockService struct {
	connections map[string]core.Connection
	events      []core.WebhookEvent
	lastFilter  core.ConnectionFilter
	lastLimit   int
	disconnects []string
	cascadeFn   func(ctx context.Context, companyID string) (core.CascadeResult, error)
	cascaded    []string
}

func newMockService(conns ...core.Connection) *mockService {
	svc := &mockService{connections: map[string]core.Connection{}}
	for _, conn := range conns {
		svc.connections[conn.ID] = conn
	}
	return svc
}

func (m *mockService) GetConnection(_ context.Context, id string) (core.Connection, error) {
	conn, ok := m.connections[id]
	if !ok {
		return core.Connection{}, core.ErrConnectionNotFound
	}
	return conn, nil
}

func (m *mockService) ListConnections(_ context.Context, filter core.ConnectionFilter) ([]core.Connection, error) {
	m.lastFilter = filter
	var out []core.Connection
	for _, conn := range m.connections {
		if filter.UserID != "" && conn.UserID != filter.UserID {
			continue
		}
		if filter.CompanyID != "" && conn.CompanyID != filter.CompanyID {
			continue
		}
		if filter.Channel != "" && conn.Channel != filter.Channel {
			continue
		}
		out = append(out, conn)
	}
	return out, nil
}

func (m *mockService) ListEvents(_ context.Context, _ string, limit int) ([]core.WebhookEvent, error) {
	m.lastLimit = limit
	return m.events, nil
}

func (m *mockService) TokenHealth(conn core.Connection) core.TokenHealth {
	if conn.Cloud == nil {
		return ""
	}
	return core.TokenHealthWarning
}

func (m *mockService) Disconnect(_ context.Context, id string) error {
	m.disconnects = append(m.disconnects, id)
	return nil
}

func (m *mockService) DeleteCompanyConnections(ctx context.Context, companyID string) (core.CascadeResult, error) {
	m.cascaded = append(m.cascaded, companyID)
	if m.cascadeFn != nil {
		return m.cascadeFn(ctx, companyID)
	}
	return core.CascadeResult{CompanyID: companyID}, nil
}

func (m *mockService) SweepExpired(context.Context, int) (core.SweepResult, error) {
	return core.SweepResult{}, nil
}

type mockPairing struct {
	createFn     func(ctx context.Context, req core.CreateInstanceRequest) (core.PairingStatus, error)
	pollFn       func(ctx context.Context, name string) (core.PairingStatus, error)
	disconnected []string
	polled       []string
}

func (m *mockPairing) CreateInstance(ctx context.Context, req core.CreateInstanceRequest) (core.PairingStatus, error) {
	return m.createFn(ctx, req)
}

func (m *mockPairing) PollStatus(ctx context.Context, name string) (core.PairingStatus, error) {
	m.polled = append(m.polled, name)
	return m.pollFn(ctx, name)
}

func (m *mockPairing) DisconnectInstance(_ context.Context, name string) error {
	m.disconnected = append(m.disconnected, name)
	return nil
}

type mockCloud struct {
	startFn    func(ctx context.Context, req core.AuthorizationRequest) (core.AuthorizationStart, error)
	callbackFn func(ctx context.Context, req core.CallbackRequest) (core.CallbackResult, error)
	selectFn   func(ctx context.Context, req core.SelectionRequest) (core.Connection, error)
	refreshFn  func(ctx context.Context, id string, force bool) (core.RefreshResult, error)
}

func (m *mockCloud) BuildAuthorizationState(ctx context.Context, req core.AuthorizationRequest) (core.AuthorizationStart, error) {
	return m.startFn(ctx, req)
}

func (m *mockCloud) HandleCallback(ctx context.Context, req core.CallbackRequest) (core.CallbackResult, error) {
	return m.callbackFn(ctx, req)
}

func (m *mockCloud) SelectAccount(ctx context.Context, req core.SelectionRequest) (core.Connection, error) {
	return m.selectFn(ctx, req)
}

func (m *mockCloud) RefreshTokens(ctx context.Context, id string, force bool) (core.RefreshResult, error) {
	return m.refreshFn(ctx, id, force)
}

func (m *mockCloud) RefreshDue(context.Context, int) (core.RefreshBatchResult, error) {
	return core.RefreshBatchResult{}, nil
}

type mockProcessor struct {
	verifyToken string
	bodies      [][]byte
	signatures  []string
	result      webhooks.Result
}

func (m *mockProcessor) HandleVerificationChallenge(mode, token, challenge string) (string, error) {
	return webhooks.VerifyChallenge(m.verifyToken, mode, token, challenge)
}

func (m *mockProcessor) Process(_ context.Context, rawBody []byte, signature string) webhooks.Result {
	m.bodies = append(m.bodies, rawBody)
	m.signatures = append(m.signatures, signature)
	return m.result
}

func (m *mockProcessor) ProcessBridgeEvent(_ context.Context, rawBody []byte) webhooks.Result {
	m.bodies = append(m.bodies, rawBody)
	return m.result
}

type fixture struct {
	service   *mockService
	pairing   *mockPairing
	cloud     *mockCloud
	processor *mockProcessor
	router    *gin.Engine
}

func newFixture(conns ...core.Connection) *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{
		service:   newMockService(conns...),
		pairing:   &mockPairing{},
		cloud:     &mockCloud{},
		processor: &mockProcessor{verifyToken: "verify-me"},
	}
	facade, err := channels.NewFacade(f.service,
		channels.WithPairingService(f.pairing),
		channels.WithCloudService(f.cloud),
	)
	Expect(err).NotTo(HaveOccurred())
	h, err := httpapi.NewHandler(facade, f.processor)
	Expect(err).NotTo(HaveOccurred())
	f.router = httpapi.NewRouter(h, httpapi.RouterConfig{})
	return f
}
