package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/goliatone/go-channels/core"
)

var _ = Describe("Connection routes", func() {
	var (
		f       *fixture
		expires time.Time
	)

	bridgeConn := func(id, user, instance string, status core.ConnectionStatus) core.Connection {
		return core.Connection{
			ID:          id,
			UserID:      user,
			Channel:     core.ChannelBridge,
			Status:      status,
			PhoneNumber: "5511999999999",
			DisplayName: "Store",
			Bridge:      &core.BridgeDetails{InstanceName: instance, QRCode: "data:image/png;base64,AAA", ExpiresAt: &expires},
		}
	}

	do := func(method, path string, body []byte, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}

	decode := func(w *httptest.ResponseRecorder) map[string]any {
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		return resp
	}

	BeforeEach(func() {
		expires = time.Date(2026, 7, 1, 10, 5, 0, 0, time.UTC)
		f = newFixture(
			bridgeConn("conn_1", "user_1", "agent_7_1751364000_abc123", core.ConnectionStatusQRCode),
			bridgeConn("conn_2", "user_2", "agent_8_1751364000_def456", core.ConnectionStatusConnected),
		)
	})

	It("returns 401 AUTHENTICATION_FAILED without caller identity", func() {
		w := do(http.MethodGet, "/connections", nil, "")

		Expect(w.Code).To(Equal(http.StatusUnauthorized))
		errBody := decode(w)["error"].(map[string]any)
		Expect(errBody["text_code"]).To(Equal(core.ErrorAuthentication))
	})

	Describe("POST /connections/bridge", func() {
		It("creates an instance for the caller and returns the pairing status", func() {
			var seen core.CreateInstanceRequest
			f.pairing.createFn = func(_ context.Context, req core.CreateInstanceRequest) (core.PairingStatus, error) {
				seen = req
				return core.PairingStatus{
					Connection:        bridgeConn("conn_9", req.UserID, "agent_7_1751364000_xyz789", core.ConnectionStatusQRCode),
					AttemptsRemaining: 3,
				}, nil
			}
			body, _ := json.Marshal(map[string]string{"agent_id": "7", "company_id": "co_1"})

			w := do(http.MethodPost, "/connections/bridge", body, "user_1")

			Expect(w.Code).To(Equal(http.StatusCreated))
			Expect(seen.UserID).To(Equal("user_1"))
			Expect(seen.AgentID).To(Equal("7"))
			Expect(seen.CompanyID).To(Equal("co_1"))
			resp := decode(w)
			Expect(resp["qrCode"]).To(Equal("data:image/png;base64,AAA"))
			Expect(resp["status"]).To(Equal("qrcode"))
			Expect(resp["attemptsRemaining"]).To(BeNumerically("==", 3))
			Expect(resp["instanceName"]).To(Equal("agent_7_1751364000_xyz789"))
		})

		It("maps duplicate connections to 409", func() {
			f.pairing.createFn = func(context.Context, core.CreateInstanceRequest) (core.PairingStatus, error) {
				return core.PairingStatus{}, core.NewDuplicateConnectionError("core: agent already has an active connection")
			}

			w := do(http.MethodPost, "/connections/bridge", []byte(`{"agent_id":"7"}`), "user_1")

			Expect(w.Code).To(Equal(http.StatusConflict))
			Expect(decode(w)["error"].(map[string]any)["text_code"]).To(Equal(core.ErrorDuplicateConnection))
		})

		It("returns 400 on an invalid body", func() {
			w := do(http.MethodPost, "/connections/bridge", []byte(`{`), "user_1")

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 502 when the bridge is unreachable", func() {
			f.pairing.createFn = func(context.Context, core.CreateInstanceRequest) (core.PairingStatus, error) {
				return core.PairingStatus{}, core.NewUpstreamProviderError(errors.New("connection refused"), "bridge: create instance failed")
			}

			w := do(http.MethodPost, "/connections/bridge", []byte(`{}`), "user_1")

			Expect(w.Code).To(Equal(http.StatusBadGateway))
		})
	})

	Describe("/connection-status/:instanceName", func() {
		It("returns the polled status shape", func() {
			f.pairing.pollFn = func(_ context.Context, name string) (core.PairingStatus, error) {
				Expect(name).To(Equal("agent_7_1751364000_abc123"))
				return core.PairingStatus{Connection: f.service.connections["conn_1"], AttemptsRemaining: 2}, nil
			}

			w := do(http.MethodGet, "/connection-status/agent_7_1751364000_abc123", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusOK))
			resp := decode(w)
			Expect(resp).To(HaveKeyWithValue("status", "qrcode"))
			Expect(resp).To(HaveKeyWithValue("phoneNumber", "5511999999999"))
			Expect(resp).To(HaveKeyWithValue("profileName", "Store"))
			Expect(resp).To(HaveKeyWithValue("attemptsRemaining", BeNumerically("==", 2)))
		})

		It("hides instances owned by other users without polling the bridge", func() {
			f.pairing.pollFn = func(context.Context, string) (core.PairingStatus, error) {
				return core.PairingStatus{Connection: f.service.connections["conn_2"]}, nil
			}

			w := do(http.MethodGet, "/connection-status/agent_8_1751364000_def456", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusNotFound))
			Expect(f.pairing.polled).To(BeEmpty())
		})

		It("tears down an owned instance", func() {
			w := do(http.MethodDelete, "/connection-status/agent_7_1751364000_abc123", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(f.pairing.disconnected).To(Equal([]string{"agent_7_1751364000_abc123"}))
		})

		It("refuses to tear down another user's instance", func() {
			w := do(http.MethodDelete, "/connection-status/agent_8_1751364000_def456", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusNotFound))
			Expect(f.pairing.disconnected).To(BeEmpty())
		})
	})

	Describe("connection reads", func() {
		It("lists only the caller's connections", func() {
			w := do(http.MethodGet, "/connections?channel=bridge&limit=10", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(f.service.lastFilter.UserID).To(Equal("user_1"))
			Expect(f.service.lastFilter.Limit).To(Equal(10))
			conns := decode(w)["connections"].([]any)
			Expect(conns).To(HaveLen(1))
			Expect(conns[0].(map[string]any)["id"]).To(Equal("conn_1"))
		})

		It("rejects an unsupported channel filter", func() {
			w := do(http.MethodGet, "/connections?channel=sms", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects a negative limit", func() {
			w := do(http.MethodGet, "/connections?limit=-1", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns a single owned connection without secrets", func() {
			conn := f.service.connections["conn_1"]
			conn.Cloud = &core.CloudDetails{PhoneNumberID: "pn_1", EncryptedAccessToken: "iv:tag:cipher"}
			f.service.connections["conn_1"] = conn

			w := do(http.MethodGet, "/connections/conn_1", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).NotTo(ContainSubstring("iv:tag:cipher"))
			Expect(decode(w)["phone_number_id"]).To(Equal("pn_1"))
		})

		It("returns 404 for unknown and foreign connections", func() {
			Expect(do(http.MethodGet, "/connections/missing", nil, "user_1").Code).To(Equal(http.StatusNotFound))
			Expect(do(http.MethodGet, "/connections/conn_2", nil, "user_1").Code).To(Equal(http.StatusNotFound))
		})

		It("lists events with the default limit", func() {
			f.service.events = []core.WebhookEvent{{ID: "evt_1", ConnectionID: "conn_1", EventType: "connection.update", Status: core.WebhookEventSuccess}}

			w := do(http.MethodGet, "/connections/conn_1/events", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(f.service.lastLimit).To(Equal(50))
			events := decode(w)["events"].([]any)
			Expect(events).To(HaveLen(1))
			Expect(events[0].(map[string]any)["event_type"]).To(Equal("connection.update"))
		})

		It("reports token health", func() {
			conn := f.service.connections["conn_1"]
			conn.Channel = core.ChannelCloud
			conn.Cloud = &core.CloudDetails{PhoneNumberID: "pn_1"}
			f.service.connections["conn_1"] = conn

			w := do(http.MethodGet, "/connections/conn_1/token-health", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["health"]).To(Equal("warning"))
		})
	})

	Describe("connection writes", func() {
		It("disconnects an owned connection", func() {
			w := do(http.MethodDelete, "/connections/conn_1", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusNoContent))
			Expect(f.service.disconnects).To(Equal([]string{"conn_1"}))
		})

		It("forces a token refresh when asked", func() {
			var forced bool
			f.cloud.refreshFn = func(_ context.Context, id string, force bool) (core.RefreshResult, error) {
				forced = force
				return core.RefreshResult{ConnectionID: id, Refreshed: true, TokenHealth: core.TokenHealthHealthy}, nil
			}

			w := do(http.MethodPost, "/connections/conn_1/refresh?force=true", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(forced).To(BeTrue())
			resp := decode(w)
			Expect(resp["refreshed"]).To(BeTrue())
			Expect(resp["token_health"]).To(Equal("healthy"))
		})

		It("maps a held refresh lease to 409", func() {
			f.cloud.refreshFn = func(context.Context, string, bool) (core.RefreshResult, error) {
				return core.RefreshResult{}, core.ErrLockHeld
			}

			w := do(http.MethodPost, "/connections/conn_1/refresh", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusConflict))
			Expect(decode(w)["error"].(map[string]any)["text_code"]).To(Equal(core.ErrorRefreshLocked))
		})

		It("deletes company connections and reports counts", func() {
			f.service.cascadeFn = func(_ context.Context, companyID string) (core.CascadeResult, error) {
				return core.CascadeResult{CompanyID: companyID, Connections: 2, Events: 5, Receipts: 9}, nil
			}

			owned := bridgeConn("conn_3", "user_1", "agent_9_1751364000_ghi789", core.ConnectionStatusConnected)
			owned.CompanyID = "co_1"
			f.service.connections[owned.ID] = owned

			w := do(http.MethodDelete, "/companies/co_1/connections", nil, "user_1")

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(f.service.cascaded).To(Equal([]string{"co_1"}))
			resp := decode(w)
			Expect(resp["company_id"]).To(Equal("co_1"))
			Expect(resp["connections"]).To(BeNumerically("==", 2))
			Expect(resp["receipts"]).To(BeNumerically("==", 9))
		})

		It("refuses to cascade a company holding another user's connections", func() {
			foreign := bridgeConn("conn_3", "owner", "agent_9_1751364000_ghi789", core.ConnectionStatusConnected)
			foreign.CompanyID = "co_1"
			f.service.connections[foreign.ID] = foreign

			w := do(http.MethodDelete, "/companies/co_1/connections", nil, "stranger")

			Expect(w.Code).To(Equal(http.StatusForbidden))
			Expect(decode(w)["error"].(map[string]any)["text_code"]).To(Equal(core.ErrorAccessDenied))
			Expect(f.service.cascaded).To(BeEmpty())
		})
	})
})
