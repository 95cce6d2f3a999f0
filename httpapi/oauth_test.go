package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/goliatone/go-channels/core"
)

var _ = Describe("OAuth routes", func() {
	var f *fixture

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-User-ID", "user_1")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}

	BeforeEach(func() {
		f = newFixture()
		f.cloud.startFn = func(_ context.Context, req core.AuthorizationRequest) (core.AuthorizationStart, error) {
			Expect(req.UserID).To(Equal("user_1"))
			return core.AuthorizationStart{
				State:            "sealed-state",
				AuthorizationURL: "https://www.facebook.com/v21.0/dialog/oauth?state=sealed-state",
				ExpiresAt:        time.Date(2026, 7, 1, 10, 10, 0, 0, time.UTC),
			}, nil
		}
	})

	It("returns the authorization url", func() {
		w := get("/oauth/whatsapp/start?agent_id=7")

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["state"]).To(Equal("sealed-state"))
		Expect(resp["authorization_url"]).To(ContainSubstring("dialog/oauth"))
	})

	It("redirects the browser when asked", func() {
		w := get("/oauth/whatsapp/start?redirect=true")

		Expect(w.Code).To(Equal(http.StatusFound))
		Expect(w.Header().Get("Location")).To(ContainSubstring("state=sealed-state"))
	})

	It("creates the connection on a single-number callback", func() {
		f.cloud.callbackFn = func(_ context.Context, req core.CallbackRequest) (core.CallbackResult, error) {
			Expect(req.Code).To(Equal("auth-code"))
			Expect(req.State).To(Equal("sealed-state"))
			return core.CallbackResult{Connection: &core.Connection{
				ID:      "conn_cloud",
				UserID:  req.UserID,
				Channel: core.ChannelCloud,
				Status:  core.ConnectionStatusConnected,
				Cloud:   &core.CloudDetails{PhoneNumberID: "pn_1", EncryptedAccessToken: "iv:tag:cipher"},
			}}, nil
		}

		w := get("/oauth/whatsapp/callback?code=auth-code&state=sealed-state")

		Expect(w.Code).To(Equal(http.StatusCreated))
		Expect(w.Body.String()).NotTo(ContainSubstring("iv:tag:cipher"))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["needs_selection"]).To(BeFalse())
		Expect(resp["connection"].(map[string]any)["status"]).To(Equal("connected"))
	})

	It("returns the account choices when selection is needed", func() {
		f.cloud.callbackFn = func(context.Context, core.CallbackRequest) (core.CallbackResult, error) {
			return core.CallbackResult{
				State:        "sealed-state",
				PendingToken: "sealed-token",
				Accounts: []core.BusinessAccount{{
					ID:   "waba_1",
					Name: "Store",
					PhoneNumbers: []core.PhoneNumber{
						{ID: "pn_1", DisplayPhoneNumber: "+55 11 99999-0001"},
						{ID: "pn_2", DisplayPhoneNumber: "+55 11 99999-0002"},
					},
				}},
			}, nil
		}

		w := get("/oauth/whatsapp/callback?code=auth-code&state=sealed-state")

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["needs_selection"]).To(BeTrue())
		Expect(resp["pending_token"]).To(Equal("sealed-token"))
		accounts := resp["business_accounts"].([]any)
		Expect(accounts[0].(map[string]any)["phone_numbers"]).To(HaveLen(2))
	})

	It("rejects a callback without a code", func() {
		w := get("/oauth/whatsapp/callback?state=sealed-state")

		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("surfaces a provider denial as 401", func() {
		w := get("/oauth/whatsapp/callback?error=access_denied&state=sealed-state")

		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("maps an invalid state to OAUTH_STATE_INVALID", func() {
		f.cloud.callbackFn = func(context.Context, core.CallbackRequest) (core.CallbackResult, error) {
			return core.CallbackResult{}, core.NewOAuthStateError("core: oauth state expired")
		}

		w := get("/oauth/whatsapp/callback?code=auth-code&state=stale")

		Expect(w.Code).To(Equal(http.StatusUnauthorized))
		Expect(w.Body.String()).To(ContainSubstring(core.ErrorOAuthStateInvalid))
	})

	It("completes the selection", func() {
		var seen core.SelectionRequest
		f.cloud.selectFn = func(_ context.Context, req core.SelectionRequest) (core.Connection, error) {
			seen = req
			return core.Connection{ID: "conn_cloud", UserID: req.UserID, Channel: core.ChannelCloud, Status: core.ConnectionStatusConnected}, nil
		}
		body, _ := json.Marshal(map[string]string{
			"state":               "sealed-state",
			"pending_token":       "sealed-token",
			"business_account_id": "waba_1",
			"phone_number_id":     "pn_2",
		})
		req := httptest.NewRequest(http.MethodPost, "/oauth/whatsapp/select", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", "user_1")
		w := httptest.NewRecorder()

		f.router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusCreated))
		Expect(seen.UserID).To(Equal("user_1"))
		Expect(seen.PhoneNumberID).To(Equal("pn_2"))
	})

	It("requires the phone number on selection", func() {
		req := httptest.NewRequest(http.MethodPost, "/oauth/whatsapp/select", bytes.NewBufferString(`{"state":"s","pending_token":"t"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", "user_1")
		w := httptest.NewRecorder()

		f.router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})
})
