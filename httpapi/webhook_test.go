package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/goliatone/go-channels/core"
	"github.com/goliatone/go-channels/webhooks"
)

var _ = Describe("Webhook routes", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture()
	})

	It("echoes the challenge as text/plain for a valid subscription", func() {
		req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", nil)
		w := httptest.NewRecorder()

		f.router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("Content-Type")).To(HavePrefix("text/plain"))
		Expect(w.Body.String()).To(Equal("42"))
	})

	It("returns 403 VERIFICATION_FAILED for a wrong verify token", func() {
		req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", nil)
		w := httptest.NewRecorder()

		f.router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusForbidden))
		var resp map[string]map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["error"]["text_code"]).To(Equal(core.ErrorVerificationFailed))
		Expect(w.Body.String()).NotTo(ContainSubstring("42"))
	})

	It("rejects an unsupported hub.mode", func() {
		req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=42", nil)
		w := httptest.NewRecorder()

		f.router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusForbidden))
	})

	It("passes the raw body and signature header to the processor and always answers 200", func() {
		f.processor.result = webhooks.Result{ProcessedEntries: 2, DurationMS: 3, Rejected: 1}
		payload := []byte(`{"object":"whatsapp_business_account","entry":[]}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewBuffer(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
		w := httptest.NewRecorder()

		f.router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(f.processor.bodies).To(HaveLen(1))
		Expect(f.processor.bodies[0]).To(Equal(payload))
		Expect(f.processor.signatures).To(Equal([]string{"sha256=deadbeef"}))

		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp).To(HaveKeyWithValue("processed_entries", BeNumerically("==", 2)))
		Expect(resp).To(HaveKey("duration_ms"))
		Expect(resp).NotTo(HaveKey("Rejected"))
	})

	It("answers 200 for malformed bodies", func() {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewBufferString(`{`))
		w := httptest.NewRecorder()

		f.router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
	})

	It("routes bridge events without caller identity", func() {
		f.processor.result = webhooks.Result{ProcessedEntries: 1}
		payload := []byte(`{"event":"connection.update","instance":"agent_1","data":{"state":"open"}}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge", bytes.NewBuffer(payload))
		w := httptest.NewRecorder()

		f.router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(f.processor.bodies).To(ContainElement(payload))
	})
})
