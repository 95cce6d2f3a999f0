package webhooks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-channels/core"
	"github.com/goliatone/go-channels/security"
)

const testAppSecret = "app-secret"

type processorHarness struct {
	repo      *memoryRepository
	ledger    *memoryLedger
	events    *memoryEventLog
	processor *Processor
}

func newProcessorHarness(t *testing.T, cfg Config, conns ...core.Connection) processorHarness {
	t.Helper()
	vault, err := security.NewAESGCMVaultFromString(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return newProcessorHarnessWithVault(t, cfg, vault, conns...)
}

func newProcessorHarnessWithVault(t *testing.T, cfg Config, vault core.CredentialVault, conns ...core.Connection) processorHarness {
	t.Helper()
	h := processorHarness{
		repo:   newMemoryRepository(conns...),
		ledger: newMemoryLedger(),
		events: &memoryEventLog{},
	}
	processor, err := NewProcessor(cfg, h.repo, h.ledger, vault,
		WithEventLog(h.events),
		WithClock(func() time.Time { return testNow }),
	)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	h.processor = processor
	return h
}

func messagesBody(phoneNumberID string, value string) []byte {
	return []byte(fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"id":"waba_1","changes":[{"field":"messages","value":{"messaging_product":"whatsapp","metadata":{"display_phone_number":"15550100","phone_number_id":%q},%s}}]}]}`, phoneNumberID, value))
}

func inboundMessage(id string) string {
	return fmt.Sprintf(`"contacts":[{"wa_id":"5511999","profile":{"name":"Ana"}}],"messages":[{"from":"5511999","id":%q,"timestamp":"1717232400","type":"text","text":{"body":"hi"}}]`, id)
}

func TestVerifyChallenge(t *testing.T) {
	h := newProcessorHarness(t, Config{VerifyToken: "T"})

	challenge, err := h.processor.HandleVerificationChallenge("subscribe", "T", "42")
	if err != nil || challenge != "42" {
		t.Fatalf("expected challenge echo, got %q (%v)", challenge, err)
	}
	if _, err := h.processor.HandleVerificationChallenge("subscribe", "X", "42"); !core.IsTextCode(err, core.ErrorVerificationFailed) {
		t.Fatalf("expected verification failure, got %v", err)
	}
	if _, err := h.processor.HandleVerificationChallenge("unsubscribe", "T", "42"); !core.IsTextCode(err, core.ErrorVerificationFailed) {
		t.Fatalf("expected verification failure for mode, got %v", err)
	}
	if _, err := VerifyChallenge("", "subscribe", "", "42"); !core.IsTextCode(err, core.ErrorVerificationFailed) {
		t.Fatalf("expected unconfigured token to fail, got %v", err)
	}
	if _, err := VerifyChallenge("T", "subscribe", " T", "42"); !core.IsTextCode(err, core.ErrorVerificationFailed) {
		t.Fatalf("expected padded incoming token to fail, got %v", err)
	}
	if _, err := VerifyChallenge("T ", "subscribe", "T", "42"); !core.IsTextCode(err, core.ErrorVerificationFailed) {
		t.Fatalf("expected padded configured token to fail, got %v", err)
	}
}

func TestValidSignature(t *testing.T) {
	body := messagesBody("pn_1", inboundMessage("wamid.1"))
	header := SignatureHeaderValue(testAppSecret, body)

	if !ValidSignature(testAppSecret, header, body) {
		t.Fatalf("expected signature to validate")
	}
	modified := append([]byte(nil), body...)
	modified[len(modified)-3] = ' '
	if ValidSignature(testAppSecret, header, modified) {
		t.Fatalf("expected modified body to fail validation")
	}
	if ValidSignature(testAppSecret, strings.TrimPrefix(header, "sha256="), body) {
		t.Fatalf("expected missing prefix to fail validation")
	}
	if ValidSignature("other-secret", header, body) {
		t.Fatalf("expected wrong secret to fail validation")
	}
	if ValidSignature(testAppSecret+" ", header, body) {
		t.Fatalf("expected padded secret to fail validation")
	}
	if !ValidSignature(" ", SignatureHeaderValue(" ", body), body) {
		t.Fatalf("expected whitespace secret to be used verbatim")
	}
	err := DefaultHMACVerifier().Verify(testAppSecret, "sha256=zz", body)
	if !core.IsTextCode(err, core.ErrorSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestProcessor_AppliesInboundMessageOnce(t *testing.T) {
	h := newProcessorHarness(t, Config{AppSecret: testAppSecret}, connectedCloudConnection("conn_1", "pn_1"))
	body := messagesBody("pn_1", inboundMessage("wamid.1"))
	signature := SignatureHeaderValue(testAppSecret, body)

	first := h.processor.Process(context.Background(), body, signature)
	if first.ProcessedEntries != 1 || first.Applied != 1 {
		t.Fatalf("unexpected first result %+v", first)
	}
	second := h.processor.Process(context.Background(), body, signature)
	if second.ProcessedEntries != 1 || second.Duplicates != 1 || second.Applied != 0 {
		t.Fatalf("unexpected duplicate result %+v", second)
	}

	conn := h.repo.get("conn_1")
	if conn.Counters.Received != 1 {
		t.Fatalf("expected one received message, got %d", conn.Counters.Received)
	}
	if types := h.events.types(); len(types) != 1 || types[0] != EventMessageReceived {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestProcessor_RedeliveryAfterFailedCounterWriteIsCounted(t *testing.T) {
	h := newProcessorHarness(t, Config{AppSecret: testAppSecret}, connectedCloudConnection("conn_1", "pn_1"))
	h.repo.failApply(1)
	body := messagesBody("pn_1", inboundMessage("wamid.retry"))
	signature := SignatureHeaderValue(testAppSecret, body)

	first := h.processor.Process(context.Background(), body, signature)
	if first.Applied != 0 {
		t.Fatalf("expected failed write not to count as applied, got %+v", first)
	}
	if types := h.events.types(); len(types) != 0 {
		t.Fatalf("expected no events before counters are written, got %v", types)
	}

	second := h.processor.Process(context.Background(), body, signature)
	if second.Applied != 1 || second.Duplicates != 0 {
		t.Fatalf("expected redelivery to apply, got %+v", second)
	}
	if got := h.repo.get("conn_1").Counters.Received; got != 1 {
		t.Fatalf("expected one received message after redelivery, got %d", got)
	}
	if types := h.events.types(); len(types) != 1 || types[0] != EventMessageReceived {
		t.Fatalf("expected events to match counters, got %v", types)
	}
}

func TestProcessor_SkipsMessagesAndStatusesWithoutID(t *testing.T) {
	h := newProcessorHarness(t, Config{AppSecret: testAppSecret}, connectedCloudConnection("conn_1", "pn_1"))
	body := messagesBody("pn_1", `"messages":[{"from":"5511999","id":"","type":"text"},{"from":"5511888","id":" ","type":"text"}],"statuses":[{"id":"","status":"delivered","recipient_id":"5511999"}]`)
	signature := SignatureHeaderValue(testAppSecret, body)

	result := h.processor.Process(context.Background(), body, signature)
	if result.Skipped != 3 || result.Applied != 0 || result.Duplicates != 0 {
		t.Fatalf("expected id-less items to be skipped, got %+v", result)
	}
	if len(h.ledger.keys) != 0 {
		t.Fatalf("expected no receipts claimed, got %v", h.ledger.keys)
	}

	next := messagesBody("pn_1", inboundMessage("wamid.real"))
	if got := h.processor.Process(context.Background(), next, SignatureHeaderValue(testAppSecret, next)); got.Applied != 1 {
		t.Fatalf("expected later message to apply, got %+v", got)
	}
}

func TestProcessor_ConcurrentDuplicateDeliveriesCountOnce(t *testing.T) {
	h := newProcessorHarness(t, Config{AppSecret: testAppSecret}, connectedCloudConnection("conn_1", "pn_1"))
	body := messagesBody("pn_1", inboundMessage("wamid.concurrent"))
	signature := SignatureHeaderValue(testAppSecret, body)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.processor.Process(context.Background(), body, signature)
		}()
	}
	wg.Wait()

	if got := h.repo.get("conn_1").Counters.Received; got != 1 {
		t.Fatalf("expected exactly one received message, got %d", got)
	}
}

func TestProcessor_RejectsModifiedBody(t *testing.T) {
	h := newProcessorHarness(t, Config{AppSecret: testAppSecret}, connectedCloudConnection("conn_1", "pn_1"))
	body := messagesBody("pn_1", inboundMessage("wamid.1"))
	signature := SignatureHeaderValue(testAppSecret, body)
	tampered := []byte(strings.Replace(string(body), `"hi"`, `"hello"`, 1))

	result := h.processor.Process(context.Background(), tampered, signature)
	if result.ProcessedEntries != 1 || result.Rejected != 1 || result.Applied != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if h.repo.get("conn_1").Counters.Received != 0 {
		t.Fatalf("expected rejected change to leave counters untouched")
	}
	if len(h.events.types()) != 0 {
		t.Fatalf("expected no events for rejected change")
	}
}

func TestProcessor_PrefersConnectionWebhookSecret(t *testing.T) {
	vault, err := security.NewAESGCMVaultFromString(strings.Repeat("cd", 32))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	sealed, err := vault.Encrypt(context.Background(), []byte("connection-secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	conn := connectedCloudConnection("conn_1", "pn_1")
	conn.Cloud.EncryptedWebhookSecret = sealed
	h := newProcessorHarnessWithVault(t, Config{AppSecret: testAppSecret}, vault, conn)

	body := messagesBody("pn_1", inboundMessage("wamid.1"))
	if result := h.processor.Process(context.Background(), body, SignatureHeaderValue(testAppSecret, body)); result.Rejected != 1 {
		t.Fatalf("expected app secret to be rejected for connection with own secret, got %+v", result)
	}
	if result := h.processor.Process(context.Background(), body, SignatureHeaderValue("connection-secret", body)); result.Applied != 1 {
		t.Fatalf("expected connection secret to be accepted, got %+v", result)
	}
}

func TestProcessor_FailedStatusesDriveHealth(t *testing.T) {
	h := newProcessorHarness(t, Config{
		AppSecret:  testAppSecret,
		Thresholds: core.HealthThresholds{DegradedAfter: 1, UnhealthyAfter: 2},
	}, connectedCloudConnection("conn_1", "pn_1"))

	deliver := func(messageID, status string) {
		value := fmt.Sprintf(`"statuses":[{"id":%q,"status":%q,"timestamp":"1717232400","recipient_id":"5511999","errors":[{"code":131026,"title":"Message undeliverable"}]}]`, messageID, status)
		body := messagesBody("pn_1", value)
		h.processor.Process(context.Background(), body, SignatureHeaderValue(testAppSecret, body))
	}

	deliver("wamid.1", "failed")
	conn := h.repo.get("conn_1")
	if conn.ConsecutiveErrors != 1 || conn.ErrorCount != 1 || conn.HealthStatus != core.HealthStatusDegraded {
		t.Fatalf("unexpected state after first failure %+v", conn)
	}
	if !strings.Contains(conn.LastErrorMessage, "131026") {
		t.Fatalf("expected provider error recorded, got %q", conn.LastErrorMessage)
	}

	deliver("wamid.2", "failed")
	deliver("wamid.2", "failed")
	conn = h.repo.get("conn_1")
	if conn.ConsecutiveErrors != 2 || conn.HealthStatus != core.HealthStatusUnhealthy {
		t.Fatalf("expected duplicate failure ignored and unhealthy, got %+v", conn)
	}

	deliver("wamid.3", "sent")
	conn = h.repo.get("conn_1")
	if conn.ConsecutiveErrors != 0 || conn.ErrorCount != 2 || conn.Counters.Sent != 1 || conn.HealthStatus != core.HealthStatusHealthy {
		t.Fatalf("expected success status to reset consecutive errors, got %+v", conn)
	}
}

func TestProcessor_ProviderErrorsAreIdempotentPerDelivery(t *testing.T) {
	h := newProcessorHarness(t, Config{AppSecret: testAppSecret}, connectedCloudConnection("conn_1", "pn_1"))
	body := messagesBody("pn_1", `"errors":[{"code":130429,"title":"Rate limit hit","error_data":{"details":"Cloud API message throughput reached"}}]`)
	signature := SignatureHeaderValue(testAppSecret, body)

	h.processor.Process(context.Background(), body, signature)
	h.processor.Process(context.Background(), body, signature)

	conn := h.repo.get("conn_1")
	if conn.ErrorCount != 1 || conn.ConsecutiveErrors != 1 {
		t.Fatalf("expected one provider error, got %+v", conn)
	}
	if conn.LastErrorMessage != "(#130429) Rate limit hit: Cloud API message throughput reached" {
		t.Fatalf("unexpected error message %q", conn.LastErrorMessage)
	}
}

func TestProcessor_SkipsUnknownAndForeignChanges(t *testing.T) {
	h := newProcessorHarness(t, Config{AppSecret: testAppSecret}, connectedCloudConnection("conn_1", "pn_1"))
	body := []byte(`{"object":"whatsapp_business_account","entry":[
		{"id":"waba_1","changes":[{"field":"account_update","value":{"metadata":{"phone_number_id":"pn_1"}}}]},
		{"id":"waba_2","changes":[{"field":"messages","value":{"metadata":{"phone_number_id":"pn_unknown"},"messages":[{"id":"wamid.9"}]}}]}
	]}`)

	result := h.processor.Process(context.Background(), body, SignatureHeaderValue(testAppSecret, body))
	if result.ProcessedEntries != 2 || result.Skipped != 2 || result.Applied != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestProcessor_MalformedBodyReportsNoEntries(t *testing.T) {
	h := newProcessorHarness(t, Config{AppSecret: testAppSecret})
	result := h.processor.Process(context.Background(), []byte(`{not json`), "sha256=00")
	if result.ProcessedEntries != 0 {
		t.Fatalf("expected zero processed entries, got %+v", result)
	}
	result = h.processor.Process(context.Background(), []byte(`{"object":"page","entry":[{"id":"1"}]}`), "sha256=00")
	if result.ProcessedEntries != 0 {
		t.Fatalf("expected foreign object to be ignored, got %+v", result)
	}
}

func TestProcessor_IgnoresInactiveConnections(t *testing.T) {
	conn := connectedCloudConnection("conn_1", "pn_1")
	conn.Status = core.ConnectionStatusDisconnected
	h := newProcessorHarness(t, Config{AppSecret: testAppSecret}, conn)
	body := messagesBody("pn_1", inboundMessage("wamid.1"))

	result := h.processor.Process(context.Background(), body, SignatureHeaderValue(testAppSecret, body))
	if result.Skipped != 1 || h.repo.get("conn_1").Counters.Received != 0 {
		t.Fatalf("expected inactive connection to be skipped, got %+v", result)
	}
}
