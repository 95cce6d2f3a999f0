package webhooks

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
)

const (
	BridgeEventConnectionUpdate = "connection.update"
	BridgeEventQRCodeUpdated    = "qrcode.updated"
	BridgeEventMessagesUpsert   = "messages.upsert"

	EventBridgeConnectionUpdate = "bridge.connection_update"
	EventBridgeQRCodeUpdated    = "bridge.qrcode_updated"
)

// BridgeEvent is the envelope the bridge posts to the instance webhook URL.
type BridgeEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	APIKey   string          `json:"apikey"`
	Data     json.RawMessage `json:"data"`
}

type bridgeConnectionData struct {
	State       string `json:"state"`
	WUID        string `json:"wuid"`
	ProfileName string `json:"profileName"`
}

type bridgeQRCodeData struct {
	QRCode struct {
		Base64 string `json:"base64"`
	} `json:"qrcode"`
}

type bridgeMessageData struct {
	Key struct {
		ID     string `json:"id"`
		FromMe bool   `json:"fromMe"`
	} `json:"key"`
	MessageType string `json:"messageType"`
}

// ProcessBridgeEvent applies a bridge callback. Like Cloud deliveries it
// never fails the request; outcomes are visible in the result and logs.
func (p *Processor) ProcessBridgeEvent(ctx context.Context, rawBody []byte) Result {
	startedAt := time.Now()
	result := Result{}

	var event BridgeEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		p.log(ctx, "warn", "bridge event rejected", map[string]any{"error": err.Error()})
		return finish(result, startedAt)
	}
	result.ProcessedEntries = 1
	fields := map[string]any{"event": event.Event, "instance_name": event.Instance}

	if p.config.BridgeAPIKey == "" {
		result.Rejected++
		p.log(ctx, "warn", "bridge event rejected: api key is not configured", fields)
		return finish(result, startedAt)
	}
	if subtle.ConstantTimeCompare([]byte(event.APIKey), []byte(p.config.BridgeAPIKey)) != 1 {
		result.Rejected++
		p.log(ctx, "warn", "bridge event api key mismatch", fields)
		return finish(result, startedAt)
	}

	conn, err := p.repository.GetByInstanceName(ctx, strings.TrimSpace(event.Instance))
	if err != nil {
		result.Skipped++
		fields["error"] = err.Error()
		p.log(ctx, "warn", "bridge event for unknown instance", fields)
		return finish(result, startedAt)
	}
	fields["connection_id"] = conn.ID

	switch strings.ToLower(strings.TrimSpace(event.Event)) {
	case BridgeEventConnectionUpdate, "connection_update":
		var data bridgeConnectionData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			result.Skipped++
			return finish(result, startedAt)
		}
		p.observeBridge(ctx, conn, core.ExternalState{
			State:       data.State,
			PhoneNumber: phoneFromJID(data.WUID),
			ProfileName: data.ProfileName,
		}, EventBridgeConnectionUpdate, fields, &result)
	case BridgeEventQRCodeUpdated, "qrcode_updated":
		var data bridgeQRCodeData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			result.Skipped++
			return finish(result, startedAt)
		}
		p.observeBridge(ctx, conn, core.ExternalState{
			State:  "connecting",
			QRCode: data.QRCode.Base64,
		}, EventBridgeQRCodeUpdated, fields, &result)
	case BridgeEventMessagesUpsert, "messages_upsert":
		var data bridgeMessageData
		if err := json.Unmarshal(event.Data, &data); err != nil || strings.TrimSpace(data.Key.ID) == "" {
			result.Skipped++
			return finish(result, startedAt)
		}
		p.countBridgeMessage(ctx, conn, data, &result)
	default:
		result.Skipped++
	}
	return finish(result, startedAt)
}

func (p *Processor) observeBridge(ctx context.Context, conn core.Connection, state core.ExternalState, eventType string, fields map[string]any, result *Result) {
	now := p.now().UTC()
	if conn.EffectiveStatus(now) == core.ConnectionStatusExpired || conn.Status == core.ConnectionStatusDisconnected {
		result.Skipped++
		return
	}
	observed := conn.Status
	changed, err := conn.Observe(state, now)
	if err != nil {
		result.Skipped++
		fields["error"] = err.Error()
		p.log(ctx, "warn", "bridge event ignored", fields)
		return
	}
	if !changed {
		result.Skipped++
		return
	}
	if _, err := p.repository.Update(ctx, conn, observed); err != nil {
		if errors.Is(err, core.ErrStaleWrite) || core.IsTextCode(err, core.ErrorStaleWrite) {
			result.Skipped++
			return
		}
		fields["error"] = err.Error()
		p.log(ctx, "error", "bridge event not persisted", fields)
		return
	}
	result.Applied++
	if delta := conn.ErrorDelta(); !delta.Empty() {
		updated, err := p.repository.ApplyCounters(ctx, conn.ID, delta)
		if err != nil {
			fields["error"] = err.Error()
			p.log(ctx, "error", "bridge error counters not applied", fields)
		} else {
			p.recomputeHealth(ctx, updated)
		}
	}
	p.appendEvent(ctx, conn.ID, eventType, core.WebhookEventInfo, map[string]any{
		"status": string(conn.Status),
		"state":  state.State,
	})
}

func (p *Processor) countBridgeMessage(ctx context.Context, conn core.Connection, data bridgeMessageData, result *Result) {
	batch := newReceiptBatch(p, conn.ID, p.now().UTC())
	if !batch.claim(ctx, "msg:"+strings.TrimSpace(data.Key.ID), receiptKindMessage, result) {
		return
	}
	batch.delta.ResetConsecutive = true
	if data.Key.FromMe {
		batch.delta.Sent = 1
	} else {
		batch.delta.Received = 1
	}
	batch.commit(ctx, map[string]any{"connection_id": conn.ID}, result)
}

func finish(result Result, startedAt time.Time) Result {
	result.DurationMS = time.Since(startedAt).Milliseconds()
	return result
}

func phoneFromJID(jid string) string {
	jid = strings.TrimSpace(jid)
	if at := strings.Index(jid, "@"); at >= 0 {
		jid = jid[:at]
	}
	if colon := strings.Index(jid, ":"); colon >= 0 {
		jid = jid[:colon]
	}
	return jid
}
