package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
)

func newConnectionRecord(conn core.Connection) *connectionRecord {
	record := &connectionRecord{
		ID:                strings.TrimSpace(conn.ID),
		UserID:            strings.TrimSpace(conn.UserID),
		AgentID:           strings.TrimSpace(conn.AgentID),
		CompanyID:         strings.TrimSpace(conn.CompanyID),
		Channel:           string(conn.Channel),
		Status:            string(conn.Status),
		HealthStatus:      string(conn.HealthStatus),
		PhoneNumber:       conn.PhoneNumber,
		DisplayName:       conn.DisplayName,
		QuotaLimit:        conn.Quota.Limit,
		QuotaUsed:         conn.Quota.Used,
		QuotaResetAt:      utcPointer(conn.Quota.ResetAt),
		MessagesSent:      conn.Counters.Sent,
		MessagesReceived:  conn.Counters.Received,
		ErrorCount:        conn.ErrorCount,
		ConsecutiveErrors: conn.ConsecutiveErrors,
		LastErrorMessage:  conn.LastErrorMessage,
		LastErrorAt:       utcPointer(conn.LastErrorAt),
		CreatedAt:         conn.CreatedAt.UTC(),
		UpdatedAt:         conn.UpdatedAt.UTC(),
	}
	if record.HealthStatus == "" {
		record.HealthStatus = string(core.HealthStatusUnknown)
	}
	if bridge := conn.Bridge; bridge != nil {
		record.InstanceName = strings.TrimSpace(bridge.InstanceName)
		record.ExpiresAt = utcPointer(bridge.ExpiresAt)
		record.ConnectionAttempts = bridge.ConnectionAttempts
		record.QRCode = bridge.QRCode
		record.QRUpdatedAt = utcPointer(bridge.QRUpdatedAt)
		record.PairingStartedAt = utcPointer(bridge.PairingStartedAt)
	}
	if cloud := conn.Cloud; cloud != nil {
		record.BusinessAccountID = cloud.BusinessAccountID
		record.WABAID = cloud.WABAID
		record.PhoneNumberID = strings.TrimSpace(cloud.PhoneNumberID)
		record.EncryptedAccessToken = cloud.EncryptedAccessToken
		record.EncryptedRefreshToken = cloud.EncryptedRefreshToken
		record.TokenExpiresAt = utcPointer(cloud.TokenExpiresAt)
		record.VerifiedStatus = cloud.VerifiedStatus
		record.QualityRating = cloud.QualityRating
		record.WebhookVerified = cloud.WebhookVerified
		record.EncryptedWebhookSecret = cloud.EncryptedWebhookSecret
		record.RefreshingUntil = utcPointer(cloud.RefreshingUntil)
	}
	return record
}

func (r *connectionRecord) toDomain() core.Connection {
	if r == nil {
		return core.Connection{}
	}
	conn := core.Connection{
		ID:           r.ID,
		UserID:       r.UserID,
		AgentID:      r.AgentID,
		CompanyID:    r.CompanyID,
		Channel:      core.ChannelKind(r.Channel),
		Status:       core.ConnectionStatus(r.Status),
		HealthStatus: core.HealthStatus(r.HealthStatus),
		PhoneNumber:  r.PhoneNumber,
		DisplayName:  r.DisplayName,
		Quota: core.Quota{
			Limit:   r.QuotaLimit,
			Used:    r.QuotaUsed,
			ResetAt: utcPointer(r.QuotaResetAt),
		},
		Counters: core.MessageCounters{
			Sent:     r.MessagesSent,
			Received: r.MessagesReceived,
		},
		ErrorCount:        r.ErrorCount,
		ConsecutiveErrors: r.ConsecutiveErrors,
		LastErrorMessage:  r.LastErrorMessage,
		LastErrorAt:       utcPointer(r.LastErrorAt),
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	switch conn.Channel {
	case core.ChannelBridge:
		conn.Bridge = &core.BridgeDetails{
			InstanceName:       r.InstanceName,
			ExpiresAt:          utcPointer(r.ExpiresAt),
			ConnectionAttempts: r.ConnectionAttempts,
			QRCode:             r.QRCode,
			QRUpdatedAt:        utcPointer(r.QRUpdatedAt),
			PairingStartedAt:   utcPointer(r.PairingStartedAt),
		}
	case core.ChannelCloud:
		conn.Cloud = &core.CloudDetails{
			BusinessAccountID:      r.BusinessAccountID,
			WABAID:                 r.WABAID,
			PhoneNumberID:          r.PhoneNumberID,
			EncryptedAccessToken:   r.EncryptedAccessToken,
			EncryptedRefreshToken:  r.EncryptedRefreshToken,
			TokenExpiresAt:         utcPointer(r.TokenExpiresAt),
			VerifiedStatus:         r.VerifiedStatus,
			QualityRating:          r.QualityRating,
			WebhookVerified:        r.WebhookVerified,
			EncryptedWebhookSecret: r.EncryptedWebhookSecret,
			RefreshingUntil:        utcPointer(r.RefreshingUntil),
		}
	}
	return conn
}

func webhookEventToDomain(record *webhookEventRecord) core.WebhookEvent {
	if record == nil {
		return core.WebhookEvent{}
	}
	return core.WebhookEvent{
		ID:           record.ID,
		ConnectionID: record.ConnectionID,
		EventType:    record.EventType,
		Status:       core.WebhookEventStatus(record.Status),
		Payload:      RedactPayload(record.Payload),
		CreatedAt:    record.CreatedAt.UTC(),
	}
}

func utcPointer(input *time.Time) *time.Time {
	if input == nil || input.IsZero() {
		return nil
	}
	value := input.UTC()
	return &value
}
