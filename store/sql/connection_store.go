package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// updateExcludedColumns are owned by dedicated statements: counters and
// error bookkeeping move through ApplyCounters, health through UpdateHealth,
// quotas through ResetExpiredQuotas and the refresh lease through
// RefreshLeaseLocker.
var updateExcludedColumns = []string{
	"id",
	"created_at",
	"messages_sent",
	"messages_received",
	"error_count",
	"consecutive_errors",
	"last_error_message",
	"last_error_at",
	"health_status",
	"quota_used",
	"quota_reset_at",
	"refreshing_until",
}

type ConnectionStore struct {
	db   *bun.DB
	repo repository.Repository[*connectionRecord]
	now  func() time.Time
}

func NewConnectionStore(db *bun.DB) (*ConnectionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*connectionRecord](db, connectionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid connection repository wiring: %w", err)
		}
	}
	return &ConnectionStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *ConnectionStore) Create(ctx context.Context, conn core.Connection) (core.Connection, error) {
	if s == nil || s.db == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	if err := conn.Validate(); err != nil {
		return core.Connection{}, err
	}
	now := s.now()
	record := newConnectionRecord(conn)
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}

	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return core.Connection{}, duplicateConnectionError(conn)
		}
		return core.Connection{}, err
	}
	return record.toDomain(), nil
}

func (s *ConnectionStore) Get(ctx context.Context, id string) (core.Connection, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Connection{}, core.NewValidationError("id", "connection id is required")
	}
	return s.getBy(ctx, "id", id)
}

func (s *ConnectionStore) GetByInstanceName(ctx context.Context, instanceName string) (core.Connection, error) {
	instanceName = strings.TrimSpace(instanceName)
	if instanceName == "" {
		return core.Connection{}, core.NewValidationError("instance_name", "instance name is required")
	}
	return s.getBy(ctx, "instance_name", instanceName)
}

// FindByPhoneNumberID prefers the connected record when a phone number was
// re-onboarded after an earlier disconnect.
func (s *ConnectionStore) FindByPhoneNumberID(ctx context.Context, phoneNumberID string) (core.Connection, error) {
	if s == nil || s.repo == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	if phoneNumberID == "" {
		return core.Connection{}, core.NewValidationError("phone_number_id", "phone number id is required")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("phone_number_id", "=", phoneNumberID),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.OrderExpr("CASE WHEN ?TableAlias.status = ? THEN 0 ELSE 1 END", string(core.ConnectionStatusConnected))
		}),
		repository.OrderBy("updated_at DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Connection{}, err
	}
	if len(records) == 0 {
		return core.Connection{}, fmt.Errorf("%w: phone_number_id %q", core.ErrConnectionNotFound, phoneNumberID)
	}
	return records[0].toDomain(), nil
}

func (s *ConnectionStore) List(ctx context.Context, filter core.ConnectionFilter) ([]core.Connection, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: connection store is not configured")
	}
	criteria := []repository.SelectCriteria{}
	if value := strings.TrimSpace(filter.UserID); value != "" {
		criteria = append(criteria, repository.SelectBy("user_id", "=", value))
	}
	if value := strings.TrimSpace(filter.AgentID); value != "" {
		criteria = append(criteria, repository.SelectBy("agent_id", "=", value))
	}
	if value := strings.TrimSpace(filter.CompanyID); value != "" {
		criteria = append(criteria, repository.SelectBy("company_id", "=", value))
	}
	if filter.Channel != "" {
		criteria = append(criteria, repository.SelectBy("channel", "=", string(filter.Channel)))
	}
	if len(filter.Statuses) > 0 {
		statuses := statusStrings(filter.Statuses)
		criteria = append(criteria, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.status IN (?)", bun.In(statuses))
		}))
	}
	criteria = append(criteria, repository.OrderBy("created_at ASC"))
	if filter.Limit > 0 {
		criteria = append(criteria, repository.SelectPaginate(filter.Limit, 0))
	}

	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	return toDomainConnections(records), nil
}

func (s *ConnectionStore) ListRefreshCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]core.Connection, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: connection store is not configured")
	}
	records := []*connectionRecord{}
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.channel = ?", string(core.ChannelCloud)).
		Where("?TableAlias.status = ?", string(core.ConnectionStatusConnected)).
		Where("?TableAlias.token_expires_at IS NOT NULL").
		Where("?TableAlias.token_expires_at <= ?", dueBefore.UTC()).
		OrderExpr("?TableAlias.token_expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	return toDomainConnections(records), nil
}

func (s *ConnectionStore) ListOverduePairings(ctx context.Context, now time.Time, limit int) ([]core.Connection, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: connection store is not configured")
	}
	records := []*connectionRecord{}
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.channel = ?", string(core.ChannelBridge)).
		Where("?TableAlias.status IN (?)", bun.In([]string{
			string(core.ConnectionStatusPending),
			string(core.ConnectionStatusQRCode),
		})).
		Where("?TableAlias.expires_at IS NOT NULL").
		Where("?TableAlias.expires_at <= ?", now.UTC()).
		OrderExpr("?TableAlias.expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	return toDomainConnections(records), nil
}

// Update writes conn when the persisted status is one of expected. With no
// expected statuses the write is unconditional.
func (s *ConnectionStore) Update(ctx context.Context, conn core.Connection, expected ...core.ConnectionStatus) (core.Connection, error) {
	if s == nil || s.db == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	if strings.TrimSpace(conn.ID) == "" {
		return core.Connection{}, core.NewValidationError("id", "connection id is required")
	}
	if err := conn.Validate(); err != nil {
		return core.Connection{}, err
	}
	record := newConnectionRecord(conn)
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = s.now()
	}

	query := s.db.NewUpdate().
		Model(record).
		ExcludeColumn(updateExcludedColumns...).
		WherePK()
	if len(expected) > 0 {
		query = query.Where("status IN (?)", bun.In(statusStrings(expected)))
	}
	result, err := query.Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Connection{}, duplicateConnectionError(conn)
		}
		return core.Connection{}, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		if _, getErr := s.Get(ctx, record.ID); getErr != nil {
			return core.Connection{}, getErr
		}
		return core.Connection{}, fmt.Errorf("%w: connection %q", core.ErrStaleWrite, record.ID)
	}
	return s.Get(ctx, record.ID)
}

// ApplyCounters increments counters with SQL arithmetic so concurrent
// deliveries never lose updates.
func (s *ConnectionStore) ApplyCounters(ctx context.Context, id string, delta core.CounterDelta) (core.Connection, error) {
	if s == nil || s.db == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Connection{}, core.NewValidationError("id", "connection id is required")
	}
	if delta.Empty() {
		return s.Get(ctx, id)
	}
	at := delta.At.UTC()
	if delta.At.IsZero() {
		at = s.now()
	}

	query := s.db.NewUpdate().
		Model((*connectionRecord)(nil)).
		Set("messages_sent = messages_sent + ?", delta.Sent).
		Set("messages_received = messages_received + ?", delta.Received).
		Set("error_count = error_count + ?", delta.Errors).
		Set("updated_at = ?", at)
	if delta.ResetConsecutive {
		query = query.Set("consecutive_errors = ?", delta.Errors)
	} else {
		query = query.Set("consecutive_errors = consecutive_errors + ?", delta.Errors)
	}
	if message := strings.TrimSpace(delta.LastErrorMessage); message != "" {
		query = query.
			Set("last_error_message = ?", message).
			Set("last_error_at = ?", at)
	}
	result, err := query.Where("id = ?", id).Exec(ctx)
	if err != nil {
		return core.Connection{}, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return core.Connection{}, fmt.Errorf("%w: id %q", core.ErrConnectionNotFound, id)
	}
	return s.Get(ctx, id)
}

func (s *ConnectionStore) UpdateHealth(ctx context.Context, id string, health core.HealthStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: connection store is not configured")
	}
	id = strings.TrimSpace(id)
	result, err := s.db.NewUpdate().
		Model((*connectionRecord)(nil)).
		Set("health_status = ?", string(health)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: id %q", core.ErrConnectionNotFound, id)
	}
	return nil
}

func (s *ConnectionStore) ResetExpiredQuotas(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: connection store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*connectionRecord)(nil)).
		Set("quota_used = 0").
		Set("quota_reset_at = NULL").
		Set("updated_at = ?", now.UTC()).
		Where("quota_reset_at IS NOT NULL").
		Where("quota_reset_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

func (s *ConnectionStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: connection store is not configured")
	}
	id = strings.TrimSpace(id)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*messageReceiptRecord)(nil)).Where("connection_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*webhookEventRecord)(nil)).Where("connection_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		result, err := tx.NewDelete().Model((*connectionRecord)(nil)).Where("id = ?", id).Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return fmt.Errorf("%w: id %q", core.ErrConnectionNotFound, id)
		}
		return nil
	})
}

// DeleteByCompany removes every connection of a company together with its
// events and receipts in one transaction.
func (s *ConnectionStore) DeleteByCompany(ctx context.Context, companyID string) (core.CascadeResult, error) {
	if s == nil || s.db == nil {
		return core.CascadeResult{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return core.CascadeResult{}, core.NewValidationError("company_id", "company id is required")
	}
	out := core.CascadeResult{CompanyID: companyID}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		owned := tx.NewSelect().
			Model((*connectionRecord)(nil)).
			Column("id").
			Where("company_id = ?", companyID)

		receipts, err := tx.NewDelete().
			Model((*messageReceiptRecord)(nil)).
			Where("connection_id IN (?)", owned).
			Exec(ctx)
		if err != nil {
			return err
		}
		out.Receipts, _ = receipts.RowsAffected()

		events, err := tx.NewDelete().
			Model((*webhookEventRecord)(nil)).
			Where("connection_id IN (?)", owned).
			Exec(ctx)
		if err != nil {
			return err
		}
		out.Events, _ = events.RowsAffected()

		connections, err := tx.NewDelete().
			Model((*connectionRecord)(nil)).
			Where("company_id = ?", companyID).
			Exec(ctx)
		if err != nil {
			return err
		}
		out.Connections, _ = connections.RowsAffected()
		return nil
	})
	if err != nil {
		return core.CascadeResult{CompanyID: companyID}, err
	}
	return out, nil
}

func (s *ConnectionStore) getBy(ctx context.Context, column string, value string) (core.Connection, error) {
	if s == nil || s.db == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	record := &connectionRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Connection{}, fmt.Errorf("%w: %s %q", core.ErrConnectionNotFound, column, value)
		}
		return core.Connection{}, err
	}
	return record.toDomain(), nil
}

func duplicateConnectionError(conn core.Connection) error {
	switch conn.Channel {
	case core.ChannelBridge:
		return core.NewDuplicateConnectionError(fmt.Sprintf("sqlstore: instance name %q already in use", conn.InstanceName()))
	default:
		return core.NewDuplicateConnectionError(fmt.Sprintf("sqlstore: phone number %s is already connected", conn.PhoneNumberID()))
	}
}

func toDomainConnections(records []*connectionRecord) []core.Connection {
	out := make([]core.Connection, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out
}

func statusStrings(statuses []core.ConnectionStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
