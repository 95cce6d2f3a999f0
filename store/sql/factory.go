package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db *bun.DB

	connectionStore    *ConnectionStore
	eventLogStore      *EventLogStore
	messageLedgerStore *MessageLedgerStore
	refreshLeaseLocker *RefreshLeaseLocker
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStores accepts a *bun.DB or anything exposing DB() *bun.DB, such as
// a go-persistence-bun client.
func (f *RepositoryFactory) BuildStores(persistenceClient any) (*RepositoryFactory, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.connectionStore != nil && f.eventLogStore != nil && f.messageLedgerStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) ConnectionStore() *ConnectionStore {
	if f == nil {
		return nil
	}
	return f.connectionStore
}

func (f *RepositoryFactory) EventLogStore() *EventLogStore {
	if f == nil {
		return nil
	}
	return f.eventLogStore
}

func (f *RepositoryFactory) MessageLedgerStore() *MessageLedgerStore {
	if f == nil {
		return nil
	}
	return f.messageLedgerStore
}

func (f *RepositoryFactory) RefreshLeaseLocker() *RefreshLeaseLocker {
	if f == nil {
		return nil
	}
	return f.refreshLeaseLocker
}

func (f *RepositoryFactory) initStores() error {
	connectionStore, err := NewConnectionStore(f.db)
	if err != nil {
		return err
	}
	f.connectionStore = connectionStore

	eventLogStore, err := NewEventLogStore(f.db)
	if err != nil {
		return err
	}
	f.eventLogStore = eventLogStore

	messageLedgerStore, err := NewMessageLedgerStore(f.db)
	if err != nil {
		return err
	}
	f.messageLedgerStore = messageLedgerStore

	refreshLeaseLocker, err := NewRefreshLeaseLocker(f.db)
	if err != nil {
		return err
	}
	f.refreshLeaseLocker = refreshLeaseLocker
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
