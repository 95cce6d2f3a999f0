package sqlstore

import "github.com/goliatone/go-channels/core"

var (
	_ core.ConnectionRepository = (*ConnectionStore)(nil)
	_ core.EventLog             = (*EventLogStore)(nil)
	_ core.MessageLedger        = (*MessageLedgerStore)(nil)
	_ core.ConnectionLocker     = (*RefreshLeaseLocker)(nil)
	_ PhoneNumberFinder         = (*ConnectionStore)(nil)
	_ PhoneNumberFinder         = (*CachedConnectionLookup)(nil)
)
