package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service appends and reads ledger entries. Entries are only ever inserted;
// there is no update or delete path.
type Service interface {
	// AppendTx writes one entry inside the caller's transaction so a balance
	// mutation and its entry land (or roll back) together.
	AppendTx(ctx context.Context, tx *gorm.DB, entry *LedgerEntry) error

	// List returns a user's entries in creation order.
	List(ctx context.Context, userID snowflake.ID) ([]LedgerEntry, error)

	// ListByReference returns the entries tied to one job.
	ListByReference(ctx context.Context, referenceID snowflake.ID) ([]LedgerEntry, error)
}
