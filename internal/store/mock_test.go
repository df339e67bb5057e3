package store

import (
	"context"

	"github.com/pashagolub/pgxmock/v4"
)

// setupMockContext plants the mock where conn() looks for a transaction,
// so store methods run against it without a live pool.
func setupMockContext(mock pgxmock.PgxPoolIface) context.Context {
	return WithQuerier(context.Background(), mock)
}
