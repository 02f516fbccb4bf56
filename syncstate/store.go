package syncstate

import "context"

type Store interface {
	// SaveSyncState records an attempt for s.Email. The store sets
	// Attempts to the previous count plus one while the previous state is
	// pending, and to one otherwise. A nil LastSuccessAt keeps the stored
	// value. Both happen atomically with the write.
	SaveSyncState(ctx context.Context, s *State) error
	GetSyncState(ctx context.Context, email string) (*State, error)
	// ListPendingSync returns pending states, oldest attempt first.
	ListPendingSync(ctx context.Context, limit int) ([]*State, error)
}
