package escalation

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemStore keeps counters in process memory. Counters are lost on restart.
type MemStore struct {
	counts *xsync.MapOf[string, int]
	kicked *xsync.MapOf[string, bool]
}

func NewMemStore() *MemStore {
	return &MemStore{
		counts: xsync.NewMapOf[string, int](),
		kicked: xsync.NewMapOf[string, bool](),
	}
}

func (s *MemStore) Increment(ctx context.Context, key Key) (int, error) {
	v, _ := s.counts.Compute(key.String(), func(old int, loaded bool) (int, bool) {
		return old + 1, false
	})
	return v, nil
}

func (s *MemStore) Get(ctx context.Context, key Key) (int, error) {
	v, _ := s.counts.Load(key.String())
	return v, nil
}

func (s *MemStore) Reset(ctx context.Context, key Key) error {
	s.counts.Delete(key.String())
	return nil
}

func (s *MemStore) SetKicked(ctx context.Context, guildID, memberID string, kicked bool) error {
	k := guildID + "/" + memberID
	if kicked {
		s.kicked.Store(k, true)
	} else {
		s.kicked.Delete(k)
	}
	return nil
}

func (s *MemStore) Kicked(ctx context.Context, guildID, memberID string) (bool, error) {
	v, _ := s.kicked.Load(guildID + "/" + memberID)
	return v, nil
}
