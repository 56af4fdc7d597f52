package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mikey/llm-mail-triage/internal/core"
)

func windowStores(t *testing.T) map[string]core.WindowStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]core.WindowStore{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func TestWindowStoreAdmit(t *testing.T) {
	for name, s := range windowStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			start := time.UnixMilli(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli())
			window := time.Minute

			for i := 0; i < 3; i++ {
				st, err := s.Admit(ctx, "k", start.Add(time.Duration(i)*time.Second), window, 3)
				if err != nil {
					t.Fatal(err)
				}
				if !st.Admitted || st.Count != i {
					t.Errorf("request %d = %+v, want admitted with count %d", i, st, i)
				}
				if !st.Oldest.Equal(start) {
					t.Errorf("request %d oldest = %v, want %v", i, st.Oldest, start)
				}
			}

			st, err := s.Admit(ctx, "k", start.Add(10*time.Second), window, 3)
			if err != nil {
				t.Fatal(err)
			}
			if st.Admitted || st.Count != 3 {
				t.Errorf("over limit = %+v, want denied with count 3", st)
			}

			st, err = s.Admit(ctx, "other", start.Add(10*time.Second), window, 3)
			if err != nil || !st.Admitted {
				t.Errorf("independent key = %+v, %v", st, err)
			}

			// the first entry has left the window
			st, err = s.Admit(ctx, "k", start.Add(window+500*time.Millisecond), window, 3)
			if err != nil {
				t.Fatal(err)
			}
			if !st.Admitted || st.Count != 2 {
				t.Errorf("after slide = %+v, want admitted with count 2", st)
			}
			if !st.Oldest.Equal(start.Add(time.Second)) {
				t.Errorf("oldest = %v, want %v", st.Oldest, start.Add(time.Second))
			}
		})
	}
}

func TestMemoryStoreDropsEmptyWindows(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	_, _ = s.Admit(context.Background(), "k", now, time.Second, 0)
	if s.Len() != 0 {
		t.Errorf("tracked keys = %d, want 0", s.Len())
	}
	_, _ = s.Admit(context.Background(), "k", now, time.Second, 1)
	if s.Len() != 1 {
		t.Errorf("tracked keys = %d, want 1", s.Len())
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	if _, err := NewRedisStore(client).Admit(context.Background(), "k", time.Now(), time.Minute, 1); err == nil {
		t.Error("Admit succeeded against a stopped server")
	}
}
