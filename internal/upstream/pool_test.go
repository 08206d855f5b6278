package upstream

import (
	"net/url"
	"testing"
	"time"
)

func mkServer(host string, role Role) *Server {
	u, _ := url.Parse("http://" + host)
	return NewServer(u, 1, role)
}

func TestNewPool_RequiresPrimary(t *testing.T) {
	_, err := NewPool("p", "", DefaultHealthParams(), []*Server{mkServer("b1", RoleBackup)})
	if err == nil {
		t.Fatal("expected error for pool with only backup servers")
	}
	if _, err := NewPool("p", "", DefaultHealthParams(), nil); err == nil {
		t.Fatal("expected error for empty pool")
	}
}

func TestEligible_HealthyPrimariesOnly(t *testing.T) {
	a := mkServer("a", RolePrimary)
	b := mkServer("b", RolePrimary)
	bk := mkServer("bk", RoleBackup)
	pool, err := NewPool("p", "", DefaultHealthParams(), []*Server{a, b, bk})
	if err != nil {
		t.Fatal(err)
	}

	got := pool.Eligible(time.Now())
	if len(got) != 2 {
		t.Fatalf("got %d eligible, want 2 primaries", len(got))
	}
	for _, s := range got {
		if s.Role != RolePrimary {
			t.Errorf("backup %s eligible while primaries are healthy", s.Addr())
		}
	}
}

func TestEligible_BackupPromotion(t *testing.T) {
	a := mkServer("a", RolePrimary)
	bk := mkServer("bk", RoleBackup)
	pool, err := NewPool("p", "", DefaultHealthParams(), []*Server{a, bk})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	a.MarkFailure(now)
	a.SetState(StateUnhealthy)

	got := pool.Eligible(now)
	if len(got) != 1 || got[0] != bk {
		t.Fatalf("got %v, want backup only", got)
	}

	// Backups stay eligible even when themselves marked unhealthy; they are
	// the last resort.
	bk.MarkFailure(now)
	bk.SetState(StateUnhealthy)
	got = pool.Eligible(now)
	if len(got) != 1 || got[0] != bk {
		t.Fatalf("got %v, want unhealthy backup still eligible", got)
	}
}

func TestEligible_Probation(t *testing.T) {
	health := DefaultHealthParams()
	health.FailTimeout = 10 * time.Second
	a := mkServer("a", RolePrimary)
	b := mkServer("b", RolePrimary)
	pool, err := NewPool("p", "", health, []*Server{a, b})
	if err != nil {
		t.Fatal(err)
	}

	failedAt := time.Now()
	a.MarkFailure(failedAt)
	a.SetState(StateUnhealthy)

	if got := pool.Eligible(failedAt.Add(5 * time.Second)); len(got) != 1 || got[0] != b {
		t.Fatalf("within fail timeout: got %v, want b only", got)
	}
	if got := pool.Eligible(failedAt.Add(10 * time.Second)); len(got) != 2 {
		t.Fatalf("after fail timeout: got %d eligible, want probationary a back", len(got))
	}
}

func TestServer_FailureAccounting(t *testing.T) {
	s := mkServer("a", RolePrimary)
	now := time.Now()

	if n := s.MarkFailure(now); n != 1 {
		t.Errorf("got %d, want 1", n)
	}
	if n := s.MarkFailure(now); n != 2 {
		t.Errorf("got %d, want 2", n)
	}
	if got := s.LastFailure(); !got.Equal(now) {
		t.Errorf("last failure = %v, want %v", got, now)
	}

	s.MarkSuccess()
	if s.FailCount() != 0 || !s.Healthy() {
		t.Errorf("success did not reset: fails=%d healthy=%v", s.FailCount(), s.Healthy())
	}
}
