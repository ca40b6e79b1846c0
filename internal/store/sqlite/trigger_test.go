package sqlite

import (
	"context"
	"testing"
)

func TestStatusEventsRejectUpdateAndDelete(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, err = s.db.Exec(`INSERT INTO jobs (id, code, description, source, current_status, holder_role, created_at, updated_at)
		VALUES ('j1', 'DJ-2026-000001', 'ring', 'Stock', 'PURCHASED', 'Purchase', '2026-01-01 00:00:00+00:00', '2026-01-01 00:00:00+00:00')`)
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	_, err = s.db.Exec(`INSERT INTO status_events (id, job_id, to_status, actor_id, actor_role, recorded_at)
		VALUES ('e1', 'j1', 'PURCHASED', 'u1', 'Purchase', '2026-01-01 00:00:00+00:00')`)
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE status_events SET to_status = 'CANCELLED'`); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if _, err := s.db.Exec(`DELETE FROM status_events`); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
}
