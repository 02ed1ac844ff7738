package identity

import (
	"context"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeMeta struct {
	usernames map[string]string // "platform/key" -> username
	calls     int
}

func (f *fakeMeta) LatestUsername(_ context.Context, platform, subjectKey string) (string, bool, error) {
	f.calls++
	u, ok := f.usernames[platform+"/"+subjectKey]
	return u, ok, nil
}

type fakeJobs struct {
	applied bool
	oldKey  string
	newKey  string
}

func (f *fakeJobs) RewriteJobKey(_ context.Context, _, _, oldKey, newKey, _ string) (bool, error) {
	f.oldKey, f.newKey = oldKey, newKey
	return f.applied, nil
}

type fakeSubjects struct {
	rewrites int
	oldKey   string
	newKey   string
}

func (f *fakeSubjects) RewriteProfileKeys(_ context.Context, _, oldKey, newKey string) (int, error) {
	f.oldKey, f.newKey = oldKey, newKey
	f.rewrites++
	return 2, nil
}

func testCache(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestDisplayKeyFallsBackToSubjectKey(t *testing.T) {
	r := NewResolver(&fakeMeta{}, nil, nil, nil, time.Minute, slog.Default())
	got, err := r.DisplayKey(context.Background(), "twitter", "12345")
	if err != nil {
		t.Fatalf("display key: %v", err)
	}
	if got != "12345" {
		t.Fatalf("expected fallback to subject key, got %q", got)
	}
}

func TestDisplayKeyUsesLatestMeta(t *testing.T) {
	meta := &fakeMeta{usernames: map[string]string{"twitter/12345": "alice"}}
	r := NewResolver(meta, nil, nil, nil, time.Minute, slog.Default())
	got, err := r.DisplayKey(context.Background(), "twitter", "12345")
	if err != nil {
		t.Fatalf("display key: %v", err)
	}
	if got != "alice" {
		t.Fatalf("expected alice, got %q", got)
	}
}

func TestDisplayKeyCaches(t *testing.T) {
	meta := &fakeMeta{usernames: map[string]string{"twitter/12345": "alice"}}
	r := NewResolver(meta, nil, nil, testCache(t), time.Minute, slog.Default())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := r.DisplayKey(ctx, "twitter", "12345")
		if err != nil || got != "alice" {
			t.Fatalf("display key round %d: got %q err %v", i, got, err)
		}
	}
	if meta.calls != 1 {
		t.Fatalf("expected a single store lookup, got %d", meta.calls)
	}
}

func TestReconcileRewritesJobThenSubjects(t *testing.T) {
	jobs := &fakeJobs{applied: true}
	subjects := &fakeSubjects{}
	r := NewResolver(&fakeMeta{}, jobs, subjects, testCache(t), time.Minute, slog.Default())

	applied, err := r.Reconcile(context.Background(), "L1", "twitter", "12345", "alice", "w1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !applied {
		t.Fatal("expected reconcile to apply")
	}
	if jobs.oldKey != "alice" || jobs.newKey != "12345" {
		t.Fatalf("job rewrite got %s -> %s", jobs.oldKey, jobs.newKey)
	}
	if subjects.rewrites != 1 || subjects.oldKey != "alice" || subjects.newKey != "12345" {
		t.Fatalf("subject rewrite got %s -> %s (%d)", subjects.oldKey, subjects.newKey, subjects.rewrites)
	}
}

func TestReconcileStaleLeaseIsNoOp(t *testing.T) {
	jobs := &fakeJobs{applied: false}
	subjects := &fakeSubjects{}
	r := NewResolver(&fakeMeta{}, jobs, subjects, nil, time.Minute, slog.Default())

	applied, err := r.Reconcile(context.Background(), "L1", "twitter", "12345", "alice", "w1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if applied {
		t.Fatal("expected stale reconcile to report not applied")
	}
	if subjects.rewrites != 0 {
		t.Fatal("subjects must not be rewritten when the job rewrite did not apply")
	}
}
