package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(dir, nil, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t, t.TempDir())

	if _, ok := s.Get("gh"); ok {
		t.Fatal("Get on empty store reported a checkpoint")
	}
	if err := s.Put("gh", "cursor-1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	cp, ok := s.Get("gh")
	if !ok {
		t.Fatal("Get after Put reported no checkpoint")
	}
	if cp.Cursor != "cursor-1" {
		t.Fatalf("cursor = %q, want cursor-1", cp.Cursor)
	}
	if cp.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not set")
	}
}

func TestPutSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	if err := s.Put("gh", "cursor-7"); err != nil {
		t.Fatal(err)
	}

	s = openStore(t, dir)
	cp, ok := s.Get("gh")
	if !ok || cp.Cursor != "cursor-7" {
		t.Fatalf("after reopen: cp = %+v ok = %v", cp, ok)
	}
}

func TestUpdatedAtMonotonic(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := openStore(t, t.TempDir(), WithClock(clock))

	if err := s.Put("gh", "a"); err != nil {
		t.Fatal(err)
	}
	first, _ := s.Get("gh")

	// Wall clock steps backwards; updated_at must not.
	now = now.Add(-time.Hour)
	if err := s.Put("gh", "b"); err != nil {
		t.Fatal(err)
	}
	second, _ := s.Get("gh")
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Fatalf("updated_at went backwards: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
	if second.Cursor != "b" {
		t.Fatalf("cursor = %q, want b", second.Cursor)
	}

	// Normal forward clock advances it.
	now = now.Add(2 * time.Hour)
	if err := s.Put("gh", "c"); err != nil {
		t.Fatal(err)
	}
	third, _ := s.Get("gh")
	if !third.UpdatedAt.After(second.UpdatedAt) {
		t.Fatalf("updated_at did not advance: %v -> %v", second.UpdatedAt, third.UpdatedAt)
	}
}

func TestFingerprintWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := openStore(t, t.TempDir(), WithClock(clock))

	if s.Seen("gh", "fp1") {
		t.Fatal("fresh store reported a fingerprint as seen")
	}
	if err := s.ObserveFingerprint("gh", "fp1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if !s.Seen("gh", "fp1") {
		t.Fatal("fingerprint not seen inside window")
	}
	if s.Seen("other", "fp1") {
		t.Fatal("fingerprint leaked across sources")
	}

	now = now.Add(2 * time.Minute)
	if s.Seen("gh", "fp1") {
		t.Fatal("fingerprint still seen after ttl")
	}
}

func TestFingerprintsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	s := openStore(t, dir, WithClock(clock))
	if err := s.ObserveFingerprint("gh", "fp1", time.Hour); err != nil {
		t.Fatal(err)
	}

	s = openStore(t, dir, WithClock(clock))
	if !s.Seen("gh", "fp1") {
		t.Fatal("fingerprint lost across reopen")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := openStore(t, dir, WithClock(clock))

	if err := s.ObserveFingerprint("gh", "old", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.ObserveFingerprint("gh", "fresh", time.Hour); err != nil {
		t.Fatal(err)
	}

	now = now.Add(10 * time.Minute)
	s.Sweep()

	cp, _ := s.Get("gh")
	if len(cp.Dedup) != 1 {
		t.Fatalf("dedup entries after sweep = %d, want 1", len(cp.Dedup))
	}
	if cp.Dedup[0].FP != "fresh" {
		t.Fatalf("surviving fp = %q, want fresh", cp.Dedup[0].FP)
	}
}

func TestPartialWriteCrashPreservesPrevious(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	if err := s.Put("gh", "good"); err != nil {
		t.Fatal(err)
	}

	// A crash between temp-write and rename leaves a stray temp file;
	// it must not shadow the committed value.
	if err := os.WriteFile(filepath.Join(dir, "gh.tmp-123"), []byte("{garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	s = openStore(t, dir)
	cp, ok := s.Get("gh")
	if !ok || cp.Cursor != "good" {
		t.Fatalf("after crash: cp = %+v ok = %v", cp, ok)
	}
}
