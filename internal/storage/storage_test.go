package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shockclock/pkg/logx"
)

func openTest(t *testing.T, driver string) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	return st, path
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, _ := openTest(t, driver)
			defer st.Close()
			ctx := context.Background()

			if err := st.AddUser(ctx, "u2"); err != nil {
				t.Fatalf("AddUser: %v", err)
			}
			if err := st.AddUser(ctx, "u1"); err != nil {
				t.Fatalf("AddUser: %v", err)
			}
			if err := st.AddUser(ctx, "u1"); err != nil {
				t.Fatalf("AddUser twice: %v", err)
			}
			users, err := st.ListUsers(ctx)
			if err != nil || len(users) != 2 || users[0] != "u1" {
				t.Fatalf("ListUsers: %v %v", users, err)
			}

			if _, err := st.GetCredential(ctx, "u1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := st.PutCredential(ctx, "u1", Credential{APIKey: "k", DeviceID: "d"}); err != nil {
				t.Fatalf("PutCredential: %v", err)
			}
			c, err := st.GetCredential(ctx, "u1")
			if err != nil || !c.Complete() {
				t.Fatalf("GetCredential: %+v %v", c, err)
			}

			rec := AlarmRecord{Name: "wake", TriggerAt: "2026-03-04 07:00:00", Intensity: 30, DurationMS: 1000, Repeat: true, Days: "Monday"}
			if err := st.PutAlarm(ctx, "u1", rec); err != nil {
				t.Fatalf("PutAlarm: %v", err)
			}
			rec.Intensity = 40
			rec.VibratedAt = "2026-03-04 07:00:00"
			if err := st.PutAlarm(ctx, "u1", rec); err != nil {
				t.Fatalf("PutAlarm upsert: %v", err)
			}
			if err := st.PutAlarm(ctx, "u1", AlarmRecord{Name: "alpha", TriggerAt: "2026-03-04 08:00:00", Intensity: 1, DurationMS: 1}); err != nil {
				t.Fatalf("PutAlarm: %v", err)
			}
			got, err := st.ListAlarms(ctx, "u1")
			if err != nil || len(got) != 2 {
				t.Fatalf("ListAlarms: %v %v", got, err)
			}
			if got[0].Name != "alpha" || got[1] != rec {
				t.Fatalf("unexpected alarms: %+v", got)
			}
			if other, _ := st.ListAlarms(ctx, "u2"); len(other) != 0 {
				t.Fatalf("alarms leaked across users: %+v", other)
			}

			if err := st.DeleteAlarm(ctx, "u1", "alpha"); err != nil {
				t.Fatalf("DeleteAlarm: %v", err)
			}
			if err := st.DeleteAlarm(ctx, "u1", "missing"); err != nil {
				t.Fatalf("DeleteAlarm missing: %v", err)
			}
			got, _ = st.ListAlarms(ctx, "u1")
			if len(got) != 1 {
				t.Fatalf("after delete: %+v", got)
			}

			if err := st.AppendAudit(ctx, AuditEntry{User: "u1", Action: "trigger", OK: true}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
			if err := st.Compact(ctx); err != nil {
				t.Fatalf("Compact: %v", err)
			}
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, path := openTest(t, driver)
			ctx := context.Background()
			_ = st.AddUser(ctx, "u")
			_ = st.PutCredential(ctx, "u", Credential{APIKey: "k", DeviceID: "d"})
			_ = st.PutAlarm(ctx, "u", AlarmRecord{Name: "a", TriggerAt: "2026-03-04 07:00:00", Intensity: 5, DurationMS: 500})
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st2, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st2.Close()
			users, _ := st2.ListUsers(ctx)
			alarms, _ := st2.ListAlarms(ctx, "u")
			cred, err := st2.GetCredential(ctx, "u")
			if len(users) != 1 || len(alarms) != 1 || err != nil || cred.APIKey != "k" {
				t.Fatalf("state lost: users=%v alarms=%v cred=%+v err=%v", users, alarms, cred, err)
			}
		})
	}
}

func TestPausedUsersSurviveReopen(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, path := openTest(t, driver)
			ctx := context.Background()
			_ = st.AddUser(ctx, "u1")
			_ = st.AddUser(ctx, "u2")
			if err := st.SetPaused(ctx, "u2", true); err != nil {
				t.Fatalf("SetPaused: %v", err)
			}
			if err := st.SetPaused(ctx, "ghost", true); err != nil {
				t.Fatalf("SetPaused unknown user: %v", err)
			}
			if err := st.Compact(ctx); err != nil {
				t.Fatalf("Compact: %v", err)
			}
			_ = st.Close()

			st2, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st2.Close()
			active, _ := st2.ListActiveUsers(ctx)
			all, _ := st2.ListUsers(ctx)
			if len(active) != 1 || active[0] != "u1" || len(all) != 2 {
				t.Fatalf("active=%v all=%v", active, all)
			}
			_ = st2.SetPaused(ctx, "u2", false)
			if active, _ = st2.ListActiveUsers(ctx); len(active) != 2 {
				t.Fatalf("resume lost: %v", active)
			}
		})
	}
}

func TestFileStoreCompactThenReplay(t *testing.T) {
	t.Parallel()
	st, path := openTest(t, "file")
	ctx := context.Background()
	_ = st.PutAlarm(ctx, "u", AlarmRecord{Name: "a", TriggerAt: "2026-03-04 07:00:00", Intensity: 5, DurationMS: 500})
	if err := st.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	_ = st.PutAlarm(ctx, "u", AlarmRecord{Name: "b", TriggerAt: "2026-03-04 07:00:00", Intensity: 5, DurationMS: 500})
	_ = st.DeleteAlarm(ctx, "u", "a")
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	alarms, _ := st2.ListAlarms(ctx, "u")
	if len(alarms) != 1 || alarms[0].Name != "b" {
		t.Fatalf("replay mismatch: %+v", alarms)
	}
}

func TestFileStoreSkipsGarbageJournalLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	journal := `{"op":"add_user","user":"u"}
not json at all
{"op":"put_alarm","user":"u","name":"a","alarm":{"name":"a","trigger_at":"2026-03-04 07:00:00","intensity":5,"duration_ms":500,"vibrate_before":false}}
{"op":"put_alarm","user":"u","na`
	if err := os.WriteFile(filepath.Join(dir, "state.journal.jsonl"), []byte(journal), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	alarms, _ := st.ListAlarms(context.Background(), "u")
	users, _ := st.ListUsers(context.Background())
	if len(alarms) != 1 || len(users) != 1 {
		t.Fatalf("alarms=%v users=%v", alarms, users)
	}
}

func TestStoreRejectsEmptyUser(t *testing.T) {
	t.Parallel()
	st, _ := openTest(t, "file")
	defer st.Close()
	if err := st.AddUser(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty user")
	}
}

func TestClosedFileStore(t *testing.T) {
	t.Parallel()
	st, _ := openTest(t, "file")
	_ = st.Close()
	if _, err := st.ListAlarms(context.Background(), "u"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
