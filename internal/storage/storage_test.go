package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "dispatchcheck/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, drv := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: drv}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", drv, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestStoreAppendAndRecent(t *testing.T) {
	t.Parallel()
	for _, drv := range []string{"file", "sqlite"} {
		drv := drv
		t.Run(drv, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "nested", "history.db")
			st, err := Open(Config{Driver: drv, Path: path, BusyTimeout: time.Second}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()

			ctx := context.Background()
			base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				r := RunRecord{
					RunID:     "run-" + string(rune('a'+i)),
					At:        base.Add(time.Duration(i) * time.Minute),
					Driver:    "memory",
					Endpoints: 4,
					Sent:      20,
					Received:  20 - i,
					Rounds:    5 + i,
					Counts:    []int{5, 5, 5, 5 - i},
					Outcome:   "verified",
					TookMS:    int64(10 * i),
				}
				if i == 2 {
					r.Outcome = "incomplete"
					r.Error = "incomplete dispatch: received 18 of 20 items after 12 rounds"
				}
				if err := st.AppendRun(ctx, r); err != nil {
					t.Fatalf("AppendRun: %v", err)
				}
			}

			got, err := st.RecentRuns(ctx, 2)
			if err != nil {
				t.Fatalf("RecentRuns: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len = %d, want 2", len(got))
			}
			if got[0].RunID != "run-c" || got[1].RunID != "run-b" {
				t.Fatalf("order = %s, %s; want newest first", got[0].RunID, got[1].RunID)
			}
			if got[0].Outcome != "incomplete" || got[0].Error == "" || got[0].Received != 18 {
				t.Fatalf("latest = %+v", got[0])
			}
			if len(got[0].Counts) != 4 || got[0].Counts[3] != 3 {
				t.Fatalf("counts = %v", got[0].Counts)
			}
			if !got[1].At.Equal(base.Add(time.Minute)) {
				t.Fatalf("at = %v", got[1].At)
			}

			all, err := st.RecentRuns(ctx, 0)
			if err != nil || len(all) != 3 {
				t.Fatalf("RecentRuns(0) = %d, %v", len(all), err)
			}
		})
	}
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "h")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	if err := st.AppendRun(ctx, RunRecord{RunID: "ok-1", Outcome: "verified"}); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "h.runs.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open runs file: %v", err)
	}
	_, _ = f.WriteString("{\"run_id\": \"torn\n")
	_ = f.Close()

	if err := st.AppendRun(ctx, RunRecord{RunID: "ok-2", Outcome: "verified"}); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}
	got, err := st.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 2 || got[0].RunID != "ok-2" {
		t.Fatalf("got %+v", got)
	}
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := st.AppendRun(context.Background(), RunRecord{}); err == nil {
		t.Fatal("AppendRun after Close should fail")
	}
}
