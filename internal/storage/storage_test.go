package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"wablast/internal/kit"
	logx "wablast/pkg/logx"
)

func entry(id, phone string, status kit.LogStatus, at time.Time) kit.LogEntry {
	return kit.LogEntry{
		ID:        id,
		Row:       2,
		Column:    "phone_1",
		Phone:     phone,
		Reference: "inv-1",
		Name:      "Budi",
		Status:    status,
		Message:   "hello",
		At:        at,
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "bogus", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestDrivers(t *testing.T) {
	drivers := []struct {
		name string
		cfg  func(t *testing.T) Config
	}{
		{
			name: "file",
			cfg: func(t *testing.T) Config {
				return Config{Driver: "file", Path: filepath.Join(t.TempDir(), "log.jsonl")}
			},
		},
		{
			name: "sqlite",
			cfg: func(t *testing.T) Config {
				return Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "log.db"), BusyTimeout: time.Second}
			},
		},
	}

	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := d.cfg(t)

			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			base := time.Now().Truncate(time.Second)
			if err := st.Append(ctx, entry("a", "6281", kit.LogSent, base)); err != nil {
				t.Fatalf("Append: %v", err)
			}
			e2 := entry("b", "6282", kit.LogFailed, base.Add(time.Second))
			e2.Error = "stream closed"
			e2.RetryCount = 2
			if err := st.Append(ctx, e2); err != nil {
				t.Fatalf("Append: %v", err)
			}

			got, err := st.Recent(ctx, 10)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("Recent = %d entries, want 2", len(got))
			}
			if got[0].ID != "b" || got[1].ID != "a" {
				t.Fatalf("order = %s,%s, want newest first", got[0].ID, got[1].ID)
			}
			if got[0].Status != kit.LogFailed || got[0].Error != "stream closed" || got[0].RetryCount != 2 {
				t.Fatalf("entry b = %+v", got[0])
			}

			if got, err := st.Recent(ctx, 1); err != nil || len(got) != 1 {
				t.Fatalf("Recent(1) = %v, %v", got, err)
			}

			// Entries survive a reopen for both drivers.
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			if got, err := st.Recent(ctx, 10); err != nil || len(got) != 2 {
				t.Fatalf("Recent after reopen = %v, %v", got, err)
			}

			if err := st.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if got, err := st.Recent(ctx, 10); err != nil || len(got) != 0 {
				t.Fatalf("Recent after clear = %v, %v", got, err)
			}
		})
	}
}
