package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "crowdbot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: got (%v, %v), want (nil, nil)", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestStores(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "crowdbot.db")
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })

			ctx := context.Background()
			base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			for i := 1; i <= 4; i++ {
				rec := DeliveryRecord{
					At:          base.Add(time.Duration(i) * time.Minute),
					CycleID:     "c1",
					RecipientID: 42,
					PostID:      int64(i),
					Status:      StatusDelivered,
				}
				if err := st.AppendDelivery(ctx, rec); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			other := DeliveryRecord{At: base, CycleID: "c1", RecipientID: 7, PostID: 9, Status: StatusUnreachable, Error: "blocked"}
			if err := st.AppendDelivery(ctx, other); err != nil {
				t.Fatalf("append: %v", err)
			}

			got, err := st.RecentDeliveries(ctx, 42, 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 2 || got[0].PostID != 4 || got[1].PostID != 3 {
				t.Fatalf("unexpected records: %+v", got)
			}
			if !got[0].At.Equal(base.Add(4 * time.Minute)) {
				t.Fatalf("at = %v", got[0].At)
			}

			got, err = st.RecentDeliveries(ctx, 7, 10)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 1 || got[0].Status != StatusUnreachable || got[0].Error != "blocked" {
				t.Fatalf("unexpected records: %+v", got)
			}
		})
	}
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendDelivery(context.Background(), DeliveryRecord{}); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
