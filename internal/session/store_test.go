package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/capture_guide/internal/steps"
)

type storeFactory func(t *testing.T) Store

func openSQLiteStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openFileStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	return s
}

var stores = map[string]storeFactory{
	"sqlite": openSQLiteStore,
	"file":   openFileStore,
}

func TestStoreRoundTrip(t *testing.T) {
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)

			s := New(t0)
			s.SetResult(result(steps.Front, "front.jpg"), t0.Add(time.Second))
			s.Skip(steps.Left, t0.Add(2*time.Second))
			if err := st.Save(ctx, s); err != nil {
				t.Fatalf("save: %v", err)
			}

			got, err := st.Load(ctx, s.ID)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got == nil {
				t.Fatal("load returned no session")
			}
			if got.ID != s.ID || !got.StartedAt.Equal(s.StartedAt) || !got.UpdatedAt.Equal(s.UpdatedAt) {
				t.Errorf("metadata = %+v", got)
			}
			if r := got.Slot(steps.Front).Result; r == nil || r.ImageRef != "front.jpg" || r.Width != 1920 {
				t.Errorf("front slot = %+v", r)
			}
			if !got.Slot(steps.Left).Skipped {
				t.Error("left slot lost its skipped marker")
			}

			// Overwrite in place.
			s.SetResult(result(steps.Front, "front-2.jpg"), t0.Add(3*time.Second))
			if err := st.Save(ctx, s); err != nil {
				t.Fatalf("resave: %v", err)
			}
			got, _ = st.Load(ctx, s.ID)
			if got.Slot(steps.Front).Result.ImageRef != "front-2.jpg" {
				t.Errorf("front after resave = %+v", got.Slot(steps.Front).Result)
			}
		})
	}
}

func TestStoreMissingSession(t *testing.T) {
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)

			got, err := st.Load(ctx, uuid.NewString())
			if err != nil || got != nil {
				t.Errorf("Load(unknown) = %v, %v", got, err)
			}
			got, err = st.Latest(ctx)
			if err != nil || got != nil {
				t.Errorf("Latest(empty) = %v, %v", got, err)
			}
			if _, err := st.Load(ctx, "../escape"); err == nil {
				t.Error("Load accepted a non-uuid id")
			}
		})
	}
}

func TestStoreDeleteReleasesImages(t *testing.T) {
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)

			dir := t.TempDir()
			img := filepath.Join(dir, "front.jpg")
			if err := os.WriteFile(img, []byte("jpeg"), 0o644); err != nil {
				t.Fatal(err)
			}

			s := New(t0)
			s.SetResult(result(steps.Front, img), t0)
			s.SetResult(result(steps.Left, filepath.Join(dir, "gone.jpg")), t0)
			if err := st.Save(ctx, s); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := st.Delete(ctx, s.ID); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := os.Stat(img); !os.IsNotExist(err) {
				t.Errorf("image still present: %v", err)
			}
			if got, _ := st.Load(ctx, s.ID); got != nil {
				t.Error("session still loadable after delete")
			}
		})
	}
}

func TestSQLiteLatestAndCorruption(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	older := New(t0)
	newer := New(t0.Add(time.Minute))
	for _, s := range []*Session{newer, older} {
		if err := st.Save(ctx, s); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	got, err := st.Latest(ctx)
	if err != nil || got == nil || got.ID != newer.ID {
		t.Fatalf("Latest = %v, %v, want %s", got, err, newer.ID)
	}

	if _, err := st.db.Exec(`UPDATE sessions SET record = '{broken' WHERE id = ?`, newer.ID); err != nil {
		t.Fatal(err)
	}
	got, err = st.Latest(ctx)
	if err != nil {
		t.Fatalf("corrupt record surfaced as error: %v", err)
	}
	if got != nil {
		t.Errorf("corrupt record returned a session: %+v", got)
	}
}

func TestFileStoreLatestAndCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	older := New(t0)
	newer := New(t0)
	for _, s := range []*Session{older, newer} {
		if err := st.Save(ctx, s); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	base := time.Now()
	os.Chtimes(st.path(older.ID), base, base.Add(-time.Hour))
	os.Chtimes(st.path(newer.ID), base, base)

	got, err := st.Latest(ctx)
	if err != nil || got == nil || got.ID != newer.ID {
		t.Fatalf("Latest = %v, %v, want %s", got, err, newer.ID)
	}

	if err := os.WriteFile(st.path(newer.ID), []byte("\x00\x01"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Chtimes(st.path(newer.ID), base, base)
	got, err = st.Latest(ctx)
	if err != nil || got != nil {
		t.Errorf("Latest with corrupt newest = %v, %v, want nil, nil", got, err)
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}
}
