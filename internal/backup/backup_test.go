package backup

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatfundr/goatnode/internal/logger"
	"github.com/goatfundr/goatnode/internal/metrics"
)

func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data", "chain"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "chain", "blocks.db"), []byte("blocks"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "goatchain.log"), []byte("started\n"), 0o644))
	return dir
}

func newManager(dir string, now func() time.Time) *Manager {
	return New(Options{
		Enabled:  true,
		Dir:      filepath.Join(dir, "backups"),
		Sources:  []string{"data", "logs", "artifacts"},
		Archiver: NativeArchiver{Dir: dir},
		Logger:   logger.Discard(),
		Metrics:  metrics.New(),
		Now:      now,
	})
}

func TestArchiveName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 123_000_000, time.FixedZone("X", 3600))
	assert.Equal(t, "goatchain-backup-2024-03-09T13-05-07-123Z.tar.gz", ArchiveName(ts))
}

func TestDisabledIsNoop(t *testing.T) {
	dir := t.TempDir()
	m := New(Options{Dir: filepath.Join(dir, "backups")})
	rec, err := m.CreateBackup(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.Name)
	_, err = m.TryCreateBackup(context.Background())
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(dir, "backups"))
	assert.False(t, m.Enabled())
}

func TestTwelveTicksKeepTenStrictlyIncreasing(t *testing.T) {
	dir := workspace(t)
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newManager(dir, func() time.Time { return frozen })

	var created []string
	for i := 0; i < 12; i++ {
		rec, err := m.TryCreateBackup(context.Background())
		require.NoError(t, err)
		created = append(created, rec.Name)

		recs, err := m.List()
		require.NoError(t, err)
		assert.Len(t, recs, min(10, i+1))
	}

	for i := 1; i < len(created); i++ {
		assert.Greater(t, created[i], created[i-1], "names strictly increase")
	}

	recs, err := m.List()
	require.NoError(t, err)
	var kept []string
	for _, r := range recs {
		kept = append(kept, r.Name)
	}
	sort.Strings(kept)
	assert.Equal(t, created[2:], kept)
}

func TestPruneKeepsMostRecent(t *testing.T) {
	dir := t.TempDir()
	m := New(Options{Enabled: true, Dir: dir, Retention: 3, Logger: logger.Discard()})
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		name := ArchiveName(base.Add(time.Duration(i) * time.Minute))
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		mt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, mt, mt))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644))

	removed, err := m.Prune()
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Equal(t, ArchiveName(base), removed[1])

	recs, err := m.List()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, ArchiveName(base.Add(4*time.Minute)), recs[0].Name)
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestNativeArchiveContents(t *testing.T) {
	dir := workspace(t)
	m := newManager(dir, time.Now)
	rec, err := m.CreateBackup(context.Background())
	require.NoError(t, err)

	f, err := os.Open(rec.Path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(zr)
	files := map[string]string{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			b, err := io.ReadAll(tr)
			require.NoError(t, err)
			files[hdr.Name] = string(b)
		}
	}
	assert.Equal(t, map[string]string{"data/chain/blocks.db": "blocks", "logs/goatchain.log": "started\n"}, files)
}

func TestTarArchiver(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not installed")
	}
	dir := workspace(t)
	m := New(Options{
		Enabled:  true,
		Dir:      filepath.Join(dir, "backups"),
		Sources:  []string{"data", "logs"},
		Archiver: TarArchiver{Dir: dir, Logger: logger.Discard()},
		Logger:   logger.Discard(),
	})
	rec, err := m.CreateBackup(context.Background())
	require.NoError(t, err)
	assert.Greater(t, rec.Size, int64(0))
}

func TestTarArchiverFailureLeavesNoFile(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not installed")
	}
	dir := t.TempDir()
	m := New(Options{
		Enabled:  true,
		Dir:      filepath.Join(dir, "backups"),
		Sources:  []string{"missing"},
		Archiver: TarArchiver{Dir: dir, Logger: logger.Discard()},
		Logger:   logger.Discard(),
	})
	_, err := m.CreateBackup(context.Background())
	require.Error(t, err)
	recs, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

type blockingArchiver struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	inner   Archiver
}

func (b *blockingArchiver) Archive(ctx context.Context, dest string, sources []string) error {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.inner.Archive(ctx, dest, sources)
}

func TestBackupsAreSerialized(t *testing.T) {
	dir := workspace(t)
	ba := &blockingArchiver{entered: make(chan struct{}), release: make(chan struct{}), inner: NativeArchiver{Dir: dir}}
	m := New(Options{Enabled: true, Dir: filepath.Join(dir, "backups"), Sources: []string{"data"}, Archiver: ba, Logger: logger.Discard()})

	firstDone := make(chan error, 1)
	go func() {
		_, err := m.TryCreateBackup(context.Background())
		firstDone <- err
	}()
	<-ba.entered

	_, err := m.TryCreateBackup(context.Background())
	assert.ErrorIs(t, err, ErrBackupInProgress)

	finalDone := make(chan error, 1)
	go func() {
		_, err := m.CreateBackup(context.Background())
		finalDone <- err
	}()
	select {
	case <-finalDone:
		t.Fatal("final backup must wait for the running one")
	case <-time.After(50 * time.Millisecond):
	}

	close(ba.release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-finalDone)
	recs, err := m.List()
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestListMissingDir(t *testing.T) {
	m := New(Options{Dir: filepath.Join(t.TempDir(), "nope")})
	recs, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, recs)
}
