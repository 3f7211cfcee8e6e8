package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/goatfundr/goatnode/internal/process"
)

// Archiver writes a gzip-compressed tarball of sources to dest.
type Archiver interface {
	Archive(ctx context.Context, dest string, sources []string) error
}

// TarArchiver runs the system tar binary: tar -czf <dest> <sources...>.
type TarArchiver struct {
	Launcher process.Launcher
	// Dir is the working directory sources are relative to.
	Dir      string
	StopWait time.Duration
	Logger   *slog.Logger
}

func (a TarArchiver) Archive(ctx context.Context, dest string, sources []string) error {
	l := a.Launcher
	if l == nil {
		l = process.ExecLauncher{}
	}
	log := a.Logger
	if log == nil {
		log = slog.Default()
	}
	wait := a.StopWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	spec := process.Spec{
		Name:    "tar",
		Command: "tar",
		Args:    append([]string{"-czf", dest}, sources...),
		Dir:     a.Dir,
	}
	out := process.Output{Stderr: func(line string) { log.Warn("Backup Error: " + line) }}
	exit, err := process.Run(ctx, l, spec, out, wait)
	if err != nil {
		return err
	}
	if !exit.Success() {
		return fmt.Errorf("tar exited with %s", exit)
	}
	return nil
}

// NativeArchiver builds the archive in-process. Missing sources are skipped.
type NativeArchiver struct {
	Dir string
}

func (a NativeArchiver) Archive(ctx context.Context, dest string, sources []string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	zw, err := gzip.NewWriterLevel(tmp, gzip.DefaultCompression)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)
	for _, src := range sources {
		if err := a.add(ctx, tw, src); err != nil {
			return fmt.Errorf("archive %s: %w", src, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func (a NativeArchiver) add(ctx context.Context, tw *tar.Writer, src string) error {
	root := filepath.Join(a.Dir, src)
	if _, err := os.Lstat(root); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(a.Dir, path)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		// live log files may grow while being archived
		_, err = io.CopyN(tw, f, hdr.Size)
		return err
	})
}
