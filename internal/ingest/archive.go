package ingest

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

// Entry is one extracted archive member. Path is where it was written,
// Name is the member's own base name.
type Entry struct {
	Path string
	Name string
}

// Unzip extracts supported document entries of a ZIP bundle into dest and
// returns them in archive order. Hidden entries and nested archives are
// skipped; entries escaping dest fail the whole archive.
func Unzip(path, dest string, maxBytes int64) ([]Entry, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}

	var out []Entry
	for i, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := filepath.Clean(f.Name)
		if filepath.IsAbs(name) || strings.HasPrefix(name, "..") || strings.Contains(name, string(filepath.Separator)+"..") {
			return nil, fmt.Errorf("%w: zip entry %q escapes archive", common.ErrInvalidInput, f.Name)
		}
		if IsHidden(name) || strings.HasPrefix(name, "__MACOSX") {
			continue
		}
		ext := constants.NormalizeExt(filepath.Ext(name))
		if !AllowedExt(ext) || constants.MapExtToFormat(ext) == constants.ARCHIVE {
			continue
		}
		if int64(f.UncompressedSize64) > maxBytes {
			return nil, fmt.Errorf("%w: zip entry %q is larger than %d bytes", common.ErrInvalidInput, f.Name, maxBytes)
		}

		// prefix with the entry index so equal base names in different folders do not collide
		base := filepath.Base(name)
		target := filepath.Join(dest, fmt.Sprintf("%03d_%s", i, base))
		if err := extractEntry(f, target, maxBytes); err != nil {
			return nil, err
		}
		out = append(out, Entry{Path: target, Name: base})
	}
	return out, nil
}

func extractEntry(f *zip.File, target string, maxBytes int64) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	w, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(w, io.LimitReader(rc, maxBytes+1))
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("extract entry %q: %w", f.Name, err)
	}
	if n > maxBytes {
		return fmt.Errorf("%w: zip entry %q is larger than %d bytes", common.ErrInvalidInput, f.Name, maxBytes)
	}
	return nil
}
