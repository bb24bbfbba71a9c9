// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package local places record bytes on the site's local disk.
//
// A locator "/files/a.png" lives at <sites_root>/<site>/public/files/a.png and
// "/private/files/a.png" at <sites_root>/<site>/private/files/a.png.
package local

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/LeeDigitalWorks/zapoffload/pkg/types"
	"github.com/LeeDigitalWorks/zapoffload/pkg/utils"
)

// Store reads and writes the local copies of records
type Store struct {
	root    string
	tempDir string
}

// Written describes a completed write
type Written struct {
	Locator string
	Size    int64
	Hash    string
}

// New creates a store rooted at <sitesRoot>/<site>. Temp files go to tempDir,
// or to the site's private directory when tempDir is empty.
func New(sitesRoot, site, tempDir string) (*Store, error) {
	var missing []string
	if sitesRoot == "" {
		missing = append(missing, "sites_root")
	}
	if site == "" {
		missing = append(missing, "site")
	}
	if err := types.MissingFields("local.New", missing); err != nil {
		return nil, err
	}
	root := filepath.Join(utils.ResolvePath(sitesRoot), site)
	for _, dir := range []string{"public/files", "private/files"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if tempDir == "" {
		tempDir = filepath.Join(root, "private", "tmp")
	}
	if err := os.MkdirAll(tempDir, 0700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &Store{root: root, tempDir: tempDir}, nil
}

// Root returns the site directory
func (s *Store) Root() string {
	return s.root
}

// Path maps a local locator to its file path. Locators that are not local or
// that escape the files directory are rejected.
func (s *Store) Path(locator string) (string, error) {
	var dir, name string
	switch {
	case strings.HasPrefix(locator, types.PrivateFilesPrefix):
		dir, name = "private", strings.TrimPrefix(locator, types.PrivateFilesPrefix)
	case strings.HasPrefix(locator, types.PublicFilesPrefix):
		dir, name = "public", strings.TrimPrefix(locator, types.PublicFilesPrefix)
	default:
		return "", &types.Error{Kind: types.KindConfigInvalid, Op: "local.Path", Key: locator, Msg: "not a local locator"}
	}
	clean := path.Clean("/" + name)
	if clean == "/" || clean != "/"+name {
		return "", &types.Error{Kind: types.KindConfigInvalid, Op: "local.Path", Key: locator, Msg: "invalid file name"}
	}
	return filepath.Join(s.root, dir, "files", filepath.FromSlash(clean)), nil
}

// Open opens the file behind locator for reading
func (s *Store) Open(locator string) (*os.File, fs.FileInfo, error) {
	p, err := s.Path(locator)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, s.fsError("local.Open", locator, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, s.fsError("local.Open", locator, err)
	}
	return f, info, nil
}

// Exists reports whether the file behind locator exists
func (s *Store) Exists(locator string) bool {
	p, err := s.Path(locator)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// FreeLocator returns the record's conventional locator, suffixed with
// -<tag> when another file already holds that name.
func (s *Store) FreeLocator(rec *types.Record, tag string) string {
	locator := rec.LocalLocator()
	if !s.Exists(locator) {
		return locator
	}
	ext := path.Ext(rec.FileName)
	stem := strings.TrimSuffix(rec.FileName, ext)
	alt := rec.Clone()
	alt.FileName = fmt.Sprintf("%s-%s%s", stem, tag, ext)
	return alt.LocalLocator()
}

// Write streams r into the file behind locator and returns its size and
// sha256. The data lands in a temp file that is renamed into place once
// synced, so a failed write never leaves a truncated file at locator.
func (s *Store) Write(ctx context.Context, locator string, r io.Reader) (Written, error) {
	p, err := s.Path(locator)
	if err != nil {
		return Written{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return Written{}, fmt.Errorf("create parent dir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(p), ".partial-*")
	if err != nil {
		return Written{}, fmt.Errorf("create file: %w", err)
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	h := utils.Sha256PoolGetHasher()
	defer utils.Sha256PoolPutHasher(h)

	n, err := io.Copy(io.MultiWriter(f, h), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return Written{}, types.NewError(types.KindTransient, "local.Write", "write data", err)
	}
	if err := Fdatasync(f); err != nil {
		return Written{}, fmt.Errorf("sync: %w", err)
	}
	FadviseDontNeed(f)
	if err := f.Close(); err != nil {
		return Written{}, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(f.Name(), p); err != nil {
		return Written{}, fmt.Errorf("rename: %w", err)
	}
	f = nil

	return Written{Locator: locator, Size: n, Hash: hex.EncodeToString(h.Sum(nil))}, nil
}

// Remove deletes the file behind locator. A missing file is not an error.
func (s *Store) Remove(locator string) error {
	p, err := s.Path(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return s.fsError("local.Remove", locator, err)
	}
	return nil
}

// Hash returns the sha256 of the file behind locator
func (s *Store) Hash(locator string) (string, error) {
	f, _, err := s.Open(locator)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := utils.Sha256PoolGetHasher()
	defer utils.Sha256PoolPutHasher(h)
	if _, err := io.Copy(h, f); err != nil {
		return "", s.fsError("local.Hash", locator, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TempFile creates a scratch file for staging a transfer. The caller closes and removes it.
func (s *Store) TempFile(pattern string) (*os.File, error) {
	return os.CreateTemp(s.tempDir, pattern)
}

func (s *Store) fsError(op, locator string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &types.Error{Kind: types.KindNotFound, Op: op, Key: locator, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &types.Error{Kind: types.KindPermissionDenied, Op: op, Key: locator, Err: err}
	default:
		return &types.Error{Kind: types.KindTransient, Op: op, Key: locator, Err: err}
	}
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
