package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nip05/internal/identity"
	"nip05/internal/registry/models"
	"nip05/pkg/domain"
)

const (
	wellKnownDir = ".well-known"
	docName      = "nostr.json"
	backupName   = "nostr.json.bak"
	metaName     = "registry.meta.json"
	tmpSuffix    = ".tmp.json"
)

// filePersister keeps three files under dataDir:
//
//	.well-known/nostr.json  public NIP-05 document
//	nostr.json.bak          previous document, used when the current one is corrupt
//	registry.meta.json      registration times and paying invoices, written before the document
type filePersister struct {
	dataDir    string
	docPath    string
	backupPath string
	metaPath   string
	logger     *slog.Logger
}

type metaFile struct {
	RegisteredAt map[string]time.Time `json:"registered_at"`
	References   map[string]string    `json:"references,omitempty"`
}

func newFilePersister(dataDir string, logger *slog.Logger) (*filePersister, error) {
	p := &filePersister{
		dataDir:    dataDir,
		docPath:    filepath.Join(dataDir, wellKnownDir, docName),
		backupPath: filepath.Join(dataDir, backupName),
		metaPath:   filepath.Join(dataDir, metaName),
		logger:     logger,
	}
	if err := os.MkdirAll(filepath.Dir(p.docPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %w", ErrStorage, err)
	}
	return p, nil
}

func (p *filePersister) load() ([]*models.Entry, error) {
	p.removeOrphans()

	doc, info, err := p.readDocument(p.docPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		p.logger.Info("registry document not found, initializing", "path", p.docPath)
		return nil, p.save(nil)
	case err != nil:
		p.logger.Error("registry document is corrupt, trying backup", "path", p.docPath, "error", err)
		doc, info, err = p.readDocument(p.backupPath)
		if err != nil {
			return nil, fmt.Errorf("%w: document and backup are unreadable: %w", ErrStorage, err)
		}
		p.logger.Warn("recovered registry from backup", "entries", len(doc.Names))
		entries := p.toEntries(doc, p.readMeta(), info.ModTime())
		if err := p.writeDocument(entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	return p.toEntries(doc, p.readMeta(), info.ModTime()), nil
}

func (p *filePersister) readDocument(path string) (*models.Document, fs.FileInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	var doc models.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if doc.Names == nil {
		doc.Names = map[string]string{}
	}
	return &doc, info, nil
}

func (p *filePersister) readMeta() metaFile {
	var meta metaFile
	raw, err := os.ReadFile(p.metaPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("registry metadata unreadable", "error", err)
		}
		return meta
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		p.logger.Warn("registry metadata is corrupt, using document mtime", "error", err)
		return metaFile{}
	}
	return meta
}

func (p *filePersister) toEntries(doc *models.Document, meta metaFile, fallback time.Time) []*models.Entry {
	entries := make([]*models.Entry, 0, len(doc.Names))
	for name, hexKey := range doc.Names {
		if _, err := domain.ParseIdentifier(name); err != nil {
			p.logger.Warn("registry holds a non-conforming identifier", "identifier", name)
		}
		if k, err := identity.ParseHex(hexKey); err == nil {
			hexKey = k.Hex()
		} else {
			p.logger.Warn("registry holds a malformed public key", "identifier", name)
		}
		id := domain.Identifier(name)
		at, ok := meta.RegisteredAt[id.Key()]
		if !ok {
			at = fallback.UTC()
		}
		entries = append(entries, &models.Entry{
			Identifier:   id,
			PublicKey:    hexKey,
			RegisteredAt: at,
			Reference:    domain.InvoiceReference(meta.References[id.Key()]),
		})
	}
	return entries
}

func (p *filePersister) save(entries []*models.Entry) error {
	meta := metaFile{
		RegisteredAt: make(map[string]time.Time, len(entries)),
		References:   make(map[string]string),
	}
	for _, e := range entries {
		meta.RegisteredAt[e.Key()] = e.RegisteredAt
		if e.Reference != "" {
			meta.References[e.Key()] = e.Reference.String()
		}
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(p.metaPath, raw); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return p.writeDocument(entries)
}

// writeDocument backs up the current document and atomically replaces it.
func (p *filePersister) writeDocument(entries []*models.Entry) error {
	doc := models.Document{Names: make(map[string]string, len(entries))}
	for _, e := range entries {
		doc.Names[e.Identifier.String()] = e.PublicKey
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if prev, err := os.ReadFile(p.docPath); err == nil && json.Valid(prev) {
		if err := writeFileAtomic(p.backupPath, prev); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
	}
	if err := writeFileAtomic(p.docPath, raw); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

func (p *filePersister) check() error {
	raw, err := os.ReadFile(p.docPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("%w: registry document is not valid JSON", ErrStorage)
	}
	return nil
}

// removeOrphans deletes temp files left behind by a crash mid-write.
func (p *filePersister) removeOrphans() {
	for _, dir := range []string{p.dataDir, filepath.Dir(p.docPath)} {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+tmpSuffix))
		if err != nil {
			continue
		}
		for _, m := range matches {
			if err := os.Remove(m); err == nil {
				p.logger.Info("removed orphaned temp file", "path", m)
			}
		}
	}
}

// writeFileAtomic writes to a temp file in the target directory, fsyncs it and
// renames it over path, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	tmp, err := os.CreateTemp(dir, base+"-*"+tmpSuffix)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// some filesystems reject fsync on directories; the rename already happened
	_ = d.Sync()
	return nil
}
