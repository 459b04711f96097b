package bundle

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
	"github.com/kibshh/wallet-pass-service/backend/internal/storage"
)

const (
	ContentType = "application/vnd.apple.pkpass"

	passFile      = "pass.json"
	manifestFile  = "manifest.json"
	signatureFile = "signature"
)

// templateFiles lists the loyalty card template. Files marked required
// fail the build when missing; the rest are skipped.
var templateFiles = []struct {
	name     string
	required bool
}{
	{passFile, true},
	{"icon.png", true},
	{"logo.png", false},
	{"logo@2x.png", false},
	{"logo@3x.png", false},
	{"strip.png", false},
}

// Builder renders a pass record into a signed bundle.
type Builder interface {
	Build(ctx context.Context, rec pass.Record) ([]byte, error)
}

// TemplateConfig describes where the template lives and the identity
// stamped onto every pass.
type TemplateConfig struct {
	Dir           string // blob prefix, e.g. "templates/loyalty-card"
	PassTypeID    string
	TeamID        string // optional, overrides the template value
	WebServiceURL string
}

// PKPassBuilder builds .pkpass archives from a template held in blob storage.
type PKPassBuilder struct {
	blobs  storage.BlobStore
	signer *Signer
	cfg    TemplateConfig
	now    func() time.Time
}

var _ Builder = (*PKPassBuilder)(nil)

func NewPKPassBuilder(blobs storage.BlobStore, signer *Signer, cfg TemplateConfig) *PKPassBuilder {
	return &PKPassBuilder{
		blobs:  blobs,
		signer: signer,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (b *PKPassBuilder) Build(ctx context.Context, rec pass.Record) ([]byte, error) {
	const op = "build bundle"

	files, err := b.loadTemplate(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, op, err)
	}

	passJSON, err := b.render(files[passFile], rec)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, op, err)
	}
	files[passFile] = passJSON

	manifest, err := Manifest(files)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, op, err)
	}
	signature, err := b.signer.Sign(manifest)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, op, err)
	}
	files[manifestFile] = manifest
	files[signatureFile] = signature

	data, err := archive(files)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, op, err)
	}
	return data, nil
}

func (b *PKPassBuilder) loadTemplate(ctx context.Context) (map[string][]byte, error) {
	files := make(map[string][]byte, len(templateFiles)+2)
	for _, f := range templateFiles {
		data, err := b.blobs.Get(ctx, path.Join(b.cfg.Dir, f.name))
		if errors.Is(err, storage.ErrBlobNotFound) && !f.required {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("template file %s: %w", f.name, err)
		}
		files[f.name] = data
	}
	return files, nil
}

// render substitutes the record into the template pass.json. Unknown
// template keys are preserved.
func (b *PKPassBuilder) render(template []byte, rec pass.Record) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(template, &doc); err != nil {
		return nil, fmt.Errorf("parse pass.json: %w", err)
	}

	doc["serialNumber"] = rec.Serial
	doc["authenticationToken"] = rec.AuthToken
	doc["passTypeIdentifier"] = b.cfg.PassTypeID
	if b.cfg.TeamID != "" {
		doc["teamIdentifier"] = b.cfg.TeamID
	}
	if b.cfg.WebServiceURL != "" {
		doc["webServiceURL"] = b.cfg.WebServiceURL
	}
	doc["relevantDate"] = b.now().UTC().Format(time.RFC3339)

	if card, ok := doc["storeCard"].(map[string]any); ok {
		setFieldValue(card, "headerFields", 0, strconv.Itoa(rec.Payload.Points))
		setFieldValue(card, "primaryFields", 0, "")
		setFieldValue(card, "secondaryFields", 0, rec.Payload.Tier)
		setFieldValue(card, "secondaryFields", 1, rec.Payload.Member)
	}

	return json.MarshalIndent(doc, "", "  ")
}

func setFieldValue(card map[string]any, group string, idx int, value string) {
	fields, ok := card[group].([]any)
	if !ok || idx >= len(fields) {
		return
	}
	if field, ok := fields[idx].(map[string]any); ok {
		field["value"] = value
	}
}

// Manifest returns manifest.json: the SHA-1 digest of every file, hex encoded.
func Manifest(files map[string][]byte) ([]byte, error) {
	digests := make(map[string]string, len(files))
	for name, data := range files {
		if name == manifestFile || name == signatureFile {
			continue
		}
		sum := sha1.Sum(data)
		digests[name] = hex.EncodeToString(sum[:])
	}
	return json.Marshal(digests)
}

func archive(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
