package pat

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/joelkehle/pat/internal/obscure"
	"github.com/joelkehle/pat/internal/telemetry"
)

// UploadFiles makes every tracked file available to the assistant. A file
// whose base name already exists remotely is reused without reading it.
// Missing files are revealed into a private temp dir under their original
// base name, uploaded from there and wiped; the obscured original is never
// rewritten. On success the remote ids replace PatentFiles in tracked order.
func (s *Session) UploadFiles(ctx context.Context) (err error) {
	names := s.PatentFileNames()
	ctx, span := telemetry.StartSpan(ctx, "pat.upload_files", attribute.Int("pat.files", len(names)))
	defer func() { telemetry.EndSpan(span, err) }()

	existing, err := s.api.ListFiles(ctx)
	if err != nil {
		return err
	}
	remoteByName := make(map[string]string, len(existing))
	for _, f := range existing {
		if _, seen := remoteByName[f.Name]; !seen {
			remoteByName[f.Name] = f.ID
		}
	}

	ids := make([]string, len(names))
	// Tracked paths sharing a base name are uploaded once.
	pending := map[string][]int{}
	var order []string
	for i, path := range names {
		base := filepath.Base(path)
		if id, ok := remoteByName[base]; ok {
			ids[i] = id
			s.metrics.Upload("reused")
			log.Printf("pat chat=%d file %s already uploaded as %s", s.ChatID(), base, id)
			continue
		}
		if _, ok := pending[base]; !ok {
			order = append(order, base)
		}
		pending[base] = append(pending[base], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.UploadConcurrency)
	for _, base := range order {
		idxs := pending[base]
		path := names[idxs[0]]
		g.Go(func() error {
			id, err := s.uploadRevealed(gctx, path)
			if err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			for _, i := range idxs {
				ids[i] = id
			}
			s.metrics.Upload("uploaded")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	s.patentFiles = ids
	s.mu.Unlock()
	log.Printf("pat chat=%d tracked remote files %v", s.ChatID(), ids)
	return nil
}

func (s *Session) uploadRevealed(ctx context.Context, path string) (string, error) {
	dir := filepath.Join(s.cfg.TempDir, "pat-upload-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	plain := filepath.Join(dir, filepath.Base(path))
	if err := s.obscurer.RevealTo(path, plain); err != nil {
		return "", err
	}
	defer func() {
		if err := obscure.Wipe(plain); err != nil {
			log.Printf("pat wipe %s failed: %v", plain, err)
		}
	}()

	f, err := s.api.UploadFile(ctx, plain)
	if err != nil {
		return "", err
	}
	return f.ID, nil
}
