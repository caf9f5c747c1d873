package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const sniffBytes = 3072

// Upload is one archive submitted for preview.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

func (s *Service) checkUpload(up Upload) (io.Reader, error) {
	if up.Body == nil || strings.TrimSpace(up.Filename) == "" {
		return nil, fmt.Errorf("%w: archive file is required", ErrValidation)
	}
	if !strings.EqualFold(filepath.Ext(up.Filename), ".zip") {
		return nil, fmt.Errorf("%w: only .zip archives are accepted", ErrValidation)
	}
	if up.Size > 0 && s.cfg.MaxUploadBytes > 0 && up.Size > s.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: archive is %d bytes, limit is %d", ErrValidation, up.Size, s.cfg.MaxUploadBytes)
	}

	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(up.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, fmt.Errorf("%w: archive is empty", ErrValidation)
	}
	if !isZip(mimetype.Detect(head)) {
		return nil, fmt.Errorf("%w: file content is not a zip archive", ErrValidation)
	}
	return io.MultiReader(bytes.NewReader(head), up.Body), nil
}

// isZip accepts zip and zip-based container formats.
func isZip(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}
