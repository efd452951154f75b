package browser

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"
)

var unsafeFileChars = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)

// pdfFileName derives a file name from a page title.
func pdfFileName(title string) string {
	name := strings.TrimSpace(unsafeFileChars.ReplaceAllString(title, ""))
	if r := []rune(name); len(r) > 50 {
		name = strings.TrimSpace(string(r[:50]))
	}
	if name == "" {
		name = "print"
	}
	return name + ".pdf"
}

// uniquePath returns dir/name, adding " (n)" before the extension while the
// path exists.
func uniquePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 0; ; n++ {
		candidate := filepath.Join(dir, name)
		if n > 0 {
			candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		}
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}
}

// PDFWriter renders a page through the protocol's print-to-PDF command into the
// downloads directory.
type PDFWriter struct {
	protocol     Protocol
	events       *EventLog
	dir          string
	timeout      time.Duration
	titleTimeout time.Duration
	logger       *zap.Logger
}

func NewPDFWriter(protocol Protocol, events *EventLog, dir string, timeout, titleTimeout time.Duration, logger *zap.Logger) *PDFWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if titleTimeout <= 0 {
		titleTimeout = 2 * time.Second
	}
	if dir == "" {
		dir = "downloads"
	}
	return &PDFWriter{
		protocol:     protocol,
		events:       events,
		dir:          dir,
		timeout:      timeout,
		titleTimeout: titleTimeout,
		logger:       logger.Named("pdf"),
	}
}

// Save prints target to a PDF file and publishes a FileDownloadedEvent.
func (w *PDFWriter) Save(ctx context.Context, target TargetInfo) (FileDownloadedEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	titleCtx, titleCancel := context.WithTimeout(ctx, w.titleTimeout)
	title, err := w.protocol.Title(titleCtx, target.TargetID)
	titleCancel()
	if err != nil {
		w.logger.Debug("title unavailable for pdf name", zap.Error(err))
		title = ""
	}

	data, err := w.protocol.PrintToPDF(ctx, target.TargetID)
	if err != nil {
		return FileDownloadedEvent{}, fmt.Errorf("print to pdf: %w", err)
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return FileDownloadedEvent{}, fmt.Errorf("create downloads dir: %w", err)
	}
	path, err := uniquePath(w.dir, pdfFileName(title))
	if err != nil {
		return FileDownloadedEvent{}, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return FileDownloadedEvent{}, fmt.Errorf("write pdf: %w", err)
	}

	pages := 0
	if err := api.ValidateFile(path, nil); err != nil {
		w.logger.Warn("generated pdf failed validation", zap.String("path", path), zap.Error(err))
	} else if n, err := api.PageCountFile(path); err == nil {
		pages = n
	}

	ev := FileDownloadedEvent{
		TargetID:  target.TargetID,
		URL:       target.URL,
		Path:      path,
		FileName:  filepath.Base(path),
		Size:      int64(len(data)),
		PageCount: pages,
		At:        time.Now(),
	}
	w.events.Publish(ctx, ev)
	w.logger.Info("saved pdf", zap.String("path", path), zap.Int("pages", pages))
	return ev, nil
}
