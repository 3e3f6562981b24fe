// Package static provides the built-in static file application, serving
// files beneath a configured document root.
package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"example.com/llmabridge/v2/internal/bridge"
	"example.com/llmabridge/v2/internal/config"
	"example.com/llmabridge/v2/internal/logger"
)

// chunkSize is how much file data goes into one response body message.
const chunkSize = 64 * 1024

var defaultIndexFiles = []string{"index.html"}

// New builds the static file application. The document root must exist and
// be a directory.
func New(cfg *config.StaticAppConfig, log *logger.Logger) (bridge.App, error) {
	if cfg == nil || cfg.DocumentRoot == "" {
		return nil, fmt.Errorf("static app requires a document root")
	}
	if log == nil {
		log = logger.NewNop()
	}
	root, err := filepath.Abs(cfg.DocumentRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving document root %s: %w", cfg.DocumentRoot, err)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("document root %s: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("document root %s is not a directory", root)
	}

	a := &app{
		root:       root,
		indexFiles: cfg.IndexFiles,
		mimeTypes:  cfg.MimeTypes,
		log:        log,
	}
	if len(a.indexFiles) == 0 {
		a.indexFiles = defaultIndexFiles
	}
	return a.serve, nil
}

type app struct {
	root       string
	indexFiles []string
	mimeTypes  map[string]string
	log        *logger.Logger
}

func (a *app) serve(ctx context.Context, scope *bridge.Scope, receive bridge.ReceiveFunc, send bridge.AppSendFunc) error {
	disconnected, err := drainRequest(ctx, receive)
	if err != nil {
		return err
	}
	if disconnected {
		return nil
	}

	if scope.Method != "GET" && scope.Method != "HEAD" {
		return sendText(ctx, send, 405, "method not allowed\n", []bridge.HeaderField{
			{Name: []byte("allow"), Value: []byte("GET, HEAD")},
		})
	}

	filePath, ok := a.resolve(scope.Path)
	if !ok {
		a.log.Debug("path escapes document root", logger.LogFields{"path": scope.Path})
		return sendText(ctx, send, 404, "not found\n", nil)
	}

	fi, err := os.Stat(filePath)
	if err == nil && fi.IsDir() {
		filePath, fi, err = a.lookupIndex(filePath)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return sendText(ctx, send, 404, "not found\n", nil)
		}
		return fmt.Errorf("stat %s: %w", filePath, err)
	}
	if !fi.Mode().IsRegular() {
		return sendText(ctx, send, 404, "not found\n", nil)
	}

	return a.sendFile(ctx, send, scope.Method, filePath, fi)
}

// resolve maps a request path to a filesystem path under the document
// root, rejecting any path that would escape it.
func (a *app) resolve(requestPath string) (string, bool) {
	cleaned := path.Clean("/" + requestPath)
	full := filepath.Join(a.root, filepath.FromSlash(cleaned))
	if full != a.root && !strings.HasPrefix(full, a.root+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

// lookupIndex finds the first configured index file inside a directory.
func (a *app) lookupIndex(dir string) (string, os.FileInfo, error) {
	for _, name := range a.indexFiles {
		candidate := filepath.Join(dir, name)
		fi, err := os.Stat(candidate)
		if err == nil && fi.Mode().IsRegular() {
			return candidate, fi, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", nil, err
		}
	}
	return "", nil, fs.ErrNotExist
}

func (a *app) sendFile(ctx context.Context, send bridge.AppSendFunc, method, filePath string, fi os.FileInfo) error {
	headers := []bridge.HeaderField{
		{Name: []byte("content-type"), Value: []byte(contentType(filePath, a.mimeTypes))},
		{Name: []byte("content-length"), Value: []byte(strconv.FormatInt(fi.Size(), 10))},
		{Name: []byte("last-modified"), Value: []byte(fi.ModTime().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT"))},
	}
	if err := send(ctx, bridge.ResponseStartMessage{Status: 200, Headers: headers}); err != nil {
		return err
	}
	if method == "HEAD" {
		// The bridge suppresses HEAD bodies anyway, but there is no point
		// reading the file just to have the bytes dropped.
		return send(ctx, bridge.ResponseBodyMessage{})
	}

	f, err := os.Open(filePath)
	if err != nil {
		// Headers are committed, so a clean error page is no longer
		// possible; failing the app tears the stream down.
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		n, readErr := f.Read(buf)
		if readErr != nil && readErr != io.EOF {
			return fmt.Errorf("read %s: %w", filePath, readErr)
		}
		last := readErr == io.EOF
		if n > 0 || last {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := send(ctx, bridge.ResponseBodyMessage{Body: chunk, MoreBody: !last}); err != nil {
				return err
			}
		}
		if last {
			return nil
		}
	}
}

// drainRequest discards the request body; static resources ignore it.
func drainRequest(ctx context.Context, receive bridge.ReceiveFunc) (disconnected bool, err error) {
	for {
		msg, err := receive(ctx)
		if err != nil {
			return false, err
		}
		switch m := msg.(type) {
		case bridge.DisconnectMessage:
			return true, nil
		case bridge.RequestMessage:
			if !m.MoreBody {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unexpected inbound message %q", msg.Type())
		}
	}
}

func sendText(ctx context.Context, send bridge.AppSendFunc, status int, body string, extra []bridge.HeaderField) error {
	headers := append([]bridge.HeaderField{
		{Name: []byte("content-type"), Value: []byte("text/plain; charset=utf-8")},
		{Name: []byte("content-length"), Value: []byte(strconv.Itoa(len(body)))},
	}, extra...)
	if err := send(ctx, bridge.ResponseStartMessage{Status: status, Headers: headers}); err != nil {
		return err
	}
	return send(ctx, bridge.ResponseBodyMessage{Body: []byte(body)})
}
