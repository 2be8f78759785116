// Package gateway serves files from registered local storage endpoints.
//
// The endpoint registry is read from the database on every request, so a
// newly registered bucket is servable immediately without a restart. Paths
// are validated before any filesystem access and resolved through symlinks
// afterwards; anything that falls outside the endpoint root is refused.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pictag/internal/storage"
	"github.com/kalambet/pictag/internal/telemetry"
)

// Registry lists the storage endpoints a request may resolve against.
// Implemented by storage.Store.
type Registry interface {
	ListEndpoints(ctx context.Context) ([]storage.StorageEndpoint, error)
}

type Deps struct {
	Registry Registry
	DataDir  string
	Logger   *slog.Logger
}

// NewHandler returns the file-serving handler, mounted under /data.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/{bucket}/*", serveFile(deps))
	r.Head("/{bucket}/*", serveFile(deps))
	return r
}

func serveFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cw := &countingWriter{ResponseWriter: w, status: http.StatusOK}

		bucket := chi.URLParam(r, "bucket")
		rest := chi.URLParam(r, "*")

		rel, err := cleanRelPath(rest)
		if err != nil {
			gatewayError(cw, http.StatusBadRequest, "invalid path")
			finish(cw)
			return
		}

		endpoints, err := deps.Registry.ListEndpoints(r.Context())
		if err != nil {
			deps.Logger.Error("gateway: listing endpoints", "error", err)
			gatewayError(cw, http.StatusNotFound, "storage bucket not found")
			finish(cw)
			return
		}

		var target *storage.StorageEndpoint
		for i := range endpoints {
			if endpoints[i].Provider == storage.ProviderLocal && endpoints[i].BucketName == bucket {
				target = &endpoints[i]
				break
			}
		}
		if target == nil {
			gatewayError(cw, http.StatusNotFound, "storage bucket not found")
			finish(cw)
			return
		}

		baseResolved, err := filepath.EvalSymlinks(target.Root(deps.DataDir))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				gatewayError(cw, http.StatusNotFound, "file not found")
			} else {
				gatewayError(cw, http.StatusBadRequest, "invalid path")
			}
			finish(cw)
			return
		}

		full := filepath.Join(baseResolved, filepath.FromSlash(rel))
		fullResolved, err := filepath.EvalSymlinks(full)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				gatewayError(cw, http.StatusNotFound, "file not found")
			} else {
				gatewayError(cw, http.StatusBadRequest, "invalid path")
			}
			finish(cw)
			return
		}

		if !contained(baseResolved, fullResolved) {
			gatewayError(cw, http.StatusForbidden, "access denied")
			finish(cw)
			return
		}

		info, err := os.Stat(fullResolved)
		if err != nil || !info.Mode().IsRegular() {
			gatewayError(cw, http.StatusNotFound, "file not found")
			finish(cw)
			return
		}

		f, err := os.Open(fullResolved)
		if err != nil {
			gatewayError(cw, http.StatusNotFound, "file not found")
			finish(cw)
			return
		}
		defer f.Close()

		cw.Header().Set("Content-Type", TypeByExtension(fullResolved))
		http.ServeContent(cw, r, "", info.ModTime(), f)
		finish(cw)
	}
}

// cleanRelPath validates a request path and normalizes it to a relative
// slash path. Any ".." segment, regardless of position, and any leading
// "/" are refused outright; "." segments and duplicate separators are
// dropped.
func cleanRelPath(raw string) (string, error) {
	if strings.HasPrefix(raw, "/") {
		return "", fmt.Errorf("absolute path")
	}
	var out []string
	for _, seg := range strings.Split(raw, "/") {
		switch seg {
		case "..":
			return "", fmt.Errorf("parent traversal")
		case "", ".":
			continue
		default:
			out = append(out, seg)
		}
	}
	return strings.Join(out, "/"), nil
}

// contained reports whether full sits at or below base. Both arguments
// must already be symlink-resolved.
func contained(base, full string) bool {
	rel, err := filepath.Rel(base, full)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

func gatewayError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "gateway_error",
		},
	})
}

// countingWriter records the response status and body size for metrics.
type countingWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (cw *countingWriter) WriteHeader(code int) {
	if !cw.wroteHeader {
		cw.status = code
		cw.wroteHeader = true
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.ResponseWriter.Write(p)
	cw.bytes += int64(n)
	return n, err
}

func finish(cw *countingWriter) {
	telemetry.GatewayRequestsTotal.WithLabelValues(strconv.Itoa(cw.status)).Inc()
	if cw.bytes > 0 && (cw.status == http.StatusOK || cw.status == http.StatusPartialContent) {
		telemetry.GatewayBytesTotal.Add(float64(cw.bytes))
	}
}
