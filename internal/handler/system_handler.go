package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Pinger はDB疎通確認のインターフェース。*sql.DBが実装する。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SystemHandler は死活監視用のHTTPハンドラー。
type SystemHandler struct {
	db Pinger
}

// NewSystemHandler はSystemHandlerを生成する。
func NewSystemHandler(db Pinger) *SystemHandler {
	return &SystemHandler{db: db}
}

// Ping はAPIの到達確認に"ok"を返す。
// GET /api
func (h *SystemHandler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Health はDBへの疎通を確認して状態を返す。
// GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		slog.Error("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NewAssetsHandler はASSETS_DIR配下のファイルを配信するハンドラーを返す。
// ディレクトリの一覧は返さない。
func NewAssetsHandler(prefix, dir string) http.Handler {
	fs := http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	})
}
