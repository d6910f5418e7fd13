package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/handler"
)

// HandlerConfig はGraphQLエンドポイントの設定。
type HandlerConfig struct {
	GraphiQL bool // ブラウザからのアクセスにGraphiQLを返す
	Pretty   bool // レスポンスJSONをインデントする

	// multipartリクエストの上限
	MaxFieldSize int64 // operations・mapなどファイル以外のフィールド
	MaxFileSize  int64 // 1ファイルあたり
	MaxFiles     int   // 1リクエストあたりのファイル数
}

// DefaultHandlerConfig はデフォルトのアップロード上限を返す。
// ファイル以外のフィールドとファイルは2MBまで、ファイル数は10個まで。
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxFieldSize: 2_000_000,
		MaxFileSize:  2_000_000,
		MaxFiles:     10,
	}
}

// Handler はGraphQLのHTTPトランスポート。
// GET・JSON・application/graphql・フォームの解釈と実行はgraphql-go/handlerに任せ、
// multipart/form-dataのファイルアップロードだけをここで展開する。
type Handler struct {
	gql    *handler.Handler
	config HandlerConfig
	logger *slog.Logger
}

// NewHandler はHandlerを生成する。上限が0以下の項目はデフォルト値を使う。
func NewHandler(schema graphql.Schema, config HandlerConfig, logger *slog.Logger) *Handler {
	defaults := DefaultHandlerConfig()
	if config.MaxFieldSize <= 0 {
		config.MaxFieldSize = defaults.MaxFieldSize
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = defaults.MaxFileSize
	}
	if config.MaxFiles <= 0 {
		config.MaxFiles = defaults.MaxFiles
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		config: config,
		logger: logger,
	}
	h.gql = handler.New(&handler.Config{
		Schema:           &schema,
		Pretty:           config.Pretty,
		GraphiQL:         config.GraphiQL,
		ResultCallbackFn: h.logResult,
	})
	return h
}

// ServeHTTP はリクエストのコンテキストを引き継いでスキーマを実行する。
// 実行時エラーはGraphQLの慣習どおり200のerrorsとして返し、
// 本文の上限超過とmultipartの不備だけをHTTPステータスで返す。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		writeErrors(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.Method == http.MethodPost {
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "multipart/form-data" {
			h.serveMultipart(w, r)
			return
		}

		// RequestSizeの上限超過を空のクエリとして実行させない
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeRequestError(w, bodyReadError(err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	h.gql.ContextHandler(r.Context(), w, r)
}

func (h *Handler) serveMultipart(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if r.MultipartForm != nil {
			r.MultipartForm.RemoveAll()
		}
	}()

	opts, uploads, err := parseMultipart(r, h.config)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	body, err := json.Marshal(opts)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid operations")
		return
	}

	ctx := withUploads(r.Context(), uploads)
	req := r.Clone(ctx)
	req.URL.RawQuery = ""
	req.Header.Set("Content-Type", "application/json")
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.MultipartForm = nil

	h.gql.ContextHandler(ctx, w, req)
}

func (h *Handler) logResult(ctx context.Context, params *graphql.Params, result *graphql.Result, _ []byte) {
	if !result.HasErrors() {
		return
	}
	h.logger.DebugContext(ctx, "graphql errors",
		slog.String("operation", params.OperationName),
		slog.Int("count", len(result.Errors)),
		slog.String("first", result.Errors[0].Message),
	)
}

// requestError はHTTPステータス付きで返すリクエストの不備。
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(message string) error {
	return &requestError{status: http.StatusBadRequest, message: message}
}

func tooLarge(message string) error {
	return &requestError{status: http.StatusRequestEntityTooLarge, message: message}
}

func bodyReadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return tooLarge("request body too large")
	}
	return badRequest("invalid request body")
}

func writeRequestError(w http.ResponseWriter, err error) {
	var reqErr *requestError
	if !errors.As(err, &reqErr) {
		reqErr = &requestError{status: http.StatusBadRequest, message: err.Error()}
	}
	writeErrors(w, reqErr.status, reqErr.message)
}

func writeErrors(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&graphql.Result{
		Errors: []gqlerrors.FormattedError{gqlerrors.NewFormattedError(message)},
	})
}
