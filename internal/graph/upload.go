package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/handler"
)

// uploadRefPrefix はmultipartで受け取ったファイルを変数に差し込むときの目印。
const uploadRefPrefix = "upload:"

// uploadRef はUploadスカラーの入力値。mapのキーを保持する。
type uploadRef string

// UploadScalar はGraphQL multipart requestで送られたファイルを受け取る入力専用のスカラー。
// リゾルバーはUploadFromContextで実体を取り出す。
var UploadScalar = graphql.NewScalar(graphql.ScalarConfig{
	Name:        "Upload",
	Description: "multipart/form-dataで送信されたファイル。",
	Serialize: func(value interface{}) interface{} {
		return nil
	},
	ParseValue: func(value interface{}) interface{} {
		s, ok := value.(string)
		if !ok || !strings.HasPrefix(s, uploadRefPrefix) {
			return nil
		}
		return uploadRef(strings.TrimPrefix(s, uploadRefPrefix))
	},
	ParseLiteral: func(valueAST ast.Value) interface{} {
		// ファイルはクエリ文字列に直接書けない
		return nil
	},
})

// Upload は受信したファイル。リクエストの処理が終わると読めなくなる。
type Upload struct {
	Filename    string
	ContentType string
	Size        int64

	header *multipart.FileHeader
}

// Open はファイルの内容を開く。
func (u *Upload) Open() (multipart.File, error) {
	return u.header.Open()
}

type uploadsKey struct{}

func withUploads(ctx context.Context, uploads map[string]*Upload) context.Context {
	return context.WithValue(ctx, uploadsKey{}, uploads)
}

// UploadFromContext はUpload型の引数の値からファイルを取り出す。
func UploadFromContext(ctx context.Context, v interface{}) (*Upload, error) {
	ref, ok := v.(uploadRef)
	if !ok {
		return nil, errors.New("argument is not an upload")
	}
	uploads, _ := ctx.Value(uploadsKey{}).(map[string]*Upload)
	u, ok := uploads[string(ref)]
	if !ok {
		return nil, fmt.Errorf("file %q was not uploaded", string(ref))
	}
	return u, nil
}

// parseMultipart はGraphQL multipart requestを解析する。
// mapで指定された変数の位置にファイルへの参照を差し込んだoperationsを返す。
func parseMultipart(r *http.Request, cfg HandlerConfig) (*handler.RequestOptions, map[string]*Upload, error) {
	if err := r.ParseMultipartForm(cfg.MaxFieldSize); err != nil {
		if errors.Is(err, multipart.ErrMessageTooLarge) {
			return nil, nil, tooLarge("multipart field too large")
		}
		return nil, nil, bodyReadError(err)
	}
	form := r.MultipartForm

	operations, err := formField(form, "operations", cfg.MaxFieldSize)
	if err != nil {
		return nil, nil, err
	}
	mapping, err := formField(form, "map", cfg.MaxFieldSize)
	if err != nil {
		return nil, nil, err
	}

	if bytes.HasPrefix(bytes.TrimSpace([]byte(operations)), []byte("[")) {
		return nil, nil, badRequest("batched operations are not supported")
	}
	var opts handler.RequestOptions
	if err := json.Unmarshal([]byte(operations), &opts); err != nil {
		return nil, nil, badRequest("operations must be a JSON object")
	}
	var fileMap map[string][]string
	if err := json.Unmarshal([]byte(mapping), &fileMap); err != nil {
		return nil, nil, badRequest("map must be a JSON object of path arrays")
	}

	files := 0
	for _, headers := range form.File {
		files += len(headers)
	}
	if files > cfg.MaxFiles || len(fileMap) > cfg.MaxFiles {
		return nil, nil, tooLarge(fmt.Sprintf("too many files (max %d)", cfg.MaxFiles))
	}

	if opts.Variables == nil {
		opts.Variables = map[string]interface{}{}
	}
	uploads := make(map[string]*Upload, len(fileMap))
	// エラーメッセージを安定させるため名前順に走査する
	for _, key := range slices.Sorted(maps.Keys(fileMap)) {
		headers := form.File[key]
		if len(headers) == 0 {
			return nil, nil, badRequest(fmt.Sprintf("missing file part %q", key))
		}
		fh := headers[0]
		if fh.Size > cfg.MaxFileSize {
			return nil, nil, tooLarge(fmt.Sprintf("file %q too large (max %d bytes)", key, cfg.MaxFileSize))
		}
		uploads[key] = &Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			header:      fh,
		}

		for _, path := range fileMap[key] {
			if err := setVariable(opts.Variables, path, uploadRefPrefix+key); err != nil {
				return nil, nil, err
			}
		}
	}

	return &opts, uploads, nil
}

func formField(form *multipart.Form, name string, limit int64) (string, error) {
	values := form.Value[name]
	if len(values) == 0 {
		return "", badRequest(fmt.Sprintf("missing multipart field %q", name))
	}
	if int64(len(values[0])) > limit {
		return "", tooLarge(fmt.Sprintf("multipart field %q too large (max %d bytes)", name, limit))
	}
	return values[0], nil
}

// setVariable は"variables.files.0"のようなパスの位置にvalueを書き込む。
func setVariable(vars map[string]interface{}, path, value string) error {
	segments := strings.Split(path, ".")
	if len(segments) < 2 || segments[0] != "variables" {
		return badRequest(fmt.Sprintf("invalid map path %q", path))
	}

	var node interface{} = vars
	for i, seg := range segments[1:] {
		last := i == len(segments)-2
		switch n := node.(type) {
		case map[string]interface{}:
			if last {
				n[seg] = value
				return nil
			}
			node = n[seg]
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(n) {
				return badRequest(fmt.Sprintf("invalid map path %q", path))
			}
			if last {
				n[idx] = value
				return nil
			}
			node = n[idx]
		default:
			return badRequest(fmt.Sprintf("invalid map path %q", path))
		}
	}
	return nil
}
