// Package graph はGraphQLスキーマの組み立てとHTTPトランスポートを提供する。
// リゾルバーはModule単位で登録し、リクエストのセッションはResolveParams.Contextから取得する。
package graph

import (
	"fmt"
	"maps"
	"slices"

	"github.com/graphql-go/graphql"
)

// Module はスキーマに差し込むリゾルバー群。
// 投稿・コメントなどの業務モジュールはこのインターフェースを実装して登録する。
type Module interface {
	Queries() graphql.Fields
	Mutations() graphql.Fields
}

// NewSchema はモジュールのフィールドを結合してスキーマを構築する。
// 同名のフィールドを複数のモジュールが定義した場合はエラーを返す。
func NewSchema(modules ...Module) (graphql.Schema, error) {
	queries := graphql.Fields{}
	mutations := graphql.Fields{}

	for _, m := range modules {
		if err := mergeFields(queries, m.Queries(), "Query"); err != nil {
			return graphql.Schema{}, err
		}
		if err := mergeFields(mutations, m.Mutations(), "Mutation"); err != nil {
			return graphql.Schema{}, err
		}
	}

	if len(queries) == 0 {
		return graphql.Schema{}, fmt.Errorf("schema has no query fields")
	}

	cfg := graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: queries,
		}),
	}
	if len(mutations) > 0 {
		cfg.Mutation = graphql.NewObject(graphql.ObjectConfig{
			Name:   "Mutation",
			Fields: mutations,
		})
	}

	schema, err := graphql.NewSchema(cfg)
	if err != nil {
		return graphql.Schema{}, fmt.Errorf("failed to build schema: %w", err)
	}
	return schema, nil
}

func mergeFields(dst, src graphql.Fields, typeName string) error {
	// エラーメッセージを安定させるため名前順に走査する
	for _, name := range slices.Sorted(maps.Keys(src)) {
		if _, exists := dst[name]; exists {
			return fmt.Errorf("duplicate %s field %q", typeName, name)
		}
		dst[name] = src[name]
	}
	return nil
}
