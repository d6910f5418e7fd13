package graph

import (
	"github.com/hitoshi/huddle/internal/model"
)

// codedError はGraphQLエラーのextensions.codeにAPIエラーコードを載せる。
type codedError struct {
	apiErr *model.APIError
}

func (e *codedError) Error() string {
	return e.apiErr.Message
}

// Extensions はgqlerrors.ExtendedErrorを実装する。
func (e *codedError) Extensions() map[string]interface{} {
	return map[string]interface{}{
		"code":     e.apiErr.Code,
		"category": e.apiErr.Category,
	}
}

func errUnauthorized() error {
	return &codedError{apiErr: model.NewUnauthorizedError()}
}
