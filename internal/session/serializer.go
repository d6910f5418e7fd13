package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/huddle/internal/model"
)

// ErrEmptyPayload はセッションに識別情報が含まれていない場合のエラー。
var ErrEmptyPayload = errors.New("session payload has no user id")

// ShapeError はユーザーオブジェクトがセッションへの格納に必要な形を満たさない場合のエラー。
type ShapeError struct {
	Missing []string
}

// Error はerrorインターフェースを実装する。
func (e *ShapeError) Error() string {
	return fmt.Sprintf("user cannot be serialized into session: missing %s", strings.Join(e.Missing, ", "))
}

// Serialize はユーザーをセッションに格納する識別情報へ射影する。
// パスワードや認証方式は含めない。
func Serialize(user *model.User) (*model.IdentityPayload, error) {
	if user == nil {
		return nil, &ShapeError{Missing: []string{"user"}}
	}

	var missing []string
	if user.ID == "" {
		missing = append(missing, "id")
	}
	if user.Email == "" {
		missing = append(missing, "email")
	}
	if user.GivenName == "" {
		missing = append(missing, "given_name")
	}
	if user.FamilyName == "" {
		missing = append(missing, "family_name")
	}
	if len(missing) > 0 {
		return nil, &ShapeError{Missing: missing}
	}

	return &model.IdentityPayload{
		UserID:     user.ID,
		FamilyName: user.FamilyName,
		GivenName:  user.GivenName,
		Email:      user.Email,
		Token:      user.AccessToken,
	}, nil
}

// Deserialize はセッションの識別情報からユーザー検索キー（ユーザーID）を取り出す。
func Deserialize(payload *model.IdentityPayload) (string, error) {
	if payload == nil || payload.UserID == "" {
		return "", ErrEmptyPayload
	}
	return payload.UserID, nil
}
