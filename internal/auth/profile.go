package auth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hitoshi/huddle/internal/model"
	"github.com/hitoshi/huddle/internal/security"
)

// ProviderFacebook はFacebookのプロバイダー名。
const ProviderFacebook = "facebook"

// ProfileError はIdPのプロフィールに必須項目が欠けている場合のエラー。
type ProfileError struct {
	Missing []string
}

// Error はerrorインターフェースを実装する。
func (e *ProfileError) Error() string {
	return fmt.Sprintf("profile is missing required fields: %s", strings.Join(e.Missing, ", "))
}

// graphProfile はGraph API /me のレスポンス。
// passport形式の emails 配列にも対応する。
type graphProfile struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Emails    []struct {
		Value string `json:"value"`
	} `json:"emails"`
	Picture json.RawMessage `json:"picture"`
}

// graphPicture は picture フィールドのオブジェクト形式。
type graphPicture struct {
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}

var defaultSanitizer = security.NewProfileSanitizer()

// ParseProfile はGraph APIのプロフィールJSONを検証済みのExternalProfileに変換する。
// id、1件以上のメールアドレス、名、姓が必須。画像URLは任意。
func ParseProfile(raw []byte) (*model.ExternalProfile, error) {
	return parseProfile(raw, defaultSanitizer)
}

func parseProfile(raw []byte, sanitizer *security.ProfileSanitizer) (*model.ExternalProfile, error) {
	var gp graphProfile
	if err := json.Unmarshal(raw, &gp); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	profile := &model.ExternalProfile{
		Provider:   ProviderFacebook,
		ExternalID: strings.TrimSpace(gp.ID),
		GivenName:  sanitizer.Text(gp.FirstName),
		FamilyName: sanitizer.Text(gp.LastName),
		PictureURL: sanitizer.PictureURL(pictureURL(gp.Picture)),
	}

	seen := make(map[string]bool)
	addEmail := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		profile.Emails = append(profile.Emails, v)
	}
	addEmail(gp.Email)
	for _, e := range gp.Emails {
		addEmail(e.Value)
	}

	var missing []string
	if profile.ExternalID == "" {
		missing = append(missing, "id")
	}
	if len(profile.Emails) == 0 {
		missing = append(missing, "email")
	}
	if profile.GivenName == "" {
		missing = append(missing, "first_name")
	}
	if profile.FamilyName == "" {
		missing = append(missing, "last_name")
	}
	if len(missing) > 0 {
		return nil, &ProfileError{Missing: missing}
	}

	return profile, nil
}

// pictureURL は picture フィールドから画像URLを取り出す。
// オブジェクト形式 {"data":{"url":...}} と文字列形式の両方を受け付ける。
func pictureURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var p graphPicture
	if err := json.Unmarshal(raw, &p); err == nil {
		return p.Data.URL
	}
	return ""
}
