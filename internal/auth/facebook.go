package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hitoshi/huddle/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	defaultFacebookGraphURL = "https://graph.facebook.com"
	facebookProfileFields   = "id,first_name,last_name,email,picture"
	facebookScopeEmail      = "email"
	maxProfileBodySize      = 1 << 20
)

// ProviderResult はIdPとのハンドシェイク結果。
type ProviderResult struct {
	Profile      *model.ExternalProfile
	AccessToken  string
	RefreshToken string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL は同意画面のURLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、プロフィールを取得する。
	ExchangeCode(ctx context.Context, code string) (*ProviderResult, error)
}

// FacebookConfig はFacebook OAuthプロバイダーの設定。
type FacebookConfig struct {
	AppID       string
	AppSecret   string
	RedirectURL string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
	GraphURL string

	HTTPClient *http.Client
}

// FacebookProvider はFacebook Login（OAuth 2.0）による認証を提供する。
type FacebookProvider struct {
	cfg      *oauth2.Config
	graphURL string
	client   *http.Client
}

// NewFacebookProvider はFacebookProviderを生成する。
func NewFacebookProvider(config FacebookConfig) *FacebookProvider {
	endpoint := endpoints.Facebook
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	if config.GraphURL == "" {
		config.GraphURL = defaultFacebookGraphURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	return &FacebookProvider{
		cfg: &oauth2.Config{
			ClientID:     config.AppID,
			ClientSecret: config.AppSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{facebookScopeEmail},
			Endpoint:     endpoint,
		},
		graphURL: strings.TrimRight(config.GraphURL, "/"),
		client:   config.HTTPClient,
	}
}

// GetLoginURL はFacebookの同意画面URLを生成する。
func (p *FacebookProvider) GetLoginURL(state string) string {
	return p.cfg.AuthCodeURL(state)
}

// ExchangeCode は認可コードをアクセストークンに交換し、Graph APIからプロフィールを取得する。
// トークンエンドポイントが400/401を返した場合は KindConsentDenied、
// それ以外の通信エラーは KindProvider、プロフィール不備は KindProfile の *Error を返す。
func (p *FacebookProvider) ExchangeCode(ctx context.Context, code string) (*ProviderResult, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	// 1. 認可コードをアクセストークンに交換
	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			if rerr.Response.StatusCode == http.StatusBadRequest || rerr.Response.StatusCode == http.StatusUnauthorized {
				return nil, &Error{Kind: KindConsentDenied, Err: err}
			}
		}
		return nil, &Error{Kind: KindProvider, Err: fmt.Errorf("exchange: %w", err)}
	}

	// 2. アクセストークンでプロフィールを取得
	raw, err := p.fetchProfile(ctx, tok)
	if err != nil {
		return nil, &Error{Kind: KindProvider, Err: err}
	}

	profile, err := ParseProfile(raw)
	if err != nil {
		return nil, &Error{Kind: KindProfile, Err: err}
	}

	return &ProviderResult{
		Profile:      profile,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}

// fetchProfile はGraph API /me を呼び出し、レスポンスボディを返す。
func (p *FacebookProvider) fetchProfile(ctx context.Context, tok *oauth2.Token) ([]byte, error) {
	url := p.graphURL + "/me?fields=" + facebookProfileFields

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile request: %w", err)
	}

	resp, err := p.cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile fetch failed with status %d", resp.StatusCode)
	}

	return body, nil
}

// compile-time interface check
var _ OAuthProvider = (*FacebookProvider)(nil)
