package user

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// UsernameGenerator は「名 + 姓 + 作成時刻（ミリ秒）」形式のユーザー名を生成する。
// 同一プロセス内ではタイムスタンプ部分が単調増加するため、
// 同じミリ秒に同名のユーザーが作成されても重複しない。
type UsernameGenerator struct {
	mu   sync.Mutex
	last int64
}

// NewUsernameGenerator はUsernameGeneratorを生成する。
func NewUsernameGenerator() *UsernameGenerator {
	return &UsernameGenerator{}
}

// Next は次のユーザー名を返す。
func (g *UsernameGenerator) Next(givenName, familyName string, now time.Time) string {
	g.mu.Lock()
	n := now.UnixMilli()
	if n <= g.last {
		n = g.last + 1
	}
	g.last = n
	g.mu.Unlock()

	return fmt.Sprintf("%s%s%d", compact(givenName), compact(familyName), n)
}

// compact は名前から空白を除去する。
func compact(name string) string {
	return strings.Join(strings.Fields(name), "")
}
