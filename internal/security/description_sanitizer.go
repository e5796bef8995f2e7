package security

import (
	"html/template"

	"github.com/microcosm-cc/bluemonday"
)

// DescriptionSanitizer はバックエンドから受け取った商品説明のHTMLを
// 許可リストで絞り込む。
type DescriptionSanitizer struct {
	policy *bluemonday.Policy
}

// NewDescriptionSanitizer はDescriptionSanitizerを生成する。
// 許可: p, br, ul, ol, li, strong, em, b, i と外部リンク（a href）。
// 画像は画像プロキシ経由でのみ表示するため、imgは許可しない。
func NewDescriptionSanitizer() *DescriptionSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em", "b", "i")

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("https", "http")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &DescriptionSanitizer{policy: p}
}

// Sanitize はサニタイズ済みのHTML文字列を返す。
func (s *DescriptionSanitizer) Sanitize(raw string) string {
	return s.policy.Sanitize(raw)
}

// HTML はテンプレートにそのまま埋め込めるHTMLを返す。
func (s *DescriptionSanitizer) HTML(raw string) template.HTML {
	return template.HTML(s.policy.Sanitize(raw))
}
