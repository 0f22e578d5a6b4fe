package classifier

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PlainText strips markup from an HTML or plain text body and collapses
// whitespace. Unparseable input is returned trimmed.
func PlainText(body string) string {
	if !strings.Contains(body, "<") {
		return collapse(body)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return collapse(body)
	}
	doc.Find("script, style, head").Remove()
	// 块级元素之间补空格，避免单词粘连
	doc.Find("p, div, br, li, tr, td, th, h1, h2, h3, h4").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return collapse(doc.Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
