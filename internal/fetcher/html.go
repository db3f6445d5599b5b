package fetcher

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/rotisserie/eris"

	"github.com/sells-group/wealth-intel/internal/model"
)

// ExtractHeadlines applies a source's selectors to a listing page. Relative
// links are resolved against base and duplicate links are dropped.
func ExtractHeadlines(body []byte, base *url.URL, src model.Source) ([]model.Headline, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse listing")
	}

	var out []model.Headline
	seen := make(map[string]bool)
	doc.Find(src.HeadlineSelector).Each(func(_ int, s *goquery.Selection) {
		title := collapseSpace(s.Text())
		href := linkFor(s, src.LinkSelector)
		if title == "" || href == "" {
			return
		}
		link := resolve(base, href)
		if link == "" || seen[link] {
			return
		}
		seen[link] = true
		out = append(out, model.Headline{Title: title, Link: link, Snippet: snippetFor(s)})
	})
	return out, nil
}

// linkFor finds the href for a headline element: the link selector within
// it, the element itself, a descendant anchor, or the enclosing anchor.
func linkFor(s *goquery.Selection, linkSelector string) string {
	if linkSelector != "" {
		if href, ok := s.Find(linkSelector).First().Attr("href"); ok {
			return href
		}
		if s.Is(linkSelector) {
			return s.AttrOr("href", "")
		}
	}
	if goquery.NodeName(s) == "a" {
		return s.AttrOr("href", "")
	}
	if href, ok := s.Find("a[href]").First().Attr("href"); ok {
		return href
	}
	return s.Closest("a[href]").AttrOr("href", "")
}

// maxSnippetRunes bounds the teaser stored with a headline.
const maxSnippetRunes = 500

// snippetFor picks up a teaser paragraph next to the headline, if any.
func snippetFor(s *goquery.Selection) string {
	p := s.Parent().Find("p").First()
	if p.Length() == 0 {
		return ""
	}
	return truncateRunes(collapseSpace(p.Text()), maxSnippetRunes)
}

// truncateRunes cuts s to at most n characters without splitting one.
func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// ExtractContent returns the article text under selector, falling back to
// readability when the selector is empty or matches nothing.
func ExtractContent(body []byte, pageURL *url.URL, selector string) (string, error) {
	if selector != "" {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return "", eris.Wrap(err, "fetcher: parse article")
		}
		var parts []string
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			if t := collapseSpace(s.Text()); t != "" {
				parts = append(parts, t)
			}
		})
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), nil
		}
	}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: readability")
	}
	return strings.TrimSpace(article.TextContent), nil
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
