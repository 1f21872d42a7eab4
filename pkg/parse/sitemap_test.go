package parse

import (
	"errors"
	"reflect"
	"testing"

	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

func TestParseSitemap_URLSet(t *testing.T) {
	data := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://www.example.com/page1</loc></url>
  <url><loc>
     https://www.example.com/page2
  </loc><lastmod>2024-01-15</lastmod></url>
  <url><loc></loc></url>
  <url><loc>https://www.example.com/page3</loc></url>
  <url><loc>https://www.example.com/page1</loc></url>
</urlset>`)

	doc, err := ParseSitemap(data)
	if err != nil {
		t.Fatalf("ParseSitemap() error = %v", err)
	}
	if doc.IsIndex() {
		t.Fatal("urlset reported as index")
	}

	want := []string{
		"https://www.example.com/page1",
		"https://www.example.com/page2",
		"https://www.example.com/page3",
		"https://www.example.com/page1", // duplicates are kept
	}
	if !reflect.DeepEqual(doc.PageURLs, want) {
		t.Errorf("PageURLs = %v, want %v", doc.PageURLs, want)
	}
}

func TestParseSitemap_Index(t *testing.T) {
	data := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://www.example.com/sitemap-pages.xml</loc></sitemap>
  <sitemap><loc> https://www.example.com/sitemap-blog.xml </loc></sitemap>
</sitemapindex>`)

	doc, err := ParseSitemap(data)
	if err != nil {
		t.Fatalf("ParseSitemap() error = %v", err)
	}
	if !doc.IsIndex() {
		t.Fatal("sitemapindex not reported as index")
	}
	want := []string{
		"https://www.example.com/sitemap-pages.xml",
		"https://www.example.com/sitemap-blog.xml",
	}
	if !reflect.DeepEqual(doc.Children, want) {
		t.Errorf("Children = %v, want %v", doc.Children, want)
	}
	if len(doc.PageURLs) != 0 {
		t.Errorf("PageURLs = %v, want none", doc.PageURLs)
	}
}

func TestParseSitemap_EmptyURLSet(t *testing.T) {
	doc, err := ParseSitemap([]byte(`<urlset></urlset>`))
	if err != nil {
		t.Fatalf("ParseSitemap() error = %v", err)
	}
	if len(doc.PageURLs) != 0 {
		t.Errorf("PageURLs = %v, want empty", doc.PageURLs)
	}
}

func TestParseSitemap_Latin1(t *testing.T) {
	// "café" with é encoded as 0xE9
	data := append([]byte(`<?xml version="1.0" encoding="ISO-8859-1"?><urlset><url><loc>https://www.example.com/caf`),
		0xE9)
	data = append(data, []byte(`</loc></url></urlset>`)...)

	doc, err := ParseSitemap(data)
	if err != nil {
		t.Fatalf("ParseSitemap() error = %v", err)
	}
	if len(doc.PageURLs) != 1 || doc.PageURLs[0] != "https://www.example.com/café" {
		t.Errorf("PageURLs = %q", doc.PageURLs)
	}
}

func TestParseSitemap_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"HTMLPage", `<html><body>Not Found</body></html>`},
		{"Garbage", `this is not xml`},
		{"Empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSitemap([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, utils.ErrParsing) {
				t.Errorf("error %v does not wrap ErrParsing", err)
			}
			if got := utils.CategorizeError(err); got != "Content_ParsingXML" {
				t.Errorf("CategorizeError() = %q, want Content_ParsingXML", got)
			}
		})
	}
}
