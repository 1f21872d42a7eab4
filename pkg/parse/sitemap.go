package parse

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

// --- XML Structs for Sitemap Parsing ---

// XMLURL represents a <url> element in a sitemap
type XMLURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLURLSet represents a <urlset> element in a sitemap
type XMLURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []XMLURL `xml:"url"`
}

// XMLSitemap represents a <sitemap> element in a sitemap index file
type XMLSitemap struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLSitemapIndex represents a <sitemapindex> element
type XMLSitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []XMLSitemap `xml:"sitemap"`
}

// SitemapDocument is the outcome of parsing one sitemap file.
// Exactly one of the slices is populated, depending on the root element.
type SitemapDocument struct {
	Children []string // <sitemapindex>: nested sitemap locations
	PageURLs []string // <urlset>: page locations in declaration order
}

// IsIndex reports whether the document was a sitemap index
func (d SitemapDocument) IsIndex() bool {
	return d.Children != nil
}

// ParseSitemap decodes a sitemap or sitemap index document.
// Locations are whitespace-trimmed; empty ones are dropped; duplicates and order are preserved.
// Documents declaring a non-UTF-8 encoding are transcoded before decoding.
func ParseSitemap(data []byte) (SitemapDocument, error) {
	var index XMLSitemapIndex
	if err := decodeXML(data, &index); err == nil {
		children := make([]string, 0, len(index.Sitemaps))
		for _, sm := range index.Sitemaps {
			if loc := strings.TrimSpace(sm.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return SitemapDocument{Children: children}, nil
	}

	var set XMLURLSet
	if err := decodeXML(data, &set); err != nil {
		return SitemapDocument{}, fmt.Errorf("%w: XML sitemap: %w", utils.ErrParsing, err)
	}
	pages := make([]string, 0, len(set.URLs))
	for _, u := range set.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			pages = append(pages, loc)
		}
	}
	return SitemapDocument{PageURLs: pages}, nil
}

func decodeXML(data []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	return dec.Decode(v)
}
