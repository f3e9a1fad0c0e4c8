package feeds

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"

	"github.com/gridfuse/resilience/models"
)

// StreamType selects the parser for a registered stream.
type StreamType string

const (
	StreamRSS     StreamType = "RSS"
	StreamAtom    StreamType = "ATOM"
	StreamJSONAPI StreamType = "JSON_API"
	StreamNewsAPI StreamType = "NEWS_API"
)

// Parse dispatches to the type-specific parser. A malformed document returns
// an error and zero items; it never panics.
func Parse(streamType StreamType, source string, data []byte) ([]models.FeedItem, error) {
	switch streamType {
	case StreamRSS:
		return ParseRSS(source, data)
	case StreamAtom:
		return ParseAtom(source, data)
	case StreamJSONAPI:
		return ParseJSONFeed(source, data)
	case StreamNewsAPI:
		return ParseNewsAPI(source, data)
	default:
		return nil, fmt.Errorf("unsupported stream type %q", streamType)
	}
}

// ParseRSS extracts <item> elements from an RSS 2.0 document.
func ParseRSS(source string, data []byte) ([]models.FeedItem, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse rss: %w", err)
	}
	var items []models.FeedItem
	for _, node := range xmlquery.Find(doc, "//item") {
		item := models.FeedItem{
			Source:      source,
			Title:       childText(node, "title"),
			Link:        childText(node, "link"),
			Description: childText(node, "description"),
			Content:     childText(node, "encoded"), // content:encoded
			Author:      firstNonEmpty(childText(node, "author"), childText(node, "creator")),
			PubDate:     parseFeedTime(childText(node, "pubDate")),
		}
		for _, cat := range childNodes(node, "category") {
			if tag := strings.TrimSpace(innerText(cat)); tag != "" {
				item.Tags = append(item.Tags, tag)
			}
		}
		guid := childText(node, "guid")
		item.ID = itemID(guid, item)
		items = append(items, item)
	}
	return items, nil
}

// ParseAtom extracts <entry> elements from an Atom document. The link is taken
// from the first <link href=...>.
func ParseAtom(source string, data []byte) ([]models.FeedItem, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse atom: %w", err)
	}
	var items []models.FeedItem
	for _, node := range xmlquery.Find(doc, "//entry") {
		item := models.FeedItem{
			Source:      source,
			Title:       childText(node, "title"),
			Description: childText(node, "summary"),
			Content:     childText(node, "content"),
		}
		if link := childNode(node, "link"); link != nil {
			item.Link = link.SelectAttr("href")
		}
		published := firstNonEmpty(childText(node, "published"), childText(node, "updated"))
		item.PubDate = parseFeedTime(published)
		for _, cat := range childNodes(node, "category") {
			if term := cat.SelectAttr("term"); term != "" {
				item.Tags = append(item.Tags, term)
			}
		}
		if author := childNode(node, "author"); author != nil {
			item.Author = childText(author, "name")
		}
		item.ID = itemID(childText(node, "id"), item)
		items = append(items, item)
	}
	return items, nil
}

type jsonFeedDoc struct {
	Items []struct {
		ID          string   `json:"id"`
		Title       string   `json:"title"`
		Summary     string   `json:"summary"`
		ContentText string   `json:"content_text"`
		ContentHTML string   `json:"content_html"`
		URL         string   `json:"url"`
		Published   string   `json:"date_published"`
		Tags        []string `json:"tags"`
		Author      struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"items"`
}

// ParseJSONFeed extracts items from a JSON Feed document.
func ParseJSONFeed(source string, data []byte) ([]models.FeedItem, error) {
	var doc jsonFeedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse json feed: %w", err)
	}
	items := make([]models.FeedItem, 0, len(doc.Items))
	for _, entry := range doc.Items {
		item := models.FeedItem{
			Source:      source,
			Title:       entry.Title,
			Link:        entry.URL,
			Description: entry.Summary,
			Content:     firstNonEmpty(entry.ContentText, entry.ContentHTML),
			Tags:        entry.Tags,
			Author:      entry.Author.Name,
			PubDate:     parseFeedTime(entry.Published),
		}
		item.ID = itemID(entry.ID, item)
		items = append(items, item)
	}
	return items, nil
}

type newsAPIDoc struct {
	Articles []struct {
		URL         string `json:"url"`
		Title       string `json:"title"`
		Description string `json:"description"`
		PublishedAt string `json:"publishedAt"`
		Content     string `json:"content"`
		Author      string `json:"author"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

// ParseNewsAPI extracts articles from a News-API-style JSON document.
func ParseNewsAPI(source string, data []byte) ([]models.FeedItem, error) {
	var doc newsAPIDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse news api: %w", err)
	}
	items := make([]models.FeedItem, 0, len(doc.Articles))
	for _, article := range doc.Articles {
		item := models.FeedItem{
			Source:      firstNonEmpty(article.Source.Name, source),
			Title:       article.Title,
			Link:        article.URL,
			Description: article.Description,
			Content:     article.Content,
			Author:      article.Author,
			PubDate:     parseFeedTime(article.PublishedAt),
		}
		item.ID = itemID(article.URL, item)
		items = append(items, item)
	}
	return items, nil
}

// DedupeKey is the identity used by the per-stream delivery cache.
func DedupeKey(item models.FeedItem) string {
	return strings.Join([]string{item.ID, item.Link, item.Title, item.PubDate.UTC().Format(time.RFC3339)}, "|")
}

// itemID derives a stable identifier from the best available identity fields.
func itemID(guid string, item models.FeedItem) string {
	basis := guid
	if basis == "" {
		basis = strings.Join([]string{item.Link, item.Title, item.PubDate.UTC().Format(time.RFC3339)}, "|")
	}
	sum := sha256.Sum256([]byte(basis))
	return hex.EncodeToString(sum[:8])
}

var feedTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseFeedTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range feedTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// childNode finds the first direct or nested element whose local name matches,
// ignoring namespace prefixes (content:encoded, dc:creator).
func childNode(parent *xmlquery.Node, local string) *xmlquery.Node {
	for child := parent.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode && localName(child) == local {
			return child
		}
	}
	return nil
}

func childNodes(parent *xmlquery.Node, local string) []*xmlquery.Node {
	var out []*xmlquery.Node
	for child := parent.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode && localName(child) == local {
			out = append(out, child)
		}
	}
	return out
}

func childText(parent *xmlquery.Node, local string) string {
	if node := childNode(parent, local); node != nil {
		return strings.TrimSpace(innerText(node))
	}
	return ""
}

func innerText(node *xmlquery.Node) string { return node.InnerText() }

func localName(node *xmlquery.Node) string {
	if i := strings.IndexByte(node.Data, ':'); i >= 0 {
		return node.Data[i+1:]
	}
	return node.Data
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
