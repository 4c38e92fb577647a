package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type BlockType string

const (
	BlockText  BlockType = "text"
	BlockImage BlockType = "image"
)

// ContentBlock is a tagged variant: Text uses Text, Image uses URL and MimeType.
type ContentBlock struct {
	Type     BlockType
	Text     string
	URL      string
	MimeType string
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds an image block; the mime type comes from a data URI prefix
// and is empty for remote URLs.
func ImageBlock(url string) ContentBlock {
	mime, _, _ := parseDataURI(url)
	return ContentBlock{Type: BlockImage, URL: url, MimeType: mime}
}

// Content is either plain text (Parts == nil) or an ordered list of blocks.
type Content struct {
	Text  string
	Parts []ContentBlock
}

func TextContent(text string) Content {
	return Content{Text: text}
}

func PartsContent(parts ...ContentBlock) Content {
	if parts == nil {
		parts = []ContentBlock{}
	}
	return Content{Parts: parts}
}

// Blocks returns the content as an ordered block list.
func (c Content) Blocks() []ContentBlock {
	if c.Parts != nil {
		return c.Parts
	}
	if c.Text == "" {
		return nil
	}
	return []ContentBlock{TextBlock(c.Text)}
}

// PlainText joins all text blocks with newlines.
func (c Content) PlainText() string {
	if c.Parts == nil {
		return c.Text
	}
	texts := make([]string, 0, len(c.Parts))
	for _, b := range c.Parts {
		if b.Type == BlockText {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (c Content) HasImages() bool {
	for _, b := range c.Parts {
		if b.Type == BlockImage {
			return true
		}
	}
	return false
}

func (c Content) IsEmpty() bool {
	if c.Parts == nil {
		return c.Text == ""
	}
	for _, b := range c.Parts {
		if b.Type == BlockImage || b.Text != "" {
			return false
		}
	}
	return true
}

type contentPartJSON struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

type imageURLJSON struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// MarshalJSON writes the OpenAI wire form: a string, or an array of
// text / image_url parts.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts == nil {
		return json.Marshal(c.Text)
	}
	parts := make([]any, 0, len(c.Parts))
	for _, b := range c.Parts {
		switch b.Type {
		case BlockImage:
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": imageURLJSON{URL: b.URL},
			})
		default:
			parts = append(parts, map[string]any{
				"type": "text",
				"text": b.Text,
			})
		}
	}
	return json.Marshal(parts)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*c = Content{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}

	var raw []contentPartJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	c.Parts = make([]ContentBlock, 0, len(raw))
	for i, p := range raw {
		switch p.Type {
		case "text", "input_text":
			c.Parts = append(c.Parts, TextBlock(p.Text))
		case "image_url":
			url, err := decodeImageURL(p.ImageURL)
			if err != nil {
				return fmt.Errorf("content[%d]: %w", i, err)
			}
			c.Parts = append(c.Parts, ImageBlock(url))
		default:
			return fmt.Errorf("content[%d]: unsupported part type %q", i, p.Type)
		}
	}
	return nil
}

// decodeImageURL accepts both {"url": "..."} and a bare string.
func decodeImageURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("image_url is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj imageURLJSON
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("invalid image_url: %w", err)
	}
	if obj.URL == "" {
		return "", fmt.Errorf("image_url.url is required")
	}
	return obj.URL, nil
}

// parseDataURI splits "data:<mime>;base64,<payload>".
func parseDataURI(url string) (mime, payload string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime, params, _ := strings.Cut(meta, ";")
	if !strings.Contains(params, "base64") {
		return "", "", false
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	return mime, payload, true
}

func isRemoteURL(url string) bool {
	return strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://")
}
