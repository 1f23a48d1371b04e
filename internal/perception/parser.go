package perception

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// ErrNothingDetected is returned when the parser finds no usable content, typically a black screen.
var ErrNothingDetected = errors.New("parser detected no screen content")

// ParseResult is the structured parse of one image.
type ParseResult struct {
	Elements []Element
	Overlay  string
}

// HTTPParser calls the screen parsing service.
type HTTPParser struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPParser creates a parser client for url.
func NewHTTPParser(url string, timeout time.Duration, logger *zap.Logger) *HTTPParser {
	return &HTTPParser{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("parser"),
	}
}

type parseRequest struct {
	Base64Image string `json:"base64_image"`
}

type parsedItem struct {
	Type          string    `json:"type"`
	Content       string    `json:"content"`
	BBox          []float64 `json:"bbox"`
	Interactivity bool      `json:"interactivity"`
}

type parseResponse struct {
	ParsedContentList []parsedItem `json:"parsed_content_list"`
	SomImageBase64    string       `json:"som_image_base64"`
}

// Parse submits the image and returns its elements in parser order.
func (p *HTTPParser) Parse(ctx context.Context, img []byte) (*ParseResult, error) {
	payload, err := json.Marshal(parseRequest{Base64Image: base64.StdEncoding.EncodeToString(img)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parse request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create parse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("parse request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read parse response: %w", err)
	}
	// The parser answers 500 when it cannot find anything on screen.
	if resp.StatusCode == http.StatusInternalServerError {
		return nil, ErrNothingDetected
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("parser returned status %d", resp.StatusCode)
	}

	var decoded parseResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode parse response: %w", err)
	}

	result := &ParseResult{Overlay: decoded.SomImageBase64, Elements: make([]Element, 0, len(decoded.ParsedContentList))}
	for i, item := range decoded.ParsedContentList {
		el := Element{Index: i, Kind: KindText, Content: item.Content, Interactive: item.Interactivity}
		if item.Type == string(KindIcon) {
			el.Kind = KindIcon
		}
		copy(el.BBox[:], item.BBox)
		result.Elements = append(result.Elements, el)
	}

	p.logger.Debug("Screen parsed", zap.Int("elements", len(result.Elements)), zap.Duration("duration", time.Since(start)))
	return result, nil
}
