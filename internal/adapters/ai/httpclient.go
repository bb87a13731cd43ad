package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/core"
)

// TextClient calls the synchronous translate/summarize endpoints.
type TextClient struct {
	baseURL string
	client  *http.Client
	// MaxElapsed bounds the retries of one call.
	MaxElapsed time.Duration
}

var _ core.TextService = (*TextClient)(nil)

func NewTextClient(baseURL string) *TextClient {
	return &TextClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 30 * time.Second},
		MaxElapsed: 10 * time.Second,
	}
}

type translateRequest struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

type translateResponse struct {
	TranslatedText string `json:"translated_text"`
}

type summarizeRequest struct {
	Text string `json:"text"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

func (c *TextClient) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	var out translateResponse
	if err := c.post(ctx, "/translate", translateRequest{Text: text, SourceLanguage: sourceLang, TargetLanguage: targetLang}, &out); err != nil {
		return "", err
	}
	return out.TranslatedText, nil
}

func (c *TextClient) Summarize(ctx context.Context, text string) (string, error) {
	var out summarizeResponse
	if err := c.post(ctx, "/summarize", summarizeRequest{Text: text}, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

// post retries transport errors and 5xx with exponential backoff. 4xx is final.
func (c *TextClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	endpoint := c.baseURL + path

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("ai service %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
			if resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s response: %w", path, err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = c.MaxElapsed
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("module", "ai.http").Str("path", path).Dur("retry_in", wait).Msg("ai call failed")
	}
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}
