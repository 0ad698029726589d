package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// HTTPSTTConfig controls which speech-to-text engine HTTPSTT talks to.
// Grounded on the gateway's llm.Config/LoadConfigFromEnv shape (same
// "external inference engine reached over HTTP, selected from env, with a
// sane local default" idiom, generalized from text generation to speech
// recognition).
type HTTPSTTConfig struct {
	BaseURL    string
	Model      string
	TimeoutSec int
}

// LoadHTTPSTTConfigFromEnv reads STT_ENDPOINT/STT_MODEL/STT_TIMEOUT_SECONDS,
// defaulting to a local whisper.cpp-compatible server.
func LoadHTTPSTTConfigFromEnv() HTTPSTTConfig {
	base := strings.TrimSpace(os.Getenv("STT_ENDPOINT"))
	if base == "" {
		base = "http://127.0.0.1:8081"
	}
	model := strings.TrimSpace(os.Getenv("STT_MODEL"))
	if model == "" {
		model = "whisper-1"
	}
	timeout := 120
	if t := strings.TrimSpace(os.Getenv("STT_TIMEOUT_SECONDS")); t != "" {
		if n, err := strconv.Atoi(t); err == nil && n > 0 {
			timeout = n
		}
	}
	return HTTPSTTConfig{BaseURL: base, Model: model, TimeoutSec: timeout}
}

// HTTPSTT is the production STT implementation: a multipart POST to an
// OpenAI-compatible /v1/audio/transcriptions endpoint (whisper.cpp's
// server and most local whisper deployments speak this shape). It treats
// the engine strictly as a black box, per spec.md §4.6 step 2 — no
// attempt is made to interpret word-level timing or confidence.
type HTTPSTT struct {
	client *http.Client
	cfg    HTTPSTTConfig
}

// NewHTTPSTT builds an HTTPSTT from cfg. An empty BaseURL is valid — Transcribe
// then always fails with a network error, same as orchestrator.HTTPRemote's
// empty-URL convention, so callers can wire one client regardless of whether
// an engine is actually configured in this deployment.
func NewHTTPSTT(cfg HTTPSTTConfig) *HTTPSTT {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPSTT{client: &http.Client{Timeout: timeout}, cfg: cfg}
}

type sttResponse struct {
	Text       string  `json:"text"`
	DurationMS float64 `json:"duration_ms"`
}

func (s *HTTPSTT) Transcribe(ctx context.Context, audio []byte, mime string) (string, time.Duration, error) {
	if strings.TrimSpace(s.cfg.BaseURL) == "" {
		return "", 0, fmt.Errorf("transcribe: stt engine is not configured")
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "audio")
	if err != nil {
		return "", 0, fmt.Errorf("transcribe: build upload: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", 0, fmt.Errorf("transcribe: build upload: %w", err)
	}
	if err := w.WriteField("model", s.cfg.Model); err != nil {
		return "", 0, fmt.Errorf("transcribe: build upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", 0, fmt.Errorf("transcribe: build upload: %w", err)
	}

	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", 0, fmt.Errorf("transcribe: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("transcribe: stt call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", 0, fmt.Errorf("transcribe: stt status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", 0, fmt.Errorf("transcribe: read stt response: %w", err)
	}
	var decoded sttResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", 0, fmt.Errorf("transcribe: decode stt response: %w", err)
	}
	return decoded.Text, time.Duration(decoded.DurationMS) * time.Millisecond, nil
}
