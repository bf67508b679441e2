package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/eva/internal/audio"
	"github.com/ent0n29/eva/internal/reliability"
)

const (
	defaultSTTModel = "whisper-1"
	defaultTTSModel = "tts-1"
	defaultVoice    = "nova"
	defaultTimeout  = 30 * time.Second

	maxAttempts  = 3
	backoffBase  = 200 * time.Millisecond
	backoffLimit = 2 * time.Second
	maxAudioSize = 25 << 20
)

var openAIVoices = []Voice{
	{ID: "alloy", Name: "Alloy", Gender: "NEUTRAL"},
	{ID: "echo", Name: "Echo", Gender: "MALE"},
	{ID: "fable", Name: "Fable", Gender: "NEUTRAL"},
	{ID: "onyx", Name: "Onyx", Gender: "MALE"},
	{ID: "nova", Name: "Nova", Gender: "FEMALE"},
	{ID: "shimmer", Name: "Shimmer", Gender: "FEMALE"},
}

// OpenAIProvider talks to OpenAI-compatible /audio/transcriptions and
// /audio/speech endpoints.
type OpenAIProvider struct {
	baseURL  string
	apiKey   string
	sttModel string
	ttsModel string
	voice    string
	client   *http.Client
}

func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	p := &OpenAIProvider{
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:   cfg.APIKey,
		sttModel: cfg.STTModel,
		ttsModel: cfg.TTSModel,
		voice:    cfg.Voice,
	}
	if p.sttModel == "" {
		p.sttModel = defaultSTTModel
	}
	if p.ttsModel == "" {
		p.ttsModel = defaultTTSModel
	}
	if p.voice == "" {
		p.voice = defaultVoice
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	p.client = &http.Client{Timeout: timeout}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

// StatusError reports a non-2xx reply from the speech service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("speech http status %d: %s", e.Code, e.Body)
}

type transcriptionResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func (p *OpenAIProvider) Transcribe(ctx context.Context, data []byte, language string) (Transcription, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio"+audioExt(data))
	if err != nil {
		return Transcription{}, err
	}
	if _, err := fw.Write(data); err != nil {
		return Transcription{}, err
	}
	fields := map[string]string{
		"model":           p.sttModel,
		"response_format": "verbose_json",
		"language":        isoLanguage(language),
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return Transcription{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Transcription{}, err
	}

	res, err := p.post(ctx, "/audio/transcriptions", mw.FormDataContentType(), body.Bytes())
	if err != nil {
		return Transcription{}, err
	}
	defer res.Body.Close()

	var out transcriptionResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Transcription{}, fmt.Errorf("decode transcription: %w", err)
	}
	return Transcription{
		Text:       strings.TrimSpace(out.Text),
		Confidence: segmentConfidence(out),
		Language:   language,
		Engine:     p.Name(),
	}, nil
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

func (p *OpenAIProvider) Synthesize(ctx context.Context, text, voice, _ string) (Synthesis, error) {
	if voice == "" {
		voice = p.voice
	}
	payload, err := json.Marshal(speechRequest{Model: p.ttsModel, Input: text, Voice: voice, ResponseFormat: "wav"})
	if err != nil {
		return Synthesis{}, err
	}
	res, err := p.post(ctx, "/audio/speech", "application/json", payload)
	if err != nil {
		return Synthesis{}, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxAudioSize))
	if err != nil {
		return Synthesis{}, fmt.Errorf("read synthesized audio: %w", err)
	}
	if len(data) == 0 {
		return Synthesis{}, errors.New("speech service returned no audio")
	}
	contentType := res.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "audio/wav"
	}
	d, ok := audio.WAVDuration(data)
	if !ok {
		d = EstimateDuration(text)
	}
	return Synthesis{Audio: data, ContentType: contentType, Duration: d, Engine: p.Name()}, nil
}

func (p *OpenAIProvider) ListVoices(_ context.Context, language string) ([]Voice, error) {
	out := make([]Voice, len(openAIVoices))
	for i, v := range openAIVoices {
		v.Languages = []string{language}
		out[i] = v
	}
	return out, nil
}

func (p *OpenAIProvider) post(ctx context.Context, path, contentType string, payload []byte) (*http.Response, error) {
	var res *http.Response
	err := reliability.Do(ctx, maxAttempts, backoffBase, backoffLimit, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", contentType)
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		r, err := p.client.Do(req)
		if err != nil {
			return ctx.Err() == nil, err
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(r.Body, 4<<10))
			r.Body.Close()
			return reliability.IsRetryableHTTPStatus(r.StatusCode), &StatusError{Code: r.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		res = r
		return false, nil
	})
	return res, err
}

// segmentConfidence turns the mean segment log-probability into [0,1].
// Services that omit segments are trusted fully.
func segmentConfidence(out transcriptionResponse) float64 {
	if len(out.Segments) == 0 {
		return 1
	}
	var sum float64
	for _, s := range out.Segments {
		sum += s.AvgLogprob
	}
	c := math.Exp(sum / float64(len(out.Segments)))
	return math.Round(math.Min(1, math.Max(0, c))*100) / 100
}

// isoLanguage maps "en-US" to the ISO-639-1 "en" the API expects.
func isoLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func audioExt(data []byte) string {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return ".wav"
	case len(data) >= 4 && string(data[0:4]) == "OggS":
		return ".ogg"
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return ".webm"
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return ".mp3"
	default:
		return ".wav"
	}
}
