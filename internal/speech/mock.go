package speech

import (
	"context"
	"time"

	"github.com/ent0n29/eva/internal/audio"
)

const (
	mockSampleRate  = 16000
	maxMockDuration = 30 * time.Second
)

// MockProvider is the local fallback used when no speech service is
// configured. It reports a fixed transcript and renders silence.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Transcribe(ctx context.Context, data []byte, language string) (Transcription, error) {
	if err := ctx.Err(); err != nil {
		return Transcription{}, err
	}
	return Transcription{Text: "simulated voice input", Confidence: 0.7, Language: language, Engine: p.Name()}, nil
}

func (p *MockProvider) Synthesize(ctx context.Context, text, _, _ string) (Synthesis, error) {
	if err := ctx.Err(); err != nil {
		return Synthesis{}, err
	}
	d := EstimateDuration(text)
	if d > maxMockDuration {
		d = maxMockDuration
	}
	wav, err := audio.EncodeWAVPCM16LE(audio.SilencePCM16LE(d, mockSampleRate), mockSampleRate)
	if err != nil {
		return Synthesis{}, err
	}
	return Synthesis{Audio: wav, ContentType: "audio/wav", Duration: d, Engine: p.Name()}, nil
}

func (p *MockProvider) ListVoices(_ context.Context, language string) ([]Voice, error) {
	return []Voice{{ID: "mock", Name: "Mock voice", Languages: []string{language}, Gender: "NEUTRAL"}}, nil
}
