// Package speech holds the transcription and synthesis capabilities and the
// registry that resolves them by engine name.
package speech

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUpstreamMedia marks a failed transcription or synthesis call.
	ErrUpstreamMedia = errors.New("speech engine failed")
	ErrUnknownEngine = errors.New("unknown speech engine")
	ErrEmptyAudio    = errors.New("audio payload is empty")
	ErrEmptyText     = errors.New("text is empty")
)

const DefaultLanguage = "en-US"

// secondsPerWord approximates speaking rate when the audio length is unknown.
const secondsPerWord = 0.4

type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Engine     string  `json:"engine"`
}

type Synthesis struct {
	Audio       []byte
	ContentType string
	Duration    time.Duration
	Engine      string
}

type Voice struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Languages []string `json:"language_codes"`
	Gender    string   `json:"gender,omitempty"`
}

type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, language string) (Transcription, error)
}

type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text, voice, language string) (Synthesis, error)
	ListVoices(ctx context.Context, language string) ([]Voice, error)
}

// EstimateDuration guesses how long text takes to speak.
func EstimateDuration(text string) time.Duration {
	words := len(strings.Fields(text))
	return time.Duration(float64(words) * secondsPerWord * float64(time.Second))
}

// Registry maps engine names to implementations. It is filled once at startup
// and read concurrently afterwards.
type Registry struct {
	transcribers map[string]Transcriber
	synthesizers map[string]Synthesizer
	defaultSTT   string
	defaultTTS   string
}

func NewRegistry() *Registry {
	return &Registry{
		transcribers: make(map[string]Transcriber),
		synthesizers: make(map[string]Synthesizer),
	}
}

// AddTranscriber registers t. The first one added becomes the default.
func (r *Registry) AddTranscriber(t Transcriber) {
	name := strings.ToLower(t.Name())
	r.transcribers[name] = t
	if r.defaultSTT == "" {
		r.defaultSTT = name
	}
}

// AddSynthesizer registers s. The first one added becomes the default.
func (r *Registry) AddSynthesizer(s Synthesizer) {
	name := strings.ToLower(s.Name())
	r.synthesizers[name] = s
	if r.defaultTTS == "" {
		r.defaultTTS = name
	}
}

func (r *Registry) Transcriber(engine string) (Transcriber, error) {
	name := strings.ToLower(strings.TrimSpace(engine))
	if name == "" {
		name = r.defaultSTT
	}
	t, ok := r.transcribers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
	return t, nil
}

func (r *Registry) Synthesizer(engine string) (Synthesizer, error) {
	name := strings.ToLower(strings.TrimSpace(engine))
	if name == "" {
		name = r.defaultTTS
	}
	s, ok := r.synthesizers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
	return s, nil
}

// Transcribe resolves engine and transcribes audio. Engine failures are
// wrapped with ErrUpstreamMedia.
func (r *Registry) Transcribe(ctx context.Context, audio []byte, language, engine string) (Transcription, error) {
	if len(audio) == 0 {
		return Transcription{}, ErrEmptyAudio
	}
	t, err := r.Transcriber(engine)
	if err != nil {
		return Transcription{}, err
	}
	if language == "" {
		language = DefaultLanguage
	}
	out, err := t.Transcribe(ctx, audio, language)
	if err != nil {
		return Transcription{}, fmt.Errorf("%w: %s: %v", ErrUpstreamMedia, t.Name(), err)
	}
	if out.Language == "" {
		out.Language = language
	}
	if out.Engine == "" {
		out.Engine = t.Name()
	}
	return out, nil
}

// Synthesize resolves engine and renders the speakable form of text. A
// missing duration is filled from the word-count estimate.
func (r *Registry) Synthesize(ctx context.Context, text, voice, language, engine string) (Synthesis, error) {
	if strings.TrimSpace(text) == "" {
		return Synthesis{}, ErrEmptyText
	}
	s, err := r.Synthesizer(engine)
	if err != nil {
		return Synthesis{}, err
	}
	if language == "" {
		language = DefaultLanguage
	}
	spoken := Speakable(text)
	if spoken == "" {
		spoken = strings.TrimSpace(text)
	}
	out, err := s.Synthesize(ctx, spoken, voice, language)
	if err != nil {
		return Synthesis{}, fmt.Errorf("%w: %s: %v", ErrUpstreamMedia, s.Name(), err)
	}
	if out.Duration <= 0 {
		out.Duration = EstimateDuration(spoken)
	}
	if out.Engine == "" {
		out.Engine = s.Name()
	}
	return out, nil
}

func (r *Registry) Voices(ctx context.Context, engine, language string) ([]Voice, error) {
	s, err := r.Synthesizer(engine)
	if err != nil {
		return nil, err
	}
	if language == "" {
		language = DefaultLanguage
	}
	voices, err := s.ListVoices(ctx, language)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamMedia, s.Name(), err)
	}
	return voices, nil
}

// Engines lists registered synthesizer names, default first.
func (r *Registry) Engines() []string {
	names := make([]string, 0, len(r.synthesizers))
	for name := range r.synthesizers {
		if name != r.defaultTTS {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if r.defaultTTS != "" {
		names = append([]string{r.defaultTTS}, names...)
	}
	return names
}
