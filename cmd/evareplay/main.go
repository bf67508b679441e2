package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/eva/internal/audio"
	"github.com/ent0n29/eva/internal/protocol"
)

type options struct {
	baseURL        string
	token          string
	deviceID       string
	sessionID      string
	mode           string
	stream         bool
	turns          int
	audioDuration  time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type wsEnvelope struct {
	Type  string `json:"type"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
	Text  string `json:"text,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

type turnResult struct {
	kind       string
	firstByte  time.Duration
	total      time.Duration
	errorCode  string
	replyChars int
}

var defaultUtterances = []string{
	"Reply in three words: how are you?",
	"Remind me to water the plants tomorrow",
	"What do you remember about me?",
	"Thanks, that's all",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "evareplay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "evareplay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var audioMS, interTurnMS, turnTimeoutMS int

	fs := flag.NewFlagSet("evareplay", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "Eva base URL")
	fs.StringVar(&cfg.token, "token", "", "credential passed as the token query parameter")
	fs.StringVar(&cfg.deviceID, "device-id", "replay", "device id for the websocket path")
	fs.StringVar(&cfg.sessionID, "session-id", "replay", "conversation id for chat turns")
	fs.StringVar(&cfg.mode, "mode", "chat", "turn kind: chat, audio or mixed")
	fs.BoolVar(&cfg.stream, "stream", false, "request streamed chat replies")
	fs.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	fs.IntVar(&audioMS, "audio-ms", 1200, "length of the synthetic audio clip in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for a turn to finish in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.token) == "" {
		return options{}, fmt.Errorf("token is required")
	}
	if strings.TrimSpace(cfg.deviceID) == "" {
		return options{}, fmt.Errorf("device-id is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	cfg.mode = strings.ToLower(strings.TrimSpace(cfg.mode))
	switch cfg.mode {
	case "chat", "audio", "mixed":
	default:
		return options{}, fmt.Errorf("mode must be chat, audio or mixed")
	}
	if audioMS < 100 || audioMS > 30000 {
		return options{}, fmt.Errorf("audio-ms must be in [100,30000]")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.audioDuration = time.Duration(audioMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	cfg.texts = splitTexts(textsRaw)
	if len(cfg.texts) == 0 {
		if strings.TrimSpace(textsRaw) != "" {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	wsURL, err := speechURL(cfg.baseURL, cfg.deviceID, cfg.token)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	inbound := make(chan wsEnvelope, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, inbound, readErrCh)

	if _, err := await(inbound, readErrCh, cfg.turnTimeout, string(protocol.TypeConnected)); err != nil {
		return fmt.Errorf("await connected: %w", err)
	}

	clip, err := audio.EncodeWAVPCM16LE(audio.SilencePCM16LE(cfg.audioDuration, 16000), 16000)
	if err != nil {
		return fmt.Errorf("prepare audio clip: %w", err)
	}
	clipB64 := base64.StdEncoding.EncodeToString(clip)

	if cfg.verbose {
		fmt.Printf("evareplay: device=%s turns=%d mode=%s stream=%t\n", cfg.deviceID, cfg.turns, cfg.mode, cfg.stream)
	}

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		kind := turnKind(cfg.mode, i)
		text := cfg.texts[i%len(cfg.texts)]

		var msg any
		terminal := string(protocol.TypeResponse)
		if kind == "audio" {
			msg = protocol.Audio{Type: protocol.TypeAudio, Data: clipB64}
			terminal = string(protocol.TypeTranscription)
		} else {
			msg = protocol.Chat{Type: protocol.TypeChat, Message: text, SessionID: cfg.sessionID, Stream: cfg.stream}
		}

		started := time.Now()
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		res, err := awaitTurn(inbound, readErrCh, cfg.turnTimeout, terminal, started)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		res.kind = kind
		results = append(results, res)

		if cfg.verbose {
			status := "ok"
			if res.errorCode != "" {
				status = res.errorCode
			}
			fmt.Printf("evareplay: turn %d/%d kind=%s first=%s total=%s status=%s\n",
				i+1, cfg.turns, kind, res.firstByte.Round(time.Millisecond), res.total.Round(time.Millisecond), status)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	printSummary(results)
	return nil
}

func turnKind(mode string, i int) string {
	switch mode {
	case "audio":
		return "audio"
	case "mixed":
		if i%2 == 1 {
			return "audio"
		}
	}
	return "chat"
}

func speechURL(baseURL, deviceID, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/speech/" + deviceID
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, inbound chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		inbound <- env
	}
}

func await(inbound <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration, want string) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-inbound:
			if env.Type == want {
				return env, nil
			}
		case err := <-readErrCh:
			return wsEnvelope{}, err
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s waiting for %s", timeout, want)
		}
	}
}

// awaitTurn waits for the terminal message of one turn. An error event ends
// the turn without failing the replay. Sync messages from other devices are
// ignored.
func awaitTurn(inbound <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration, terminal string, started time.Time) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var res turnResult
	for {
		select {
		case env := <-inbound:
			switch env.Type {
			case string(protocol.TypeResponseChunk):
				if res.firstByte == 0 {
					res.firstByte = time.Since(started)
				}
			case string(protocol.TypeError):
				res.total = time.Since(started)
				if res.firstByte == 0 {
					res.firstByte = res.total
				}
				res.errorCode = env.Code
				return res, nil
			case terminal:
				res.total = time.Since(started)
				if res.firstByte == 0 {
					res.firstByte = res.total
				}
				res.replyChars = len(env.Text)
				return res, nil
			}
		case err := <-readErrCh:
			return res, err
		case <-timer.C:
			return res, fmt.Errorf("timeout after %s waiting for %s", timeout, terminal)
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(results []turnResult) {
	byKind := map[string][]time.Duration{}
	firsts := map[string][]time.Duration{}
	failures := 0
	for _, r := range results {
		if r.errorCode != "" {
			failures++
			continue
		}
		byKind[r.kind] = append(byKind[r.kind], r.total)
		firsts[r.kind] = append(firsts[r.kind], r.firstByte)
	}
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		totals, fb := byKind[k], firsts[k]
		sort.Slice(totals, func(i, j int) bool { return totals[i] < totals[j] })
		sort.Slice(fb, func(i, j int) bool { return fb[i] < fb[j] })
		fmt.Printf("evareplay: %s n=%d first_p50=%s total_p50=%s total_p95=%s total_max=%s\n",
			k, len(totals),
			percentile(fb, 0.5).Round(time.Millisecond),
			percentile(totals, 0.5).Round(time.Millisecond),
			percentile(totals, 0.95).Round(time.Millisecond),
			totals[len(totals)-1].Round(time.Millisecond),
		)
	}
	fmt.Printf("evareplay: completed turns=%d failures=%d\n", len(results), failures)
}
