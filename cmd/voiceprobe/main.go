// Command voiceprobe replays scripted utterances through the device bridge
// as if it were a browser page, and reports turn latency.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/companion/internal/protocol"
)

type options struct {
	baseURL       string
	turns         int
	texts         []string
	confidence    float64
	wordInterval  time.Duration
	interTurn     time.Duration
	turnTimeout   time.Duration
	speechPerChar time.Duration
	requestStart  bool
	expectSpeech  bool
	verbose       bool
}

var defaultUtterances = []string{
	"what is on my list today",
	"remind me to call mom at six",
	"how are you feeling",
	"play something relaxing",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
	rep.print(os.Stdout)
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var wordMS, interTurnMS, turnTimeoutMS, perCharMS int

	fs := flag.NewFlagSet("voiceprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8787", "companion base URL")
	fs.IntVar(&cfg.turns, "turns", 4, "number of turns to replay")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.Float64Var(&cfg.confidence, "confidence", 0.9, "confidence reported for every fragment")
	fs.IntVar(&wordMS, "word-ms", 120, "delay between interim fragments in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 300, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for each reply in milliseconds")
	fs.IntVar(&perCharMS, "speech-char-ms", 5, "simulated playback time per character in milliseconds")
	fs.BoolVar(&cfg.requestStart, "start", true, "ask the controller to start listening")
	fs.BoolVar(&cfg.expectSpeech, "expect-speech", true, "wait for the spoken reply of every turn")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.confidence < 0 || cfg.confidence > 1 {
		return options{}, fmt.Errorf("confidence must be within [0,1]")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.wordInterval = time.Duration(max(wordMS, 0)) * time.Millisecond
	cfg.interTurn = time.Duration(max(interTurnMS, 0)) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.speechPerChar = time.Duration(max(perCharMS, 0)) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func bridgeURL(baseURL string) (string, error) {
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/bridge/ws"
	return u.String(), nil
}

type envelope struct {
	Type         string `json:"type"`
	RequestID    string `json:"request_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	SpeechID     string `json:"speech_id,omitempty"`
	Text         string `json:"text,omitempty"`
	State        string `json:"state,omitempty"`
	RequestText  string `json:"request_text,omitempty"`
	ResponseText string `json:"response_text,omitempty"`
	Code         string `json:"code,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// page plays the browser side of the bridge: it grants capability probes,
// acknowledges recognition runs and "plays" speech for a simulated duration.
type page struct {
	conn          *websocket.Conn
	speechPerChar time.Duration
	log           io.Writer

	writeMu sync.Mutex
	mu      sync.Mutex
	runID   string
	started chan struct{}
	once    sync.Once

	exchanges chan envelope
	speeches  chan envelope
	failures  chan envelope
	readErr   chan error
}

func newPage(conn *websocket.Conn, perChar time.Duration, log io.Writer) *page {
	return &page{
		conn:          conn,
		speechPerChar: perChar,
		log:           log,
		started:       make(chan struct{}),
		exchanges:     make(chan envelope, 16),
		speeches:      make(chan envelope, 16),
		failures:      make(chan envelope, 16),
		readErr:       make(chan error, 1),
	}
}

func (p *page) write(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteJSON(v)
}

func (p *page) currentRun() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runID
}

func (p *page) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.readErr <- err
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		p.handle(env)
	}
}

func (p *page) handle(env envelope) {
	switch protocol.MessageType(env.Type) {
	case protocol.TypeCapabilityProbe:
		_ = p.write(protocol.Capability{
			Type:        protocol.TypeCapability,
			RequestID:   env.RequestID,
			Recognition: protocol.RecognitionSupported,
			Permission:  protocol.PermissionGranted,
			Speech:      true,
			UserAgent:   "voiceprobe",
		})
	case protocol.TypeRecognitionStart:
		p.mu.Lock()
		p.runID = env.RunID
		p.mu.Unlock()
		_ = p.write(protocol.RecognitionStarted{Type: protocol.TypeRecognitionStarted, RunID: env.RunID})
		p.once.Do(func() { close(p.started) })
	case protocol.TypeRecognitionStop:
		p.mu.Lock()
		if p.runID == env.RunID {
			p.runID = ""
		}
		p.mu.Unlock()
		_ = p.write(protocol.RecognitionEnd{Type: protocol.TypeRecognitionEnd, RunID: env.RunID})
	case protocol.TypeSpeechSpeak:
		id := env.SpeechID
		time.AfterFunc(time.Duration(len(env.Text))*p.speechPerChar, func() {
			_ = p.write(protocol.SpeechEnd{Type: protocol.TypeSpeechEnd, SpeechID: id})
		})
		offer(p.speeches, env)
	case protocol.TypeChatExchange:
		offer(p.exchanges, env)
	case protocol.TypeErrorEvent:
		fmt.Fprintf(p.log, "voiceprobe: error_event code=%s detail=%s\n", env.Code, env.Detail)
		offer(p.failures, env)
	}
}

// offer drops the event when nobody is collecting that kind.
func offer(ch chan envelope, env envelope) {
	select {
	case ch <- env:
	default:
	}
}

// say replays text as growing interim fragments followed by a final one.
func (p *page) say(text string, confidence float64, wordInterval time.Duration) (time.Time, error) {
	words := strings.Fields(text)
	for i := 1; i < len(words); i++ {
		err := p.write(protocol.RecognitionResult{
			Type:       protocol.TypeRecognitionResult,
			RunID:      p.currentRun(),
			Text:       strings.Join(words[:i], " "),
			Confidence: confidence,
			TSMs:       time.Now().UnixMilli(),
		})
		if err != nil {
			return time.Time{}, err
		}
		time.Sleep(wordInterval)
	}
	sent := time.Now()
	err := p.write(protocol.RecognitionResult{
		Type:       protocol.TypeRecognitionResult,
		RunID:      p.currentRun(),
		Text:       text,
		IsFinal:    true,
		Confidence: confidence,
		TSMs:       sent.UnixMilli(),
	})
	return sent, err
}

type turnTiming struct {
	Text     string
	Reply    string
	Exchange time.Duration
	Speech   time.Duration
}

type report struct {
	Turns []turnTiming
}

func run(ctx context.Context, cfg options, log io.Writer) (report, error) {
	if !cfg.verbose {
		log = io.Discard
	}
	wsURL, err := bridgeURL(cfg.baseURL)
	if err != nil {
		return report{}, fmt.Errorf("build bridge URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report{}, fmt.Errorf("open bridge: %w", err)
	}
	defer conn.Close()

	p := newPage(conn, cfg.speechPerChar, log)
	go p.readLoop()

	if cfg.requestStart {
		if err := p.write(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionStart}); err != nil {
			return report{}, fmt.Errorf("request start: %w", err)
		}
	}
	if err := p.await(ctx, p.started, cfg.turnTimeout); err != nil {
		return report{}, fmt.Errorf("await recognition_start: %w", err)
	}
	fmt.Fprintf(log, "voiceprobe: listening on run %s\n", p.currentRun())

	var rep report
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		fmt.Fprintf(log, "voiceprobe: turn %d/%d %q\n", i+1, cfg.turns, text)
		sent, err := p.say(text, cfg.confidence, cfg.wordInterval)
		if err != nil {
			return rep, fmt.Errorf("turn %d send: %w", i+1, err)
		}

		ex, err := p.next(ctx, p.exchanges, cfg.turnTimeout)
		if err != nil {
			return rep, fmt.Errorf("turn %d await chat_exchange: %w", i+1, err)
		}
		timing := turnTiming{Text: text, Reply: ex.ResponseText, Exchange: time.Since(sent)}
		if cfg.expectSpeech {
			if _, err := p.next(ctx, p.speeches, cfg.turnTimeout); err != nil {
				return rep, fmt.Errorf("turn %d await speech_speak: %w", i+1, err)
			}
			timing.Speech = time.Since(sent)
			// Let the simulated playback end before the next utterance.
			time.Sleep(time.Duration(len(ex.ResponseText)) * cfg.speechPerChar)
		}
		rep.Turns = append(rep.Turns, timing)
		fmt.Fprintf(log, "voiceprobe: reply after %s: %q\n", timing.Exchange.Round(time.Millisecond), timing.Reply)

		if cfg.interTurn > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurn)
		}
	}
	return rep, nil
}

func (p *page) await(ctx context.Context, ch <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case err := <-p.readErr:
		return err
	case ev := <-p.failures:
		return fmt.Errorf("%s: %s", ev.Code, ev.Detail)
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *page) next(ctx context.Context, ch <-chan envelope, timeout time.Duration) (envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-ch:
		return ev, nil
	case err := <-p.readErr:
		return envelope{}, err
	case ev := <-p.failures:
		return envelope{}, fmt.Errorf("%s: %s", ev.Code, ev.Detail)
	case <-timer.C:
		return envelope{}, errors.New("timeout after " + timeout.String())
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	}
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	rank = min(max(rank, 0), len(sorted)-1)
	return sorted[rank]
}

func summarize(values []time.Duration) (p50, p95, worst time.Duration) {
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if len(sorted) == 0 {
		return 0, 0, 0
	}
	return percentile(sorted, 0.50), percentile(sorted, 0.95), sorted[len(sorted)-1]
}

func (r report) print(w io.Writer) {
	var exchange, speech []time.Duration
	for _, t := range r.Turns {
		exchange = append(exchange, t.Exchange)
		if t.Speech > 0 {
			speech = append(speech, t.Speech)
		}
	}
	fmt.Fprintf(w, "turns: %d\n", len(r.Turns))
	p50, p95, worst := summarize(exchange)
	fmt.Fprintf(w, "final fragment -> chat_exchange  p50=%s p95=%s max=%s\n", p50.Round(time.Millisecond), p95.Round(time.Millisecond), worst.Round(time.Millisecond))
	if len(speech) > 0 {
		p50, p95, worst = summarize(speech)
		fmt.Fprintf(w, "final fragment -> speech_speak   p50=%s p95=%s max=%s\n", p50.Round(time.Millisecond), p95.Round(time.Millisecond), worst.Round(time.Millisecond))
	}
}
