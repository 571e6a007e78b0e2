package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RLAsoftware/category-of-one/internal/protocol"
)

type options struct {
	baseURL        string
	email          string
	token          string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type sessionResponse struct {
	Session struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"session"`
}

type wsEnvelope struct {
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type turnTiming struct {
	firstDelta time.Duration
	total      time.Duration
}

var defaultAnswers = []string{
	"I help B2B founders turn messy pricing into a clear premium offer.",
	"Most consultants sell hours. I sell a fixed four-week repositioning sprint.",
	"I think discounting is never a growth strategy, even early on.",
	"Clients arrive frustrated that buyers see them as interchangeable.",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfinterview: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfinterview: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("perfinterview", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "service base URL")
	fs.StringVar(&cfg.email, "email", "", "client email sent as X-Dev-Email (AUTH_DISABLED servers)")
	fs.StringVar(&cfg.token, "token", "", "bearer token for authenticated servers")
	fs.IntVar(&cfg.turns, "turns", 5, "number of answers to send")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 250, "delay between answers in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 90000, "timeout waiting for exchange_complete per answer in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "answers separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.email) == "" && strings.TrimSpace(cfg.token) == "" {
		return options{}, fmt.Errorf("one of email or token is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultAnswers...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty answers")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	sessionID, err := loadSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("perfinterview: session=%s turns=%d\n", sessionID, cfg.turns)
	}

	wsURL, err := wsURLForSession(cfg, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	frames := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, frames, readErrCh)

	timings := make([]turnTiming, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("perfinterview: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		started := time.Now()
		if err := conn.WriteJSON(protocol.SendMessage{Type: protocol.TypeSendMessage, Content: text}); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		timing, done, err := awaitExchange(frames, readErrCh, started, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, timing)
		if cfg.verbose {
			fmt.Printf("perfinterview: turn %d first_delta=%s total=%s\n", i+1, timing.firstDelta.Round(time.Millisecond), timing.total.Round(time.Millisecond))
		}
		if done {
			if cfg.verbose {
				fmt.Println("perfinterview: interview moved to synthesis, stopping")
			}
			break
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Println(summarize(timings))
	return nil
}

func loadSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/interview/session", nil)
	if err != nil {
		return "", err
	}
	setIdentity(req.Header, cfg)

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out sessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Session.ID) == "" {
		return "", fmt.Errorf("missing session id in response")
	}
	if out.Session.Status != "chatting" {
		return "", fmt.Errorf("session %s is %s, not chatting", out.Session.ID, out.Session.Status)
	}
	return out.Session.ID, nil
}

func setIdentity(h http.Header, cfg options) {
	if t := strings.TrimSpace(cfg.token); t != "" {
		h.Set("Authorization", "Bearer "+t)
		return
	}
	h.Set("X-Dev-Email", strings.TrimSpace(cfg.email))
}

// wsURLForSession carries identity in the query string; browsers cannot set
// headers on websocket upgrades.
func wsURLForSession(cfg options, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.baseURL))
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/interview/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	if t := strings.TrimSpace(cfg.token); t != "" {
		q.Set("token", t)
	} else {
		q.Set("dev_email", strings.TrimSpace(cfg.email))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, frames chan<- wsEnvelope, readErrCh chan<- error) {
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
		select {
		case frames <- env:
		default:
		}
	}
}

// awaitExchange waits for exchange_complete. done reports that synthesis
// started, after which the session no longer accepts answers.
func awaitExchange(frames <-chan wsEnvelope, readErrCh <-chan error, started time.Time, timeout time.Duration) (turnTiming, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var timing turnTiming
	done := false
	for {
		select {
		case env := <-frames:
			switch protocol.MessageType(env.Type) {
			case protocol.TypeAssistantDelta:
				if timing.firstDelta == 0 {
					timing.firstDelta = time.Since(started)
				}
			case protocol.TypeSynthesisStarted, protocol.TypeProfileReady:
				done = true
			case protocol.TypeExchangeComplete:
				timing.total = time.Since(started)
				return timing, done, nil
			case protocol.TypeErrorEvent:
				return timing, done, fmt.Errorf("error_event code=%s retryable=%v detail=%s", env.Code, env.Retryable, env.Detail)
			}
		case err := <-readErrCh:
			return timing, done, err
		case <-timer.C:
			return timing, done, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func summarize(timings []turnTiming) string {
	if len(timings) == 0 {
		return "perfinterview: no completed turns"
	}
	first := make([]time.Duration, 0, len(timings))
	total := make([]time.Duration, 0, len(timings))
	for _, t := range timings {
		if t.firstDelta > 0 {
			first = append(first, t.firstDelta)
		}
		total = append(total, t.total)
	}
	return fmt.Sprintf("perfinterview: turns=%d first_delta p50=%s p95=%s total p50=%s p95=%s",
		len(timings),
		percentile(first, 0.50), percentile(first, 0.95),
		percentile(total, 0.50), percentile(total, 0.95),
	)
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted))+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].Round(time.Millisecond)
}
