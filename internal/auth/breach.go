package auth

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// BreachChecker reports whether a password appears in known credential
// dumps. Implementations must never transmit the password itself.
type BreachChecker interface {
	IsBreached(ctx context.Context, password string) (bool, error)
}

const (
	defaultBreachTimeout = 2 * time.Second
	breachPrefixLen      = 5
	defaultBreachBase    = "https://api.pwnedpasswords.com"
)

// HIBPClient queries a Pwned-Passwords-compatible range endpoint using
// k-anonymity: only the first five hex characters of the SHA-1 digest go
// over the wire, and matching happens locally on the returned suffixes.
type HIBPClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewHIBPClient builds a range-endpoint client. A non-positive timeout
// falls back to the 2s default.
func NewHIBPClient(baseURL string, timeout time.Duration, log *slog.Logger) *HIBPClient {
	if baseURL == "" {
		baseURL = defaultBreachBase
	}
	if timeout <= 0 {
		timeout = defaultBreachTimeout
	}
	return &HIBPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "breach-oracle",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("breaker_state_changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		}),
		log: log,
	}
}

func (c *HIBPClient) IsBreached(ctx context.Context, password string) (bool, error) {
	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := digest[:breachPrefixLen], digest[breachPrefixLen:]

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.rangeLookup(ctx, prefix, suffix)
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (c *HIBPClient) rangeLookup(ctx context.Context, prefix, suffix string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/range/"+prefix, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build breach request: %w", err)
	}
	req.Header.Set("Add-Padding", "true")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("breach oracle unreachable: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("breach oracle returned status %d", resp.StatusCode)
	}

	// Response lines are "HEXSUFFIX:COUNT". Padding lines carry count 0.
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		candidate, count, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(candidate, suffix) && strings.TrimSpace(count) != "0" {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to read breach response: %w", err)
	}
	return false, nil
}
