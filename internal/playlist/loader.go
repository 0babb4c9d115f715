package playlist

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultFetchTimeout bounds the HTTP GET for the remote playlist body.
const DefaultFetchTimeout = 10 * time.Second

// Blocklist is a set of lowercase substrings. A URL is blocked iff any
// substring is contained in its lowercased form.
type Blocklist []string

// LoadBlocklist reads one lowercase substring per line from path, ignoring
// blank lines and lines beginning with '#'. A missing path is not an error:
// an empty, optional blocklist is returned.
func LoadBlocklist(path string) (Blocklist, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path) // #nosec G304 - path is administrator-controlled configuration
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var bl Blocklist
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		bl = append(bl, strings.ToLower(line))
	}
	return bl, sc.Err()
}

// Blocked reports whether url contains any blocklist substring, case-insensitively.
func (bl Blocklist) Blocked(url string) bool {
	lower := strings.ToLower(url)
	for _, substr := range bl {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

// Loader fetches and filters the remote playlist.
type Loader struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Log        *slog.Logger
}

// NewLoader builds a Loader with the default fetch timeout.
func NewLoader(log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{
		HTTPClient: &http.Client{Timeout: DefaultFetchTimeout},
		Timeout:    DefaultFetchTimeout,
		Log:        log,
	}
}

// Fetch performs a bounded HTTP GET of playlistURL, parses one URL per
// non-empty, non-comment line, removes blocklisted entries, and returns the
// survivors in random order (fairness on cold start). Any failure — network
// error, non-2xx status, or body read error — is logged and treated as
// non-fatal: an empty sequence is returned.
func (l *Loader) Fetch(ctx context.Context, playlistURL string, blocklist Blocklist) []string {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, playlistURL, nil)
	if err != nil {
		l.Log.Warn("playlist_fetch_failed", "url", playlistURL, "error", err)
		return nil
	}

	client := l.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		l.Log.Warn("playlist_fetch_failed", "url", playlistURL, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		l.Log.Warn("playlist_fetch_failed", "url", playlistURL, "status", resp.StatusCode)
		return nil
	}

	urls, err := parseBody(resp.Body, blocklist)
	if err != nil {
		l.Log.Warn("playlist_fetch_failed", "url", playlistURL, "error", err)
		return nil
	}

	rand.Shuffle(len(urls), func(i, j int) { urls[i], urls[j] = urls[j], urls[i] })

	l.Log.Info("playlist_fetched", "url", playlistURL, "count", len(urls))
	return urls
}

func parseBody(r io.Reader, blocklist Blocklist) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if blocklist.Blocked(line) {
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}
