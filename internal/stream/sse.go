package stream

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SSETransport reads the text/event-stream feed at
// /api/rooms/{id}/events.
type SSETransport struct {
	base   *url.URL
	Client *http.Client
}

func NewSSETransport(baseURL string) (*SSETransport, error) {
	u, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	// No client timeout: the response body stays open for the life of the feed.
	return &SSETransport{base: u, Client: &http.Client{}}, nil
}

func (t *SSETransport) Dial(ctx context.Context, roomID string, fromOffset int64) (Conn, error) {
	u := *t.base
	u.Path = strings.TrimRight(u.Path, "/") + "/api/rooms/" + url.PathEscape(roomID) + "/events"
	q := url.Values{}
	q.Set("fromOffset", strconv.FormatInt(fromOffset, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", u.Redacted())
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, errors.Errorf("dial %s: status %d: %s", u.Redacted(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return newSSEConn(resp.Body), nil
}

// ErrFrameTooLarge is returned when an SSE line or event exceeds
// maxMessageSize, the same cap the WebSocket transport reads with.
var ErrFrameTooLarge = errors.New("sse frame exceeds size limit")

type sseConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newSSEConn(body io.ReadCloser) *sseConn {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageSize)
	return &sseConn{body: body, scanner: scanner}
}

// Next returns the next dispatched SSE event. Comments, ids, and retry hints
// are skipped.
func (c *sseConn) Next() (Frame, error) {
	var (
		event string
		data  bytes.Buffer
		has   bool
	)
	for {
		if !c.scanner.Scan() {
			err := c.scanner.Err()
			switch {
			case err == nil:
				err = io.ErrUnexpectedEOF
			case errors.Is(err, bufio.ErrTooLong):
				err = ErrFrameTooLarge
			}
			return Frame{}, err
		}
		line := c.scanner.Text()

		if line == "" {
			if has {
				if event == "" {
					event = "message"
				}
				return Frame{Event: event, Data: data.Bytes()}, nil
			}
			event = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if has {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			has = true
			if data.Len() > maxMessageSize {
				return Frame{}, ErrFrameTooLarge
			}
		}
	}
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
