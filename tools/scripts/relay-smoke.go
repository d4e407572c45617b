// Package main provides a CI-friendly smoke test against a running relay.
//
// It plays both sides with no real agent attached:
//   - health check
//   - create as viewer
//   - watch handshake + subprotocol selection, initial pending event
//   - claim as agent, upload a generated 1x1 PNG
//   - completed event pushed over the watch with the same bytes
//   - poll result returns completed + payload
//   - unknown id is 404
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "screenrelay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const maxReadBytes = 1 << 20

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8000", "Relay base URL")
		origin  = flag.String("origin", "", "Origin header for the watch handshake")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	base := strings.TrimRight(*baseURL, "/")
	root := context.Background()
	hc := &http.Client{Timeout: *timeout}

	mustStatus(root, hc, http.MethodGet, base+"/healthz", nil, http.StatusOK, nil)

	var created v1.CreateResponse
	mustStatus(root, hc, http.MethodPost, base+v1.PathRequests, v1.CreateRequest{RequesterID: "smoke"}, http.StatusOK, &created)
	if created.RequestID == "" || created.Status != v1.StatusCreated {
		fatalf("create: unexpected response %+v", created)
	}
	id := created.RequestID
	if *verbose {
		fmt.Printf("created: request_id=%s\n", id)
	}

	conn := mustWatch(root, base, id, *origin, *timeout)
	defer closeWS(conn)

	first := mustReadEvent(root, conn, *timeout)
	if first.Status != v1.StatusPending {
		fatalf("watch: first event status=%q want %q", first.Status, v1.StatusPending)
	}

	var pending v1.PendingResponse
	mustStatus(root, hc, http.MethodGet, base+v1.PathPending, nil, http.StatusOK, &pending)
	if !claimed(pending, id) {
		fatalf("pending: request %s not claimed (is a real agent attached?)", id)
	}

	img := onePixelPNG()
	var up v1.UploadResponse
	mustStatus(root, hc, http.MethodPost, base+v1.RequestVerbPath(id, v1.VerbUpload), v1.UploadRequest{RequestID: id, Payload: img}, http.StatusOK, &up)
	if up.Status != v1.StatusUploaded {
		fatalf("upload: status=%q", up.Status)
	}

	done := mustReadEvent(root, conn, *timeout)
	if done.Status != v1.StatusCompleted || !bytes.Equal(done.Payload, img) {
		fatalf("watch: completed event mismatch: status=%q bytes=%d", done.Status, len(done.Payload))
	}

	var res v1.ResultResponse
	mustStatus(root, hc, http.MethodGet, base+v1.RequestPath(id), nil, http.StatusOK, &res)
	if !res.Completed() || !bytes.Equal(res.Payload, img) {
		fatalf("poll result: status=%q bytes=%d", res.Status, len(res.Payload))
	}

	mustStatus(root, hc, http.MethodGet, base+v1.RequestPath("smoke-missing"), nil, http.StatusNotFound, nil)

	fmt.Printf("OK: request_id=%s bytes=%d\n", id, len(img))
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustStatus(parent context.Context, hc *http.Client, method, target string, in any, want int, out any) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(parent, method, target, body)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != want {
		fatalf("%s %s: status=%d want=%d body=%s", method, target, resp.StatusCode, want, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", method, target, err)
		}
	}
}

func mustWatch(parent context.Context, base, id, origin string, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	wsURL := "ws" + strings.TrimPrefix(base, "http") + v1.RequestVerbPath(id, v1.VerbWatch)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.WatchSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("watch connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.WatchSubprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.WatchSubprotocol)
	}

	conn.SetReadLimit(maxReadBytes)
	return conn
}

func mustReadEvent(parent context.Context, conn *websocket.Conn, stepTimeout time.Duration) v1.WatchEvent {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var ev v1.WatchEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		fatalf("watch read: %v", err)
	}
	if err := ev.Validate(); err != nil {
		fatalf("bad watch event: %v", err)
	}
	return ev
}

func claimed(p v1.PendingResponse, id string) bool {
	for _, r := range p.Requests {
		if r.RequestID == id {
			return true
		}
	}
	return false
}

func onePixelPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: 0xff, A: 0xff})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
