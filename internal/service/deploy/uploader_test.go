package deploy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/espforge/ota-stage/internal/buildmeta"
	"github.com/espforge/ota-stage/internal/config"
	"github.com/espforge/ota-stage/internal/manifest"
)

var errProtocolViolation = errors.New("protocol violation")

// refusedError mimics the dialer's connection-refused failure.
func refusedError() error {
	return &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
	}
}

// timeoutError simulates a transport-level timeout.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// step is one scripted transport outcome: either a response or an error.
type step struct {
	resp *http.Response
	err  error
}

// scriptedTransport replays a fixed sequence of outcomes and records the
// request bodies it saw.
type scriptedTransport struct {
	mu     sync.Mutex
	steps  []step
	calls  int
	bodies []string
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		_ = req.Body.Close()
		s.bodies = append(s.bodies, string(data))
	}

	index := s.calls
	if index >= len(s.steps) {
		index = len(s.steps) - 1
	}

	s.calls++

	current := s.steps[index]
	if current.err != nil {
		return nil, current.err
	}

	return current.resp, nil
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(`{"status":"ok","md5":"x","size":1}`)),
		Header:     make(http.Header),
	}
}

func statusResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

// newTestUploader builds an uploader over a scripted transport with a
// recorded sleep function and a real firmware file on disk.
func newTestUploader(t *testing.T, transport http.RoundTripper) (*uploader, *[]time.Duration) {
	t.Helper()

	firmwarePath := filepath.Join(t.TempDir(), manifest.FirmwareFilename)
	require.NoError(t, os.WriteFile(firmwarePath, []byte("firmware bytes"), 0o644))

	meta := &buildmeta.Metadata{
		Version:     "1.0.0",
		Board:       "esp32dev",
		FlashMethod: config.FlashMethodOTA,
	}

	up := newUploader(
		"http://127.0.0.1:8081/upload",
		firmwarePath,
		meta,
		"d41d8cd98f00b204e9800998ecf8427e",
		&http.Client{Transport: transport},
		3,
		2*time.Second,
	)

	var slept []time.Duration

	up.sleep = func(d time.Duration) {
		slept = append(slept, d)
	}

	return up, &slept
}

// TestUpload_SucceedsOnThirdAttempt: timeouts on attempts 1 and 2, success on
// attempt 3, no sleeping in between.
func TestUpload_SucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{
		{err: timeoutError{}},
		{err: timeoutError{}},
		{resp: okResponse()},
	}}
	up, slept := newTestUploader(t, transport)

	require.NoError(t, up.upload(context.Background()))
	require.Equal(t, 3, up.attempts)
	require.Equal(t, StateSuccess, up.state)
	require.Equal(t, 3, transport.calls)
	require.Empty(t, *slept)
}

// TestUpload_ExhaustsAfterThreeTimeouts reports failure without panicking.
func TestUpload_ExhaustsAfterThreeTimeouts(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{{err: timeoutError{}}}}
	up, _ := newTestUploader(t, transport)

	err := up.upload(context.Background())
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	require.Equal(t, 3, up.attempts)
	require.Equal(t, StateExhausted, up.state)
	require.Equal(t, 3, transport.calls)
}

// TestUpload_ConnectionErrorWaitsBeforeRetry: refused connections sleep the
// retry delay between attempts, but not after the last one.
func TestUpload_ConnectionErrorWaitsBeforeRetry(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{{err: refusedError()}}}
	up, slept := newTestUploader(t, transport)

	err := up.upload(context.Background())
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, *slept)
}

// TestUpload_RejectedStatusConsumesAttempt: a 500 reply is a retryable
// failure of that attempt, retried immediately.
func TestUpload_RejectedStatusConsumesAttempt(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{
		{resp: statusResponse(http.StatusInternalServerError, `{"error":"disk full"}`)},
		{resp: okResponse()},
	}}
	up, slept := newTestUploader(t, transport)

	require.NoError(t, up.upload(context.Background()))
	require.Equal(t, 2, up.attempts)
	require.Empty(t, *slept)
}

// TestUpload_UnexpectedErrorIsFatal aborts on the first attempt without retrying.
func TestUpload_UnexpectedErrorIsFatal(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{{err: errProtocolViolation}}}
	up, _ := newTestUploader(t, transport)

	err := up.upload(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAttemptsExhausted)
	require.Equal(t, 1, up.attempts)
	require.Equal(t, StateFatal, up.state)
	require.Equal(t, 1, transport.calls)
}

// TestUpload_MissingFirmwareIsFatal: an unreadable binary aborts before any
// network activity.
func TestUpload_MissingFirmwareIsFatal(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{{resp: okResponse()}}}
	up, _ := newTestUploader(t, transport)
	up.firmwarePath = filepath.Join(t.TempDir(), "missing.bin")

	err := up.upload(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFatal, up.state)
	require.Zero(t, transport.calls)
}

// TestUpload_RereadsFirmwareEachAttempt ships the bytes currently on disk,
// not the bytes from the first attempt.
func TestUpload_RereadsFirmwareEachAttempt(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{
		{err: refusedError()},
		{resp: okResponse()},
	}}
	up, _ := newTestUploader(t, transport)

	// The connection error path sleeps between attempts; rebuild the binary
	// inside that window.
	up.sleep = func(time.Duration) {
		require.NoError(t, os.WriteFile(up.firmwarePath, []byte("rebuilt firmware"), 0o644))
	}

	require.NoError(t, up.upload(context.Background()))
	require.Len(t, transport.bodies, 2)
	require.Contains(t, transport.bodies[0], "firmware bytes")
	require.Contains(t, transport.bodies[1], "rebuilt firmware")
}

// TestProbeHelpers derives socket addresses and health URLs from upload URLs.
func TestProbeHelpers(t *testing.T) {
	t.Parallel()

	address, err := hostPortFromURL("http://10.0.0.5:8081/upload")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5:8081", address)

	address, err = hostPortFromURL("http://ota.example.com/upload")
	require.NoError(t, err)
	require.Equal(t, "ota.example.com:80", address)

	address, err = hostPortFromURL("https://ota.example.com/upload")
	require.NoError(t, err)
	require.Equal(t, "ota.example.com:443", address)

	healthURL, err := healthURLFromUpload("http://10.0.0.5:8081/upload")
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.5:8081/health", healthURL)
}

// TestRun_ProbesAreDiagnosticOnly: unreachable probes do not fail the upload.
func TestRun_ProbesAreDiagnosticOnly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/upload" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))

			return
		}

		// Health replies 404 here; the probe only logs the status.
		http.NotFound(w, r)
	}))
	defer srv.Close()

	firmwarePath := filepath.Join(t.TempDir(), manifest.FirmwareFilename)
	require.NoError(t, os.WriteFile(firmwarePath, []byte("firmware bytes"), 0o644))

	up := newUploader(
		srv.URL+"/upload",
		firmwarePath,
		&buildmeta.Metadata{Version: "1.0.0", Board: "esp32dev", FlashMethod: config.FlashMethodOTA},
		manifest.Checksum([]byte("firmware bytes")),
		srv.Client(),
		3,
		time.Millisecond,
	)

	require.NoError(t, up.Run(context.Background()))
	require.Equal(t, StateSuccess, up.state)
}
