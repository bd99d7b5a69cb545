package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"syscall"
	"time"

	"github.com/espforge/ota-stage/internal/buildmeta"
	"github.com/espforge/ota-stage/internal/logger"
	"github.com/espforge/ota-stage/internal/manifest"
)

// State tracks the upload operation through its lifecycle. Terminal states
// are StateSuccess, StateExhausted and StateFatal.
type State string

// Upload lifecycle states.
const (
	StateIdle      State = "IDLE"
	StateProbing   State = "PROBING"
	StateSending   State = "SENDING"
	StateSuccess   State = "SUCCESS"
	StateExhausted State = "EXHAUSTED"
	StateFatal     State = "FATAL_FAILURE"
)

const (
	// probeTimeout bounds the raw TCP reachability check.
	probeTimeout = 5 * time.Second

	// healthTimeout bounds the pre-upload health probe.
	healthTimeout = 10 * time.Second

	// responsePreviewLimit truncates failure response bodies in logs.
	responsePreviewLimit = 200
)

// ErrAttemptsExhausted reports that every upload attempt failed.
var ErrAttemptsExhausted = errors.New("upload attempts exhausted")

// statusError marks an attempt that reached the server but was not accepted.
type statusError struct {
	// code is the HTTP status the server answered with.
	code int
	// preview is the truncated response body for the log line.
	preview string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected upload status %d: %s", e.code, e.preview)
}

// fatalError wraps failures that must abort the upload without retrying.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// uploader transmits one firmware binary to the upload server with bounded
// retries. It is single-use: construct, Run, inspect.
type uploader struct {
	// serverURL is the full upload endpoint.
	serverURL string
	// firmwarePath is re-read from disk on every attempt.
	firmwarePath string
	// meta carries the resolved version and board sent alongside the binary.
	meta *buildmeta.Metadata
	// digest is the client-side MD5 of the binary, sent as a form field.
	digest string
	// client performs the HTTP calls; its Timeout bounds each attempt.
	client *http.Client
	// maxAttempts is the total attempt budget.
	maxAttempts int
	// retryDelay is slept after connection errors only.
	retryDelay time.Duration
	// sleep is swappable in tests.
	sleep func(time.Duration)

	// state is the current lifecycle state.
	state State
	// attempts counts upload POSTs actually performed.
	attempts int
}

// newUploader builds an uploader around the provided transport settings.
func newUploader(serverURL, firmwarePath string, meta *buildmeta.Metadata, digest string,
	client *http.Client, maxAttempts int, retryDelay time.Duration) *uploader {
	return &uploader{
		serverURL:    serverURL,
		firmwarePath: firmwarePath,
		meta:         meta,
		digest:       digest,
		client:       client,
		maxAttempts:  maxAttempts,
		retryDelay:   retryDelay,
		sleep:        time.Sleep,
		state:        StateIdle,
	}
}

// Run executes the probe-then-send sequence. Probes are diagnostic only;
// the returned error reflects the upload outcome.
func (u *uploader) Run(ctx context.Context) error {
	u.state = StateProbing
	u.probeSocket(ctx)
	u.probeHealth(ctx)

	return u.upload(ctx)
}

// probeSocket attempts a raw TCP connection to the server's host:port.
// Failure is logged and ignored; it only helps the operator tell network
// trouble apart from server trouble.
func (u *uploader) probeSocket(ctx context.Context) {
	address, err := hostPortFromURL(u.serverURL)
	if err != nil {
		logger.WarnKV(ctx, "Cannot derive probe address", "error", err)

		return
	}

	logger.Infof(ctx, "Testing connection to %s...", address)

	dialer := &net.Dialer{Timeout: probeTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		logger.WarnKV(ctx, "Socket connection failed", "error", err)

		return
	}

	_ = conn.Close()
	logger.Info(ctx, "Socket connection OK")
}

// probeHealth performs a GET against the derived /health endpoint.
// Failure is logged and ignored.
func (u *uploader) probeHealth(ctx context.Context) {
	healthURL, err := healthURLFromUpload(u.serverURL)
	if err != nil {
		logger.WarnKV(ctx, "Cannot derive health URL", "error", err)

		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, healthURL, http.NoBody)
	if err != nil {
		logger.WarnKV(ctx, "Cannot build health request", "error", err)

		return
	}

	resp, err := u.client.Do(req)
	if err != nil {
		logger.WarnKV(ctx, "Server health check failed", "error", err)

		return
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	logger.Infof(ctx, "Server health: %d", resp.StatusCode)
}

// upload drives the retry loop. Timeouts retry immediately, connection
// errors wait retryDelay first, rejected statuses consume an attempt, and
// anything else aborts the operation.
func (u *uploader) upload(ctx context.Context) error {
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		u.state = StateSending
		u.attempts = attempt

		logger.Infof(ctx, "Attempt %d/%d...", attempt, u.maxAttempts)

		err := u.attempt(ctx)
		if err == nil {
			u.state = StateSuccess
			logger.Infof(ctx, "Upload OK! v%s", u.meta.Version)

			return nil
		}

		var fatal *fatalError
		if errors.As(err, &fatal) {
			u.state = StateFatal
			logger.ErrorKV(ctx, "Upload aborted", "error", fatal.Unwrap())

			return fatal.Unwrap()
		}

		var status *statusError

		switch {
		case errors.As(err, &status):
			logger.Warnf(ctx, "Upload FAILED! Status: %d", status.code)
			logger.Warnf(ctx, "Response: %s", status.preview)
		case isTimeout(err):
			logger.Warnf(ctx, "Timeout on attempt %d", attempt)
		case isConnectionError(err):
			logger.WarnKV(ctx, "Connection error", "attempt", attempt, "error", err)

			if attempt < u.maxAttempts {
				u.sleep(u.retryDelay)
			}
		default:
			u.state = StateFatal
			logger.ErrorKV(ctx, "Upload aborted", "error", err)

			return err
		}

		if attempt < u.maxAttempts {
			logger.Info(ctx, "Retrying...")
		}
	}

	u.state = StateExhausted

	return fmt.Errorf("%w: %d attempts", ErrAttemptsExhausted, u.maxAttempts)
}

// attempt performs one upload POST. Each attempt re-reads the binary from
// disk so a rebuild between retries ships the latest bytes.
func (u *uploader) attempt(ctx context.Context) error {
	firmware, err := os.ReadFile(u.firmwarePath)
	if err != nil {
		return &fatalError{err: fmt.Errorf("read firmware: %w", err)}
	}

	body, contentType, err := u.multipartBody(firmware)
	if err != nil {
		return &fatalError{err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.serverURL, body)
	if err != nil {
		return &fatalError{err: fmt.Errorf("build upload request: %w", err)}
	}

	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, responsePreviewLimit))

	return &statusError{
		code:    resp.StatusCode,
		preview: string(preview),
	}
}

// multipartBody assembles the upload form: the firmware part plus the
// version, md5, size and board fields.
func (u *uploader) multipartBody(firmware []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("firmware", manifest.FirmwareFilename)
	if err != nil {
		return nil, "", fmt.Errorf("build multipart body: %w", err)
	}

	if _, err = part.Write(firmware); err != nil {
		return nil, "", fmt.Errorf("build multipart body: %w", err)
	}

	fields := map[string]string{
		"version": u.meta.Version,
		"md5":     u.digest,
		"size":    strconv.Itoa(len(firmware)),
		"board":   u.meta.Board,
	}

	for key, value := range fields {
		if err = writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("build multipart body: %w", err)
		}
	}

	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("build multipart body: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

// isTimeout reports whether the transport error was a timeout of any kind.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

// isConnectionError reports whether the error looks like a failure to reach
// or keep a connection to the server (refused, reset, DNS, broken pipe).
func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError

	return errors.As(err, &dnsErr)
}

// hostPortFromURL derives the host:port pair for the raw socket probe,
// defaulting the port from the URL scheme.
func hostPortFromURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}

	port := parsed.Port()
	if port == "" {
		if parsed.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	return net.JoinHostPort(parsed.Hostname(), port), nil
}

// healthURLFromUpload swaps the last path segment of the upload URL for
// /health, mirroring how the endpoint pair is deployed.
func healthURLFromUpload(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}

	parsed.Path = path.Join(path.Dir(parsed.Path), "health")

	return parsed.String(), nil
}
