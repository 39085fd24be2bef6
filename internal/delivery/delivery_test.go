package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient returns a client whose sleeps are recorded instead of
// waited out.
func newTestClient(rt http.RoundTripper) (*Client, *[]time.Duration) {
	var slept []time.Duration
	c := New(&http.Client{Transport: rt}, discardLogger())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return c, &slept
}

func TestDeliver_AnyStatusIsSuccess(t *testing.T) {
	t.Parallel()
	for _, status := range []int{http.StatusOK, http.StatusBadRequest, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			if got := r.Header.Get("Content-Type"); got != "application/json" {
				t.Errorf("Content-Type = %q", got)
			}
			body, _ := io.ReadAll(r.Body)
			if string(body) != `{"x":1}` {
				t.Errorf("body = %s", body)
			}
			w.WriteHeader(status)
			w.Write([]byte(`{"retcode":0}`))
		}))

		c := New(nil, discardLogger())
		resp, err := c.Deliver(context.Background(), srv.URL, []byte(`{"x":1}`),
			map[string]string{"Content-Type": "application/json"}, DefaultPolicy)
		srv.Close()

		if err != nil {
			t.Fatalf("status %d: unexpected error %v", status, err)
		}
		if resp.StatusCode != status {
			t.Errorf("StatusCode = %d, want %d", resp.StatusCode, status)
		}
		if resp.OK() != (status == http.StatusOK) {
			t.Errorf("OK() = %v for status %d", resp.OK(), status)
		}
		if string(resp.Body) != `{"retcode":0}` {
			t.Errorf("Body = %s", resp.Body)
		}
	}
}

func TestDeliver_RetriesConnectionErrorsUpToMax(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	})
	c, slept := newTestClient(rt)

	policy := RetryPolicy{MaxAttempts: 3, Delay: 250 * time.Millisecond}
	_, err := c.Deliver(context.Background(), "http://127.0.0.1:1/send_group_msg", nil, nil, policy)

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
	if errors.Is(err, ErrNonRetryable) {
		t.Error("exhausted error should not match ErrNonRetryable")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if len(*slept) != 2 {
		t.Fatalf("sleeps = %d, want 2 (between attempts only)", len(*slept))
	}
	for _, d := range *slept {
		if d != policy.Delay {
			t.Errorf("slept %v, want %v", d, policy.Delay)
		}
	}

	var derr *Error
	if !errors.As(err, &derr) || derr.Attempts != 3 {
		t.Errorf("Error.Attempts = %+v, want 3", derr)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Error("error should unwrap to the last cause")
	}
}

func TestDeliver_RecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, syscall.ECONNRESET
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       http.NoBody,
			Request:    r,
		}, nil
	})
	c, slept := newTestClient(rt)

	resp, err := c.Deliver(context.Background(), "http://gw/send_group_msg", []byte("{}"), nil, DefaultPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
	if calls.Load() != 2 || len(*slept) != 1 {
		t.Errorf("calls = %d sleeps = %d, want 2 and 1", calls.Load(), len(*slept))
	}
}

func TestDeliver_NonRetryableAbortsImmediately(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("protocol error")
	})
	c, slept := newTestClient(rt)

	_, err := c.Deliver(context.Background(), "http://gw/send_group_msg", nil, nil, RetryPolicy{MaxAttempts: 5, Delay: time.Second})
	if !errors.Is(err, ErrNonRetryable) {
		t.Fatalf("err = %v, want ErrNonRetryable", err)
	}
	if calls.Load() != 1 || len(*slept) != 0 {
		t.Errorf("calls = %d sleeps = %d, want 1 and 0", calls.Load(), len(*slept))
	}
}

func TestDeliver_MalformedURL(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(nil)
	_, err := c.Deliver(context.Background(), "://no-scheme", nil, nil, DefaultPolicy)
	if !errors.Is(err, ErrNonRetryable) {
		t.Fatalf("err = %v, want ErrNonRetryable", err)
	}
}

func TestDeliver_ZeroAttemptsMeansOne(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, syscall.ECONNREFUSED
	})
	c, _ := newTestClient(rt)

	_, err := c.Deliver(context.Background(), "http://gw/", nil, nil, RetryPolicy{})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDeliver_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, syscall.ECONNREFUSED
	})
	c := New(&http.Client{Transport: rt}, discardLogger())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Deliver(ctx, "http://gw/", nil, nil, RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Second})
	if !errors.Is(err, ErrNonRetryable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("backoff did not honour cancellation")
	}
}

func TestDeliver_RealClosedPort(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := New(nil, discardLogger())
	policy := RetryPolicy{MaxAttempts: 2, Delay: 50 * time.Millisecond}

	start := time.Now()
	_, err = c.Deliver(context.Background(), "http://"+addr+"/send_group_msg", []byte("{}"), nil, policy)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
	if elapsed < policy.Delay {
		t.Errorf("elapsed %v shorter than one retry delay", elapsed)
	}
}

func TestDeliver_TruncatedBodyIsNotRetried(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		io.Copy(io.Discard, r.Body)
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n{\"retcode\":0")
		buf.Flush()
		conn.Close()
	}))
	defer srv.Close()

	c, slept := newTestClient(http.DefaultTransport)
	resp, err := c.Deliver(context.Background(), srv.URL+"/send_group_msg", []byte("{}"), nil,
		RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Deliver error = %v, want success", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := received.Load(); got != 1 {
		t.Errorf("gateway received %d requests, want 1", got)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want no retry", *slept)
	}
}

func TestDispatcher_RunsJobs(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(8, 2, discardLogger())
	d.Start(ctx)

	var wg sync.WaitGroup
	var ran atomic.Int32
	for range 5 {
		wg.Add(1)
		if !d.Enqueue(func(context.Context) { ran.Add(1); wg.Done() }) {
			t.Fatal("Enqueue rejected job on an idle dispatcher")
		}
	}
	wg.Wait()
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("Close() = %v", err)
	}

	if ran.Load() != 5 {
		t.Errorf("ran = %d, want 5", ran.Load())
	}
}

func TestDispatcher_FullQueueDoesNotBlock(t *testing.T) {
	t.Parallel()
	// Not started: nothing drains the queue.
	d := NewDispatcher(1, 1, discardLogger())

	if !d.Enqueue(func(context.Context) {}) {
		t.Fatal("first Enqueue should succeed")
	}

	done := make(chan bool, 1)
	go func() { done <- d.Enqueue(func(context.Context) {}) }()

	select {
	case ok := <-done:
		if ok {
			t.Error("Enqueue on a full queue should report false")
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestDispatcher_ClosedRejects(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(4, 1, discardLogger())
	d.Start(context.Background())
	d.Close(context.Background())
	d.Close(context.Background())

	if d.Enqueue(func(context.Context) {}) {
		t.Error("Enqueue after Close should report false")
	}
}

func TestDispatcher_SurvivesPanic(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(4, 1, discardLogger())
	d.Start(ctx)

	done := make(chan struct{})
	d.Enqueue(func(context.Context) { panic("boom") })
	d.Enqueue(func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after a panicking job")
	}
	d.Close(context.Background())
}

func TestDispatcher_CloseDrainsAfterStartContextEnds(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	d := NewDispatcher(8, 1, discardLogger())
	release := make(chan struct{})
	d.Enqueue(func(context.Context) { <-release })

	var ran atomic.Int32
	var sawCancel atomic.Bool
	d.Start(ctx)
	for range 3 {
		d.Enqueue(func(jobCtx context.Context) {
			if jobCtx.Err() != nil {
				sawCancel.Store(true)
			}
			ran.Add(1)
		})
	}

	// A shutdown signal arrives while jobs are still queued.
	cancel()
	close(release)

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if got := ran.Load(); got != 3 {
		t.Errorf("ran = %d, want all 3 queued jobs", got)
	}
	if sawCancel.Load() {
		t.Error("queued jobs saw a cancelled context")
	}
}

func TestDispatcher_CloseDeadlineCancelsJobs(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(4, 1, discardLogger())
	d.Start(context.Background())

	d.Enqueue(func(jobCtx context.Context) { <-jobCtx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Close(ctx) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Close() = %v, want DeadlineExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the blocked job")
	}
}
