package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/pkg/retry"
)

type fakeDoer struct {
	calls     int
	responses []*http.Response
	errs      []error
	requests  []*http.Request
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.requests = append(f.requests, req)
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.responses[i], err
}

func jsonResponse(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func testClient(doer Doer, maxRetries, maxPages int) *Client {
	return NewClient(Config{
		BaseURL:     "https://provider.test/v2",
		PageSize:    100,
		MaxRetries:  maxRetries,
		BaseBackoff: time.Microsecond,
		MaxBackoff:  time.Millisecond,
		MaxPages:    maxPages,
	}, doer, nil)
}

func testConn() *models.Connection {
	return &models.Connection{ProviderAccountID: "acct-1", AuthToken: "tok", Active: true}
}

func TestRateLimitExhaustsBudgetAndSurfacesFatal(t *testing.T) {
	doer := &fakeDoer{}
	for i := 0; i < 10; i++ {
		doer.responses = append(doer.responses, jsonResponse(http.StatusTooManyRequests, `{}`, nil))
	}
	c := testClient(doer, 3, 10)
	err := c.EachWebinarPage(context.Background(), testConn(), func(Page[WebinarRecord]) error { return nil })
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("want FatalError, got %v", err)
	}
	if doer.calls != 4 { // initial attempt + 3 retries
		t.Fatalf("want 4 attempts, got %d", doer.calls)
	}
}

func TestAuthInvalidShortCircuits(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{jsonResponse(http.StatusUnauthorized, `{}`, nil)}}
	c := testClient(doer, 5, 10)
	err := c.EachWebinarPage(context.Background(), testConn(), func(Page[WebinarRecord]) error { return nil })
	if !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("want ErrAuthInvalid, got %v", err)
	}
	if doer.calls != 1 {
		t.Fatalf("auth failure must not be retried, got %d attempts", doer.calls)
	}
}

func TestTransientRetriedThenSucceeds(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{
		jsonResponse(http.StatusBadGateway, `{}`, nil),
		jsonResponse(http.StatusOK, `{"webinars":[{"id":"w1","topic":"Intro"}]}`, nil),
	}}
	c := testClient(doer, 3, 10)
	var got []WebinarRecord
	err := c.EachWebinarPage(context.Background(), testConn(), func(p Page[WebinarRecord]) error {
		got = append(got, p.Items...)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "w1" {
		t.Fatalf("want one webinar w1, got %+v", got)
	}
}

func TestPaginationFollowsCursor(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{
		jsonResponse(http.StatusOK, `{"next_page_token":"p2","total_records":3,"webinars":[{"id":"w1"},{"id":"w2"}]}`, nil),
		jsonResponse(http.StatusOK, `{"next_page_token":"","webinars":[{"id":"w3"}]}`, nil),
	}}
	c := testClient(doer, 0, 10)
	var ids []string
	err := c.EachWebinarPage(context.Background(), testConn(), func(p Page[WebinarRecord]) error {
		for _, w := range p.Items {
			ids = append(ids, w.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("want 3 webinars, got %v", ids)
	}
	if doer.calls != 2 {
		t.Fatalf("want 2 page fetches, got %d", doer.calls)
	}
	if tok := doer.requests[1].URL.Query().Get("next_page_token"); tok != "p2" {
		t.Fatalf("second fetch must carry cursor p2, got %q", tok)
	}
	if auth := doer.requests[0].Header.Get("Authorization"); auth != "Bearer tok" {
		t.Fatalf("bearer credential not set: %q", auth)
	}
}

func TestRepeatedCursorStopsIteration(t *testing.T) {
	// Provider keeps returning the same token: an inconsistent hasMore/cursor
	// pair must not loop forever.
	body := `{"next_page_token":"same","webinars":[{"id":"w1"}]}`
	doer := &fakeDoer{responses: []*http.Response{
		jsonResponse(http.StatusOK, body, nil),
		jsonResponse(http.StatusOK, body, nil),
	}}
	c := testClient(doer, 0, 100)
	pages := 0
	err := c.EachWebinarPage(context.Background(), testConn(), func(Page[WebinarRecord]) error {
		pages++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pages != 2 {
		t.Fatalf("want 2 pages then stop, got %d", pages)
	}
}

func TestPageCeilingSurfacesFatal(t *testing.T) {
	doer := &fakeDoer{}
	for i := 0; i < 10; i++ {
		doer.responses = append(doer.responses,
			jsonResponse(http.StatusOK, fmt.Sprintf(`{"next_page_token":"p%d","webinars":[{"id":"w%d"}]}`, i+1, i+1), nil))
	}
	c := testClient(doer, 0, 3)
	err := c.EachWebinarPage(context.Background(), testConn(), func(Page[WebinarRecord]) error { return nil })
	if !errors.Is(err, ErrPageCeiling) {
		t.Fatalf("want ErrPageCeiling, got %v", err)
	}
	if doer.calls != 3 {
		t.Fatalf("want 3 fetches before ceiling, got %d", doer.calls)
	}
}

func TestErrStopEndsIterationCleanly(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{
		jsonResponse(http.StatusOK, `{"next_page_token":"p2","webinars":[{"id":"w1"}]}`, nil),
	}}
	c := testClient(doer, 0, 10)
	err := c.EachWebinarPage(context.Background(), testConn(), func(Page[WebinarRecord]) error { return ErrStop })
	if err != nil {
		t.Fatalf("ErrStop must not surface, got %v", err)
	}
	if doer.calls != 1 {
		t.Fatalf("iteration must stop after first page, got %d fetches", doer.calls)
	}
}

func TestClassify(t *testing.T) {
	d, wait := Classify(&RateLimitedError{RetryAfter: 7 * time.Second})
	if d != retry.After || wait != 7*time.Second {
		t.Fatalf("rate limit with retry-after: got %v %v", d, wait)
	}
	d, _ = Classify(&RateLimitedError{})
	if d != retry.Backoff {
		t.Fatalf("rate limit without retry-after should back off, got %v", d)
	}
	d, _ = Classify(&TransientError{Reason: "status 502"})
	if d != retry.Backoff {
		t.Fatalf("transient should back off, got %v", d)
	}
	d, _ = Classify(ErrAuthInvalid)
	if d != retry.Stop {
		t.Fatalf("auth invalid must stop, got %v", d)
	}
	d, _ = Classify(&FatalError{Reason: "status 400"})
	if d != retry.Stop {
		t.Fatalf("fatal must stop, got %v", d)
	}
}
