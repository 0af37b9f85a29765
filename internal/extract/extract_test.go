package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ocr"
	"github.com/joseph-ayodele/invoice-pipeline/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingRetrier never sleeps and records the delays it was asked for.
func recordingRetrier(attempts int) (*Retrier, *[]time.Duration) {
	var mu sync.Mutex
	delays := []time.Duration{}
	r := NewRetrier(RetryPolicy{MaxAttempts: attempts, BaseDelay: 4 * time.Second, MaxDelay: 10 * time.Second}, quietLogger())
	r.Sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		return nil
	}
	return r, &delays
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 4*time.Second, p.Delay(1))
	assert.Equal(t, 8*time.Second, p.Delay(2))
	assert.Equal(t, 10*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(10))
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Duration(0), RetryPolicy{MaxAttempts: 3}.Delay(2))
}

func TestRetrierSucceedsAfterTransientFailures(t *testing.T) {
	r, delays := recordingRetrier(3)
	calls := 0
	err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second}, *delays)
}

func TestRetrierKeepsRequestIDAcrossAttempts(t *testing.T) {
	r, _ := recordingRetrier(3)
	var ids []string
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		ids = append(ids, common.RequestIDFromContext(ctx))
		if len(ids) < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])

	ctx := common.WithRequestID(context.Background(), "caller-id")
	require.NoError(t, r.Do(ctx, "op", func(ctx context.Context) error {
		assert.Equal(t, "caller-id", common.RequestIDFromContext(ctx))
		return nil
	}))
}

func TestRetrierGivesUp(t *testing.T) {
	r, delays := recordingRetrier(3)
	calls := 0
	err := r.Do(context.Background(), "detect_text", func(context.Context) error {
		calls++
		return errors.New("down")
	})
	var ese *ExtractionServiceError
	require.ErrorAs(t, err, &ese)
	assert.Equal(t, "detect_text", ese.Op)
	assert.Equal(t, 3, ese.Attempts)
	assert.Equal(t, 3, calls)
	assert.Len(t, *delays, 2)
}

func TestRetrierStopsOnPermanentErrors(t *testing.T) {
	cases := map[string]error{
		"permanent":   Permanent(errors.New("bad request")),
		"http 400":    &transport.StatusError{Code: 400},
		"googleapi":   &googleapi.Error{Code: 403},
		"grpc status": status.Error(codes.InvalidArgument, "nope"),
	}
	for name, failure := range cases {
		t.Run(name, func(t *testing.T) {
			r, delays := recordingRetrier(3)
			calls := 0
			err := r.Do(context.Background(), "op", func(context.Context) error {
				calls++
				return failure
			})
			var ese *ExtractionServiceError
			require.ErrorAs(t, err, &ese)
			assert.Equal(t, 1, ese.Attempts)
			assert.Equal(t, 1, calls)
			assert.Empty(t, *delays)
		})
	}
}

func TestRetryableTransientErrors(t *testing.T) {
	assert.True(t, Retryable(&transport.StatusError{Code: 503}))
	assert.True(t, Retryable(&googleapi.Error{Code: 429}))
	assert.True(t, Retryable(status.Error(codes.Unavailable, "later")))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(nil))
}

func TestRetrierHonoursCancellation(t *testing.T) {
	r, _ := recordingRetrier(3)
	ctx, cancel := context.WithCancel(context.Background())
	err := r.Do(ctx, "op", func(context.Context) error {
		cancel()
		return errors.New("down")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDetectMIME(t *testing.T) {
	assert.Equal(t, "application/pdf", DetectMIME("a.PDF", nil))
	assert.Equal(t, "image/jpeg", DetectMIME("a.jpeg", nil))
	assert.Equal(t, "image/png", DetectMIME("scan", []byte{0x89, 0x50, 0x4E, 0x47}))
	assert.Equal(t, "image/jpeg", DetectMIME("scan.bin", []byte{0xFF, 0xD8, 0xFF, 0xE0}))
	assert.Equal(t, "application/pdf", DetectMIME("", []byte("???")))
}

type fakeOCR struct {
	textFails atomic.Int32
	calls     atomic.Int32
}

func (f *fakeOCR) DetectText(_ context.Context, img []byte) (ocr.TextDetection, error) {
	f.calls.Add(1)
	if f.textFails.Load() > 0 {
		f.textFails.Add(-1)
		return ocr.TextDetection{}, errors.New("transient")
	}
	return ocr.TextDetection{
		Words: []string{string(img)},
		Boxes: []entity.BoundingBox{{X: 1, Y: 1, Width: 2, Height: 2}},
		Text:  "text " + string(img),
	}, nil
}

func (f *fakeOCR) AnalyzeLayout(_ context.Context, img []byte) (ocr.Layout, error) {
	return ocr.Layout{
		Tables:        []entity.Table{{{"h1", "h2", "h3"}, {string(img), "1", "2"}}},
		KeyValuePairs: map[string]string{"Page": string(img), "Only " + string(img): "x"},
	}, nil
}

func TestRecognizeMergesPages(t *testing.T) {
	r, _ := recordingRetrier(3)
	f := &fakeOCR{}
	f.textFails.Store(1)
	a := NewAdapter(f, nil, nil, r, quietLogger())

	doc := entity.Document{
		Filename:    "multi.pdf",
		Content:     []byte("%PDF-original"),
		IsMultipage: true,
		Pages:       [][]byte{[]byte("p1"), []byte("p2")},
	}
	res, err := a.Recognize(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NumPages)
	assert.True(t, res.IsMultipage)
	assert.Equal(t, []string{"p1", "p2"}, res.Words)
	assert.Equal(t, 1, res.BoundingBoxes[0].Page)
	assert.Equal(t, 2, res.BoundingBoxes[1].Page)
	assert.Equal(t, "text p1\n\ntext p2", res.Text)
	assert.Len(t, res.Tables, 2)
	assert.Equal(t, "p1", res.KeyValuePairs["Page"], "first page wins")
	assert.Contains(t, res.KeyValuePairs, "Only p2")
	assert.Equal(t, []byte("%PDF-original"), res.RawContent)
}

func TestRecognizeRendersUnsplitPages(t *testing.T) {
	r, _ := recordingRetrier(1)
	a := NewAdapter(&fakeOCR{}, nil, nil, r, quietLogger()).
		WithRasterizer(func(_ context.Context, content []byte) ([][]byte, error) {
			return [][]byte{[]byte("r1"), []byte("r2"), []byte("r3")}, nil
		})

	doc := entity.Document{Filename: "scan.pdf", Content: []byte("%PDF-unsplit")}
	res, err := a.Recognize(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 3, res.NumPages)
	assert.True(t, res.IsMultipage)
	assert.Equal(t, []string{"r1", "r2", "r3"}, res.Words)
	require.Len(t, res.BoundingBoxes, 3)
	for i, b := range res.BoundingBoxes {
		assert.Equal(t, i+1, b.Page)
	}
}

func TestRecognizeFailsWhenPageCannotBeRendered(t *testing.T) {
	r, _ := recordingRetrier(1)
	f := &fakeOCR{}
	a := NewAdapter(f, nil, nil, r, quietLogger()).
		WithRasterizer(func(context.Context, []byte) ([][]byte, error) {
			return nil, errors.New("bad pdf")
		})

	_, err := a.Recognize(context.Background(), entity.Document{Filename: "x.pdf", Content: []byte("%PDF")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x.pdf page 1")
	assert.Zero(t, f.calls.Load())
}

type fakeEntities struct {
	out   *entity.StructuredEntities
	err   error
	mime  string
	calls int
}

func (f *fakeEntities) ExtractEntities(_ context.Context, _ []byte, mime string) (*entity.StructuredEntities, error) {
	f.calls++
	f.mime = mime
	return f.out, f.err
}

func TestGetStructuredEntities(t *testing.T) {
	res := &entity.OCRResult{Filename: "noext", RawContent: []byte{0xFF, 0xD8, 0xFF}}

	t.Run("no client", func(t *testing.T) {
		a := NewAdapter(&fakeOCR{}, nil, nil, nil, quietLogger())
		assert.Nil(t, a.GetStructuredEntities(context.Background(), res))
	})

	t.Run("success", func(t *testing.T) {
		r, _ := recordingRetrier(3)
		want := &entity.StructuredEntities{Entities: map[string]string{"invoice_id": "INV-1"}}
		fe := &fakeEntities{out: want}
		a := NewAdapter(&fakeOCR{}, fe, nil, r, quietLogger())
		assert.Equal(t, want, a.GetStructuredEntities(context.Background(), res))
		assert.Equal(t, "image/jpeg", fe.mime)
	})

	t.Run("unreachable yields nil", func(t *testing.T) {
		r, _ := recordingRetrier(3)
		fe := &fakeEntities{err: errors.New("connection refused")}
		a := NewAdapter(&fakeOCR{}, fe, nil, r, quietLogger())
		assert.Nil(t, a.GetStructuredEntities(context.Background(), res))
		assert.Equal(t, 3, fe.calls)
	})
}
