package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"custody-tracker/internal/blob"
	"custody-tracker/internal/custody"
	"custody-tracker/internal/queue"
)

type thumbCall struct{ ref, key, url string }

type fakePhotos struct {
	calls []thumbCall
	err   error
}

func (f *fakePhotos) SetPhotoThumb(_ context.Context, ref, key, url string) error {
	f.calls = append(f.calls, thumbCall{ref, key, url})
	return f.err
}

func redPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestThumbnailHandlerResizesAndRecords(t *testing.T) {
	ctx := context.Background()
	store := blob.NewLocal(t.TempDir(), "/uploads")
	if _, err := store.Put(ctx, "jobs/job-1/ring.png", redPNG(t, 10, 6), "image/png"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	photos := &fakePhotos{}
	h := NewThumbnailHandler(store, photos, 5)

	if err := h.Handle(ctx, queue.ThumbnailTask("job-1", "jobs/job-1/ring.png")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(photos.calls) != 1 {
		t.Fatalf("expected one thumb recorded, got %+v", photos.calls)
	}
	call := photos.calls[0]
	if call.ref != "job-1" || call.key != "jobs/job-1/ring.png" || call.url != "/uploads/thumbs/jobs/job-1/ring.png" {
		t.Fatalf("unexpected call %+v", call)
	}

	data, contentType, err := store.Get(ctx, "thumbs/jobs/job-1/ring.png")
	if err != nil {
		t.Fatalf("thumb not written: %v", err)
	}
	if contentType != "image/png" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	out, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Bounds().Dx() != 5 || out.Bounds().Dy() != 3 {
		t.Fatalf("expected 5x3 thumbnail, got %v", out.Bounds())
	}
}

func TestThumbnailHandlerKeepsSmallImages(t *testing.T) {
	ctx := context.Background()
	store := blob.NewLocal(t.TempDir(), "")
	if _, err := store.Put(ctx, "jobs/j/small.png", redPNG(t, 4, 4), "image/png"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h := NewThumbnailHandler(store, &fakePhotos{}, 320)
	if err := h.Handle(ctx, queue.ThumbnailTask("j", "jobs/j/small.png")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	data, _, _ := store.Get(ctx, "thumbs/jobs/j/small.png")
	out, _, err := image.Decode(bytes.NewReader(data))
	if err != nil || out.Bounds().Dx() != 4 {
		t.Fatalf("expected original width kept, got %v %v", out, err)
	}
}

func TestThumbnailHandlerPermanentFailures(t *testing.T) {
	ctx := context.Background()
	store := blob.NewLocal(t.TempDir(), "")
	if _, err := store.Put(ctx, "jobs/j/notes.png", []byte("not an image"), "image/png"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Put(ctx, "jobs/j/ok.png", redPNG(t, 2, 2), "image/png"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	gone := &fakePhotos{err: custody.NotFound("photo", "jobs/j/ok.png")}

	tests := []struct {
		name   string
		photos *fakePhotos
		task   queue.Task
	}{
		{"missing payload", &fakePhotos{}, queue.Task{ID: "x", Kind: queue.KindThumbnail}},
		{"missing blob", &fakePhotos{}, queue.ThumbnailTask("j", "jobs/j/missing.png")},
		{"undecodable", &fakePhotos{}, queue.ThumbnailTask("j", "jobs/j/notes.png")},
		{"photo removed", gone, queue.ThumbnailTask("j", "jobs/j/ok.png")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewThumbnailHandler(store, tt.photos, 10).Handle(ctx, tt.task)
			if !isPermanent(err) {
				t.Fatalf("expected permanent error, got %v", err)
			}
		})
	}
}
