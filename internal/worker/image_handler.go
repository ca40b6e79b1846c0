package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"custody-tracker/internal/blob"
	"custody-tracker/internal/custody"
	"custody-tracker/internal/queue"
)

// PhotoRecorder records where a photo's thumbnail was stored.
type PhotoRecorder interface {
	SetPhotoThumb(ctx context.Context, ref, key, thumbURL string) error
}

// ThumbnailHandler renders a bounded-width thumbnail for an uploaded job photo.
type ThumbnailHandler struct {
	blobs  blob.Store
	photos PhotoRecorder
	width  int
}

func NewThumbnailHandler(blobs blob.Store, photos PhotoRecorder, width int) *ThumbnailHandler {
	if width <= 0 {
		width = 320
	}
	return &ThumbnailHandler{blobs: blobs, photos: photos, width: width}
}

// Handle reads the original photo, resizes it and records the thumbnail URL.
func (h *ThumbnailHandler) Handle(ctx context.Context, task queue.Task) error {
	jobID, key := task.Payload["job_id"], task.Payload["key"]
	if jobID == "" || key == "" {
		return Permanent(errors.New("thumbnail task needs job_id and key"))
	}

	data, contentType, err := h.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Permanent(fmt.Errorf("decode image %s: %w", key, err))
	}
	if img.Bounds().Dx() > h.width {
		img = imaging.Resize(img, h.width, 0, imaging.Lanczos)
	}

	outputFormat := chooseFormat(key, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}

	url, err := h.blobs.Put(ctx, blob.ThumbKey(key), buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return fmt.Errorf("upload thumbnail: %w", err)
	}
	if err := h.photos.SetPhotoThumb(ctx, jobID, key, url); err != nil {
		if errors.Is(err, custody.ErrNotFound) {
			return Permanent(err)
		}
		return err
	}
	return nil
}

func chooseFormat(key, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
