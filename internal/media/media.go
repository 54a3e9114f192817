// Package media prepares image and audio attachments and uploads them to object storage.
package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/h2non/filetype"
	"golang.org/x/sync/semaphore"
)

type Kind string

const (
	KindImage Kind = "image"
	KindAudio Kind = "audio"

	BucketImages = "chat-images"
	BucketAudio  = "chat-audio"

	// filetype needs at most this many leading bytes to recognize a format.
	headerSize = 262
)

var (
	ErrInFlight    = errors.New("an upload is already in progress")
	ErrUnsupported = errors.New("unsupported media type")

	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
)

// Attachment is a media file picked by the user.
type Attachment struct {
	Kind Kind
	// Name is the original file name, used for the object name.
	Name string
	Body io.Reader
}

// Uploaded describes a stored attachment.
type Uploaded struct {
	URL      string
	MimeType string
	Object   string
}

type objectStore interface {
	Upload(ctx context.Context, bucket, name, contentType string, body io.Reader, upsert bool) (string, error)
}

// Uploader stores attachments. Only one upload may run at a time.
type Uploader struct {
	objects objectStore
	guard   *semaphore.Weighted
	busy    atomic.Bool
	onBusy  func(bool)
	now     func() time.Time
}

func NewUploader(objects objectStore) *Uploader {
	return &Uploader{
		objects: objects,
		guard:   semaphore.NewWeighted(1),
		now:     time.Now,
	}
}

// Busy reports whether an upload is running.
func (u *Uploader) Busy() bool {
	return u.busy.Load()
}

// OnBusyChange registers fn to run whenever an upload starts or ends. It is
// called on the uploading goroutine and must be set before the first upload.
func (u *Uploader) OnBusyChange(fn func(busy bool)) {
	u.onBusy = fn
}

func (u *Uploader) acquire() bool {
	if !u.guard.TryAcquire(1) {
		return false
	}
	u.busy.Store(true)
	if u.onBusy != nil {
		u.onBusy(true)
	}
	return true
}

func (u *Uploader) release() {
	u.busy.Store(false)
	u.guard.Release(1)
	if u.onBusy != nil {
		u.onBusy(false)
	}
}

// Upload sniffs the attachment, checks it matches its kind and stores it.
// It fails with ErrInFlight while another upload is running.
func (u *Uploader) Upload(ctx context.Context, att Attachment) (Uploaded, error) {
	if !u.acquire() {
		return Uploaded{}, ErrInFlight
	}
	defer u.release()

	body := bufio.NewReaderSize(att.Body, headerSize)
	head, err := body.Peek(headerSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return Uploaded{}, fmt.Errorf("failed to read attachment: %w", err)
	}

	mime, ext, err := Detect(att.Kind, head)
	if err != nil {
		return Uploaded{}, err
	}

	bucket := BucketImages
	if att.Kind == KindAudio {
		bucket = BucketAudio
	}
	name := ObjectName(u.now(), att.Name, ext)

	url, err := u.objects.Upload(ctx, bucket, name, mime, body, false)
	if err != nil {
		return Uploaded{}, fmt.Errorf("failed to upload %s: %w", att.Kind, err)
	}
	return Uploaded{URL: url, MimeType: mime, Object: bucket + "/" + name}, nil
}

// UploadAvatar stores a profile picture, replacing any object of the same name.
func (u *Uploader) UploadAvatar(ctx context.Context, body io.Reader) (Uploaded, error) {
	if !u.acquire() {
		return Uploaded{}, ErrInFlight
	}
	defer u.release()

	r := bufio.NewReaderSize(body, headerSize)
	head, err := r.Peek(headerSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return Uploaded{}, fmt.Errorf("failed to read avatar: %w", err)
	}
	mime, ext, err := Detect(KindImage, head)
	if err != nil {
		return Uploaded{}, err
	}

	name := fmt.Sprintf("avatar_%d.%s", u.now().UnixMilli(), ext)
	url, err := u.objects.Upload(ctx, BucketImages, name, mime, r, true)
	if err != nil {
		return Uploaded{}, fmt.Errorf("failed to upload avatar: %w", err)
	}
	return Uploaded{URL: url, MimeType: mime, Object: BucketImages + "/" + name}, nil
}

// Detect recognizes the file format from its leading bytes and checks it is of the
// expected kind. It returns the mime type and the canonical extension.
func Detect(kind Kind, head []byte) (mime, ext string, err error) {
	var ok bool
	switch kind {
	case KindImage:
		ok = filetype.IsImage(head)
	case KindAudio:
		ok = filetype.IsAudio(head)
	}
	if !ok {
		return "", "", fmt.Errorf("%w: expected %s", ErrUnsupported, kind)
	}

	t, err := filetype.Match(head)
	if err != nil || t == filetype.Unknown {
		return "", "", fmt.Errorf("%w: expected %s", ErrUnsupported, kind)
	}
	return t.MIME.Value, t.Extension, nil
}

// ObjectName builds a unique storage name from the upload time and the original
// file name: "<unix millis>-<base name>".
func ObjectName(now time.Time, original, ext string) string {
	base := path.Base(original)
	if base == "." || base == "/" || base == "" {
		base = "upload." + ext
	}
	base = unsafeChars.ReplaceAllString(base, "_")
	return fmt.Sprintf("%d-%s", now.UnixMilli(), base)
}
