package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 'I', 'H', 'D', 'R'}
	mp3Header = []byte{'I', 'D', '3', 0x03, 0, 0, 0, 0, 0, 0}
)

type upload struct {
	bucket, name, contentType string
	body                      []byte
	upsert                    bool
}

type mockObjects struct {
	uploads []upload
	block   chan struct{}
	started chan struct{}
	err     error
}

func (m *mockObjects) Upload(ctx context.Context, bucket, name, contentType string, body io.Reader, upsert bool) (string, error) {
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	if m.err != nil {
		return "", m.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.uploads = append(m.uploads, upload{bucket, name, contentType, data, upsert})
	return "https://cdn.test/" + bucket + "/" + name, nil
}

func fixedNow() time.Time {
	return time.UnixMilli(1700000000123)
}

func TestUploader_Image(t *testing.T) {
	objects := &mockObjects{}
	u := NewUploader(objects)
	u.now = fixedNow

	body := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 1000)...)
	res, err := u.Upload(context.Background(), Attachment{Kind: KindImage, Name: "/tmp/My Cat.png", Body: bytes.NewReader(body)})
	require.NoError(t, err)

	require.Len(t, objects.uploads, 1)
	up := objects.uploads[0]
	require.Equal(t, BucketImages, up.bucket)
	require.Equal(t, "1700000000123-My_Cat.png", up.name)
	require.Equal(t, "image/png", up.contentType)
	require.Equal(t, body, up.body, "peeked header must not be lost")
	require.False(t, up.upsert)
	require.Equal(t, "https://cdn.test/chat-images/1700000000123-My_Cat.png", res.URL)
}

func TestUploader_AudioGoesToAudioBucket(t *testing.T) {
	objects := &mockObjects{}
	u := NewUploader(objects)
	u.now = fixedNow

	_, err := u.Upload(context.Background(), Attachment{Kind: KindAudio, Name: "note.mp3", Body: bytes.NewReader(mp3Header)})
	require.NoError(t, err)
	require.Equal(t, BucketAudio, objects.uploads[0].bucket)
	require.Equal(t, "audio/mpeg", objects.uploads[0].contentType)
}

func TestUploader_RejectsWrongKind(t *testing.T) {
	objects := &mockObjects{}
	u := NewUploader(objects)

	_, err := u.Upload(context.Background(), Attachment{Kind: KindImage, Name: "note.mp3", Body: bytes.NewReader(mp3Header)})
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = u.Upload(context.Background(), Attachment{Kind: KindAudio, Name: "x.txt", Body: bytes.NewReader([]byte("plain text"))})
	require.ErrorIs(t, err, ErrUnsupported)
	require.Empty(t, objects.uploads)
}

func TestUploader_SingleFlight(t *testing.T) {
	objects := &mockObjects{block: make(chan struct{}), started: make(chan struct{}, 1)}
	u := NewUploader(objects)
	require.False(t, u.Busy())
	changes := make(chan bool, 4)
	u.OnBusyChange(func(busy bool) { changes <- busy })

	done := make(chan error, 1)
	go func() {
		_, err := u.Upload(context.Background(), Attachment{Kind: KindImage, Name: "a.png", Body: bytes.NewReader(pngHeader)})
		done <- err
	}()
	<-objects.started

	require.True(t, u.Busy())
	_, err := u.Upload(context.Background(), Attachment{Kind: KindImage, Name: "b.png", Body: bytes.NewReader(pngHeader)})
	require.ErrorIs(t, err, ErrInFlight)

	close(objects.block)
	require.NoError(t, <-done)
	require.False(t, u.Busy())
	require.Len(t, objects.uploads, 1)

	// The rejected upload never changed the state.
	require.Equal(t, []bool{true, false}, []bool{<-changes, <-changes})
	require.Empty(t, changes)
}

func TestUploader_StorageError(t *testing.T) {
	storageErr := errors.New("bucket not found")
	u := NewUploader(&mockObjects{err: storageErr})

	_, err := u.Upload(context.Background(), Attachment{Kind: KindImage, Name: "a.png", Body: bytes.NewReader(pngHeader)})
	require.ErrorIs(t, err, storageErr)
	require.False(t, u.Busy())
}

func TestUploader_Avatar(t *testing.T) {
	objects := &mockObjects{}
	u := NewUploader(objects)
	u.now = fixedNow

	_, err := u.UploadAvatar(context.Background(), bytes.NewReader(pngHeader))
	require.NoError(t, err)
	require.Equal(t, "avatar_1700000000123.png", objects.uploads[0].name)
	require.True(t, objects.uploads[0].upsert)
}

func TestObjectName(t *testing.T) {
	now := fixedNow()
	tests := []struct {
		original string
		want     string
	}{
		{"photo.jpg", "1700000000123-photo.jpg"},
		{"file:///data/user/0/cache/IMG 01.jpeg", "1700000000123-IMG_01.jpeg"},
		{"", "1700000000123-upload.png"},
	}
	for _, tt := range tests {
		t.Run(tt.original, func(t *testing.T) {
			require.Equal(t, tt.want, ObjectName(now, tt.original, "png"))
		})
	}
}
