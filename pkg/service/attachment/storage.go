package attachment

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/tally-app/tally/pkg/domain/interfaces"
	"github.com/tally-app/tally/pkg/utils/safe"
)

// Storage uploads report attachments to a Cloud Storage bucket and returns
// a stable object URL for the history entry.
type Storage struct {
	client *storage.Client
	bucket string
}

var _ interfaces.AttachmentStore = &Storage{}

func New(ctx context.Context, bucket string) (*Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client", goerr.V("bucket", bucket))
	}
	return &Storage{client: client, bucket: bucket}, nil
}

func (s *Storage) Upload(ctx context.Context, name string, r io.Reader, contentType string) (string, error) {
	// Object names are prefixed with a UUID so concurrent uploads of the
	// same filename never collide.
	object := fmt.Sprintf("attachments/%s/%s", uuid.NewString(), name)

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, r); err != nil {
		safe.Close(ctx, w)
		return "", goerr.Wrap(err, "failed to upload attachment",
			goerr.V("bucket", s.bucket), goerr.V("object", object))
	}
	if err := w.Close(); err != nil {
		return "", goerr.Wrap(err, "failed to finalize attachment upload",
			goerr.V("bucket", s.bucket), goerr.V("object", object))
	}

	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, object), nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}
