package output

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/storage"

	"github.com/ratchetd/ratchet/internal/domain"
)

// gcsClient is created lazily on first gcs delivery; credentials come
// from the ambient environment (GOOGLE_APPLICATION_CREDENTIALS).
var (
	gcsOnce   sync.Once
	gcsClient *storage.Client
	gcsErr    error
)

func sharedGCSClient(ctx context.Context) (*storage.Client, error) {
	gcsOnce.Do(func() {
		gcsClient, gcsErr = storage.NewClient(ctx)
	})
	return gcsClient, gcsErr
}

// deliverGCS writes the output as one object. Object names may use
// template placeholders.
func deliverGCS(ctx context.Context, cfg *GCSConfig, output []byte, tctx TemplateContext) (string, int64, error) {
	client, err := sharedGCSClient(ctx)
	if err != nil {
		return "", 0, domain.Wrap(domain.KindDeliveryFailed, err, "failed to create storage client")
	}

	body := output
	if len(body) == 0 {
		body = []byte("null")
	}

	name := tctx.Render(cfg.Object)
	w := client.Bucket(cfg.Bucket).Object(name).NewWriter(ctx)
	if cfg.ContentType != "" {
		w.ContentType = cfg.ContentType
	} else {
		w.ContentType = "application/json"
	}

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", 0, domain.Wrap(domain.KindDeliveryFailed, err, "failed to write gs://%s/%s", cfg.Bucket, name)
	}
	if err := w.Close(); err != nil {
		return "", 0, domain.Wrap(domain.KindDeliveryFailed, err, "failed to finalise gs://%s/%s", cfg.Bucket, name)
	}
	return fmt.Sprintf("wrote %d bytes to gs://%s/%s", len(body), cfg.Bucket, name), int64(len(body)), nil
}
