// Package output delivers completed execution results to configured
// destinations. Deliveries for one job run in parallel and all finish
// before the job completes; failures are recorded and logged but never
// roll back execution state.
package output

import (
	"encoding/json"
	"time"

	"github.com/ratchetd/ratchet/internal/domain"
)

// Destination types.
const (
	TypeFilesystem = "filesystem"
	TypeWebhook    = "webhook"
	TypeGCS        = "gcs"
	TypeDatabase   = "database"
	TypeS3         = "s3"
)

// Formats for filesystem output.
const (
	FormatJSON        = "json"
	FormatJSONCompact = "json_compact"
	FormatYAML        = "yaml"
	FormatCSV         = "csv"
	FormatRaw         = "raw"
	FormatTemplate    = "template"
)

// DestinationConfig is the tagged sink union. New sink types extend the
// variant set; they are not runtime plugins.
type DestinationConfig struct {
	Type       string            `json:"type"`
	Filesystem *FilesystemConfig `json:"filesystem,omitempty"`
	Webhook    *WebhookConfig    `json:"webhook,omitempty"`
	GCS        *GCSConfig        `json:"gcs,omitempty"`
}

// ID names the destination for DeliveryResult rows.
func (c DestinationConfig) ID() string {
	switch c.Type {
	case TypeFilesystem:
		if c.Filesystem != nil {
			return c.Filesystem.Path
		}
	case TypeWebhook:
		if c.Webhook != nil {
			return c.Webhook.URL
		}
	case TypeGCS:
		if c.GCS != nil {
			return "gs://" + c.GCS.Bucket + "/" + c.GCS.Object
		}
	}
	return c.Type
}

// FilesystemConfig writes the formatted output to a local path.
type FilesystemConfig struct {
	Path           string `json:"path"`
	Format         string `json:"format,omitempty"` // default json
	Template       string `json:"template,omitempty"`
	CreateDirs     bool   `json:"create_dirs,omitempty"`
	Overwrite      bool   `json:"overwrite,omitempty"`
	BackupExisting bool   `json:"backup_existing,omitempty"`
	Permissions    string `json:"permissions,omitempty"` // octal, e.g. "0644"
}

// Auth schemes for webhooks.
const (
	AuthBearer = "bearer"
	AuthBasic  = "basic"
	AuthAPIKey = "api_key"
)

// WebhookAuth configures outbound authentication.
type WebhookAuth struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Header   string `json:"header,omitempty"` // api_key header name
	Key      string `json:"key,omitempty"`
}

// RetryPolicy governs webhook retries. Listed status codes and network
// errors retry; other non-2xx are terminal.
type RetryPolicy struct {
	MaxAttempts   int           `json:"max_attempts,omitempty"`
	InitialDelay  time.Duration `json:"initial_delay,omitempty"`
	MaxDelay      time.Duration `json:"max_delay,omitempty"`
	Multiplier    float64       `json:"multiplier,omitempty"`
	Jitter        bool          `json:"jitter,omitempty"`
	RetryOnStatus []int         `json:"retry_on_status,omitempty"`
}

// Retryable reports whether the HTTP status should retry.
func (p RetryPolicy) Retryable(status int) bool {
	if len(p.RetryOnStatus) == 0 {
		// Default: the usual transient set.
		return status == 408 || status == 429 || status >= 500
	}
	for _, s := range p.RetryOnStatus {
		if s == status {
			return true
		}
	}
	return false
}

// WebhookConfig posts the output to an HTTP endpoint.
type WebhookConfig struct {
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"` // default POST
	Headers     map[string]string `json:"headers,omitempty"`
	ContentType string            `json:"content_type,omitempty"` // default application/json
	Auth        *WebhookAuth      `json:"auth,omitempty"`
	Retry       *RetryPolicy      `json:"retry,omitempty"`
}

// GCSConfig writes the output as an object in a Cloud Storage bucket.
type GCSConfig struct {
	Bucket      string `json:"bucket"`
	Object      string `json:"object"`
	ContentType string `json:"content_type,omitempty"`
}

// ParseDestinations decodes a job's output_destinations column.
func ParseDestinations(raw json.RawMessage) ([]DestinationConfig, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var configs []DestinationConfig
	if err := json.Unmarshal(raw, &configs); err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "output_destinations is not a destination list")
	}
	for i, c := range configs {
		if err := validateDestination(c); err != nil {
			return nil, domain.Wrap(domain.KindValidation, err, "output_destinations[%d] invalid", i)
		}
	}
	return configs, nil
}

func validateDestination(c DestinationConfig) error {
	switch c.Type {
	case TypeFilesystem:
		if c.Filesystem == nil || c.Filesystem.Path == "" {
			return domain.E(domain.KindValidation, "filesystem destination needs a path")
		}
		switch c.Filesystem.Format {
		case "", FormatJSON, FormatJSONCompact, FormatYAML, FormatCSV, FormatRaw:
		case FormatTemplate:
			if c.Filesystem.Template == "" {
				return domain.E(domain.KindValidation, "template format needs a template")
			}
		default:
			return domain.E(domain.KindValidation, "unknown format %q", c.Filesystem.Format)
		}
	case TypeWebhook:
		if c.Webhook == nil || c.Webhook.URL == "" {
			return domain.E(domain.KindValidation, "webhook destination needs a url")
		}
	case TypeGCS:
		if c.GCS == nil || c.GCS.Bucket == "" || c.GCS.Object == "" {
			return domain.E(domain.KindValidation, "gcs destination needs bucket and object")
		}
	case TypeDatabase, TypeS3:
		// Recognised variants without implementations; rejected at delivery.
	default:
		return domain.E(domain.KindValidation, "unknown destination type %q", c.Type)
	}
	return nil
}
