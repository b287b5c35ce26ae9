package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ratchetd/ratchet/internal/domain"
)

// deliverFilesystem writes the formatted output to cfg.Path. The path
// itself may use template placeholders.
func deliverFilesystem(_ context.Context, cfg *FilesystemConfig, output []byte, tctx TemplateContext) (string, int64, error) {
	body, err := formatOutput(cfg.Format, output, tctx, cfg.Template)
	if err != nil {
		return "", 0, err
	}

	path := tctx.Render(cfg.Path)

	if cfg.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", 0, domain.Wrap(domain.KindDeliveryFailed, err, "failed to create directories for %s", path)
		}
	}

	if _, err := os.Stat(path); err == nil {
		if !cfg.Overwrite {
			return "", 0, domain.E(domain.KindDeliveryFailed, "refusing to overwrite existing file %s", path)
		}
		if cfg.BackupExisting {
			if err := os.Rename(path, path+".bak"); err != nil {
				return "", 0, domain.Wrap(domain.KindDeliveryFailed, err, "failed to back up %s", path)
			}
		}
	}

	perm := os.FileMode(0o644)
	if cfg.Permissions != "" {
		parsed, err := strconv.ParseUint(cfg.Permissions, 8, 32)
		if err != nil {
			return "", 0, domain.Wrap(domain.KindValidation, err, "invalid permissions %q", cfg.Permissions)
		}
		perm = os.FileMode(parsed)
	}

	if err := os.WriteFile(path, body, perm); err != nil {
		return "", 0, domain.Wrap(domain.KindDeliveryFailed, err, "failed to write %s", path)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(body), path), int64(len(body)), nil
}
