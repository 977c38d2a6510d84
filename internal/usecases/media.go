package usecases

import (
	"context"
	"mime"
	"path"
	"strings"
	"time"

	"engage_inbound/internal/entities"
	"engage_inbound/internal/infrastructure"
	"engage_inbound/internal/interfaces"

	"github.com/rs/zerolog"
)

// MediaService downloads attachments from the transport and republishes them.
type MediaService struct {
	downloader interfaces.MediaDownloader
	store      interfaces.MediaStore
	timeout    time.Duration
	metrics    *infrastructure.InboundMetrics
	logger     zerolog.Logger
}

func NewMediaService(downloader interfaces.MediaDownloader, store interfaces.MediaStore, timeout time.Duration, metrics *infrastructure.InboundMetrics, logger zerolog.Logger) *MediaService {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &MediaService{
		downloader: downloader,
		store:      store,
		timeout:    timeout,
		metrics:    metrics,
		logger:     logger.With().Str("component", "media").Logger(),
	}
}

// Resolve returns the URL to persist for p. A successful download yields a hosted URL;
// otherwise only an existing http(s) URL survives, never an internal reference.
func (m *MediaService) Resolve(ctx context.Context, tenantID, instanceID string, p *entities.NormalizedMessage) *string {
	if m == nil || !p.Type.IsMedia() {
		return httpURL(p.MediaURL)
	}
	if !p.Media.Downloadable() || m.downloader == nil || m.store == nil {
		return httpURL(p.MediaURL)
	}

	dctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	blob, err := m.downloader.DownloadMedia(dctx, instanceID, *p.Media)
	if err != nil || blob == nil || len(blob.Data) == 0 {
		m.metrics.ObserveMediaDownload("failed")
		m.logger.Warn().Err(err).
			Str("tenant_id", tenantID).
			Str("external_id", p.ExternalID).
			Str("media_type", p.Media.MediaType).
			Msg("Media download failed, persisting without attachment")
		return httpURL(p.MediaURL)
	}

	if p.Mimetype == "" {
		p.Mimetype = blob.MimeType
	}
	if p.FileSize == 0 {
		p.FileSize = blob.Size
	}

	url, err := m.store.Save(ctx, mediaKey(tenantID, p), blob)
	if err != nil {
		m.metrics.ObserveMediaDownload("store_failed")
		m.logger.Error().Err(err).Str("tenant_id", tenantID).Str("external_id", p.ExternalID).Msg("Failed to store media")
		return httpURL(p.MediaURL)
	}
	m.metrics.ObserveMediaDownload("stored")
	return &url
}

func httpURL(u *string) *string {
	if u == nil {
		return nil
	}
	lower := strings.ToLower(strings.TrimSpace(*u))
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return u
	}
	return nil
}

func mediaKey(tenantID string, p *entities.NormalizedMessage) string {
	name := DeterministicID("", p.ExternalID)
	ext := path.Ext(p.FileName)
	if ext == "" && p.Mimetype != "" {
		mimeType, _, _ := strings.Cut(p.Mimetype, ";")
		if exts, err := mime.ExtensionsByType(strings.TrimSpace(mimeType)); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	return path.Join(tenantID, strings.ToLower(string(p.Type)), name+ext)
}
