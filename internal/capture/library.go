// Package capture turns rendered frames into saved photos and videos.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/andresmejia3/veil/internal/types"
)

var (
	ErrPhotoBusy        = errors.New("photo capture already in flight")
	ErrNotRecording     = errors.New("not recording")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNoSession        = errors.New("no capture session")
	ErrQueueClosed      = errors.New("video queue closed")
	ErrDuplicateSession = errors.New("session already queued")
)

// Library is the media library boundary. SaveAsset returns the library id.
type Library interface {
	SaveAsset(ctx context.Context, a types.Asset) (string, error)
}

// Metadata controls what is recorded alongside a saved asset.
type Metadata struct {
	// StripMetadata replaces the creation date with the Unix epoch.
	StripMetadata bool
	Location      *types.Location
}

// Asset builds the library record for a saved file.
func (m Metadata) Asset(kind types.AssetKind, path, sessionID string, now time.Time) types.Asset {
	a := types.Asset{
		Kind:      kind,
		Path:      path,
		CreatedAt: now,
		Location:  m.Location,
		SessionID: sessionID,
	}
	if m.StripMetadata {
		a.CreatedAt = time.Unix(0, 0).UTC()
		a.Location = nil
	}
	return a
}
