package distributed

import (
	"context"
	"fmt"
	"io"

	"github.com/tunnelmesh/casmesh/internal/copier"
	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// copierHost gives the copier access to the registry and the local store.
type copierHost struct {
	s *Store
}

var _ copier.Host = (*copierHost)(nil)

func (h *copierHost) LocalMachine() location.MachineLocation { return h.s.self }

func (h *copierHost) DesignatedLocations(ctx context.Context, ch hash.ContentHash) ([]location.MachineLocation, error) {
	registry, err := h.s.currentRegistry()
	if err != nil {
		return nil, err
	}
	return registry.DesignatedLocations(ctx, ch)
}

func (h *copierHost) Locations(ctx context.Context, ch hash.ContentHash) ([]location.MachineLocation, error) {
	registry, err := h.s.currentRegistry()
	if err != nil {
		return nil, err
	}
	entries, err := registry.GetBulk(ctx, []hash.ContentHash{ch}, location.OriginLocal)
	if err != nil {
		return nil, err
	}
	if len(entries) != 1 {
		return nil, nil
	}
	return entries[0].Locations, nil
}

func (h *copierHost) ReportReputation(loc location.MachineLocation, rep location.Reputation) {
	registry, err := h.s.currentRegistry()
	if err != nil {
		return
	}
	registry.ReportReputation(loc, rep)
}

func (h *copierHost) OpenLocal(ctx context.Context, ch hash.ContentHash) (io.ReadCloser, int64, error) {
	if h.s.streams == nil {
		return nil, 0, fmt.Errorf("%w: local store does not implement StreamStore", ErrInvalidOperation)
	}
	return h.s.streams.OpenStream(ctx, ch)
}

// PutLocal stores pulled content. Registration is left to the caller.
func (h *copierHost) PutLocal(ctx context.Context, ch hash.ContentHash, r io.Reader, size int64) error {
	if h.s.pusher == nil {
		return fmt.Errorf("%w: local store does not implement PushFileHandler", ErrInvalidOperation)
	}
	_, err := h.s.pusher.HandlePushFile(ctx, ch, r, size)
	return err
}
