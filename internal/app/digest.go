package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"finpatrol/internal/pipeline"
	"finpatrol/internal/render"
	"finpatrol/internal/snapshot"
)

// Digest runs one aggregation cycle and prints the rendered message. Without
// Persist nothing is written to storage.
func (a *App) Digest(ctx context.Context, opts DigestOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pipe, err := a.newPipeline(store, !opts.Persist)
	if err != nil {
		return err
	}

	snap, err := pipe.Run(ctx)
	if err != nil {
		if !errors.Is(err, pipeline.ErrPersist) {
			return err
		}
		a.Logger.Warn().Err(err).Msg("digest built but not stored")
	}

	return writeDigest(os.Stdout, a.newRenderer(), snap, opts.Raw)
}

func writeDigest(w io.Writer, r *render.Renderer, snap snapshot.Snapshot, raw bool) error {
	if raw {
		data, err := snapshot.EncodePayload(snap.Payload)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err := fmt.Fprintln(w, r.RenderPayload(snap.TakenAt, snap.Payload))
	return err
}
