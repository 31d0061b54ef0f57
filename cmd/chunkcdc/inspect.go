package main

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"reduction.dev/chunkcdc/splits"
	"reduction.dev/chunkcdc/storage/checkpoints"
	"reduction.dev/chunkcdc/storage/locations"
)

func inspect(ctx context.Context, w io.Writer, uri string) error {
	location, err := locations.New(ctx, uri)
	if err != nil {
		return err
	}
	if closer, ok := location.(io.Closer); ok {
		defer closer.Close()
	}

	ckpt, err := checkpoints.NewStore(checkpoints.NewStoreParams{Location: location}).LoadLatest(ctx)
	if err != nil {
		return err
	}
	if ckpt == nil {
		_, err := fmt.Fprintf(w, "no checkpoints in %s\n", uri)
		return err
	}

	p := message.NewPrinter(language.English)
	p.Fprintf(w, "checkpoint %d\n", ckpt.ID)
	p.Fprintf(w, "uri: %s\n", ckpt.URI)

	counts := make(map[splits.Status]int)
	tables := make(map[string]int)
	for _, s := range ckpt.Progress.Splits {
		counts[s.Status]++
		tables[s.Chunk.Table]++
	}
	p.Fprintf(w, "chunks: %d across %d tables\n", len(ckpt.Progress.Splits), len(tables))
	for _, status := range []splits.Status{splits.StatusPending, splits.StatusAssigned, splits.StatusSnapshotDone} {
		p.Fprintf(w, "  %s: %d\n", status, counts[status])
	}
	p.Fprintf(w, "stream issued: %t\n", ckpt.Progress.StreamIssued)
	if ckpt.Progress.HasStreamPosition {
		p.Fprintf(w, "stream position: %d\n", uint64(ckpt.Progress.StreamPosition))
	} else {
		p.Fprintf(w, "stream position: none\n")
	}
	if ckpt.Progress.HasStopPosition {
		p.Fprintf(w, "stop position: %d\n", uint64(ckpt.Progress.StopPosition))
	}
	return nil
}
