package ingest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
)

// Rejected is a feed record that failed to parse or validate.
type Rejected struct {
	Source string `json:"source,omitempty"`
	// Row is the 1-based record position: the array index for JSON, the
	// line (header included) for CSV and XLSX.
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Batch is a decoded feed. Rejected records never abort the batch.
type Batch[T any] struct {
	Items    []T        `json:"items"`
	Rejected []Rejected `json:"rejected,omitempty"`
}

type (
	EventBatch   = Batch[model.EngagementEvent]
	ContentBatch = Batch[model.ContentPiece]
)

func (b *Batch[T]) merge(o *Batch[T]) {
	b.Items = append(b.Items, o.Items...)
	b.Rejected = append(b.Rejected, o.Rejected...)
}

// decoder turns raw records of one kind into validated items.
type decoder[T any] struct {
	fromRecord func(columns, []string) (T, error)
	required   []string
	accept     func(*T) error
}

var eventDecoder = decoder[model.EngagementEvent]{
	fromRecord: eventFromRecord,
	required:   []string{"content_id"},
	accept: func(e *model.EngagementEvent) error {
		if err := e.Validate(); err != nil {
			return err
		}
		e.OccurredAt = e.OccurredAt.UTC()
		e.EnsureID()
		return nil
	},
}

var contentDecoder = decoder[model.ContentPiece]{
	fromRecord: contentFromRecord,
	required:   []string{"content_id"},
	accept: func(p *model.ContentPiece) error {
		if err := p.Validate(); err != nil {
			return err
		}
		p.PublishedAt = p.PublishedAt.UTC()
		return nil
	},
}

func (d decoder[T]) add(b *Batch[T], row int, item T) {
	if err := d.accept(&item); err != nil {
		b.Rejected = append(b.Rejected, Rejected{Row: row, Reason: err.Error()})
		return
	}
	b.Items = append(b.Items, item)
}

// rows maps tabular records; the first record is the header.
func (d decoder[T]) rows(b *Batch[T], header columns, row int, rec []string) {
	item, err := d.fromRecord(header, rec)
	if err != nil {
		b.Rejected = append(b.Rejected, Rejected{Row: row, Reason: err.Error()})
		return
	}
	d.add(b, row, item)
}

// DecodeEvents decodes an engagement feed in JSON or CSV.
func DecodeEvents(ctx context.Context, r io.Reader, f Format) (*EventBatch, error) {
	return decodeStream(ctx, r, f, eventDecoder)
}

// DecodeContent decodes a content metadata feed in JSON or CSV.
func DecodeContent(ctx context.Context, r io.Reader, f Format) (*ContentBatch, error) {
	return decodeStream(ctx, r, f, contentDecoder)
}

func decodeStream[T any](ctx context.Context, r io.Reader, f Format, d decoder[T]) (*Batch[T], error) {
	b := &Batch[T]{}
	switch f {
	case FormatJSON:
		items, errs := DecodeJSON[T](ctx, r)
		row := 0
		for item := range items {
			row++
			d.add(b, row, item)
		}
		if err := <-errs; err != nil {
			return b, eris.Wrap(err, "ingest: decode json feed")
		}
	case FormatCSV:
		records, errs := StreamCSV(ctx, r, CSVOptions{LazyQuotes: true})
		var header columns
		row := 0
		for rec := range records {
			row++
			if header == nil {
				header = newColumns(rec)
				if err := header.require(d.required...); err != nil {
					// Drain so the reader goroutine exits.
					for range records {
					}
					<-errs
					return b, err
				}
				continue
			}
			if blank(rec) {
				continue
			}
			d.rows(b, header, row, rec)
		}
		if err := <-errs; err != nil {
			return b, eris.Wrap(err, "ingest: decode csv feed")
		}
	default:
		return nil, eris.Errorf("ingest: format %q cannot be streamed", f)
	}
	return b, nil
}

func decodeTable[T any](table [][]string, d decoder[T]) (*Batch[T], error) {
	b := &Batch[T]{}
	if len(table) == 0 {
		return b, nil
	}
	header := newColumns(table[0])
	if err := header.require(d.required...); err != nil {
		return b, err
	}
	for i, rec := range table[1:] {
		if blank(rec) {
			continue
		}
		d.rows(b, header, i+2, rec)
	}
	return b, nil
}

// LoadEvents reads an engagement feed from a local path or URL. ZIP
// bundles are expanded and every JSON, CSV or XLSX member is decoded.
func (o *Opener) LoadEvents(ctx context.Context, src string) (*EventBatch, error) {
	return load(ctx, o, src, eventDecoder)
}

// LoadContent reads a content metadata feed from a local path or URL.
func (o *Opener) LoadContent(ctx context.Context, src string) (*ContentBatch, error) {
	return load(ctx, o, src, contentDecoder)
}

func load[T any](ctx context.Context, o *Opener, src string, d decoder[T]) (*Batch[T], error) {
	f, err := FormatOf(src)
	if err != nil {
		return nil, err
	}

	var b *Batch[T]
	switch f {
	case FormatJSON, FormatCSV:
		rc, err := o.Open(ctx, src)
		if err != nil {
			return nil, err
		}
		defer rc.Close() //nolint:errcheck
		b, err = decodeStream(ctx, rc, f, d)
		if err != nil {
			return b, err
		}
	case FormatXLSX, FormatZIP:
		dir, err := os.MkdirTemp("", "leadflow-ingest-")
		if err != nil {
			return nil, eris.Wrap(err, "ingest: create temp dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck

		path, err := o.localPath(ctx, src, dir)
		if err != nil {
			return nil, err
		}
		if f == FormatXLSX {
			table, err := ReadXLSX(path, XLSXOptions{})
			if err != nil {
				return nil, err
			}
			b, err = decodeTable(table, d)
			if err != nil {
				return b, err
			}
		} else {
			b, err = loadBundle(ctx, o, path, filepath.Join(dir, "bundle"), d)
			if err != nil {
				return b, err
			}
		}
	}

	for i := range b.Rejected {
		if b.Rejected[i].Source == "" {
			b.Rejected[i].Source = src
		}
	}
	zap.L().Debug("ingest: loaded feed",
		zap.String("source", src),
		zap.Int("items", len(b.Items)),
		zap.Int("rejected", len(b.Rejected)),
	)
	return b, nil
}

func loadBundle[T any](ctx context.Context, o *Opener, zipPath, dest string, d decoder[T]) (*Batch[T], error) {
	files, err := ExtractZIP(zipPath, dest)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	b := &Batch[T]{}
	for _, file := range files {
		f, err := FormatOf(file)
		if err != nil || f == FormatZIP {
			zap.L().Debug("ingest: skipping bundle member", zap.String("file", file))
			continue
		}
		sub, err := load(ctx, o, file, d)
		if err != nil {
			return b, eris.Wrapf(err, "ingest: bundle member %s", filepath.Base(file))
		}
		for i := range sub.Rejected {
			sub.Rejected[i].Source = filepath.Base(file)
		}
		b.merge(sub)
	}
	return b, nil
}
