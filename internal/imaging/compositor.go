package imaging

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/storage"
)

// Layout selects how source images are arranged on the composite canvas.
type Layout string

const (
	// LayoutStacked stacks images vertically, each horizontally centered.
	// Used for multiple photos of one product.
	LayoutStacked Layout = "stacked"
	// LayoutSideBySide scales images to a shared height and concatenates
	// them left to right. Used when distinct products are combined.
	LayoutSideBySide Layout = "side_by_side"
	// LayoutGrid arranges up to four inputs in a 2x1 or 2x2 grid of
	// fixed-height cells with contain fit.
	LayoutGrid Layout = "grid"
)

// Source is one candidate input for a composite.
type Source struct {
	URL     string
	Purpose domain.AssetPurpose
}

// Composite is the result of a Combine call.
type Composite struct {
	URL    string
	Data   []byte
	Width  int
	Height int
	// Skipped counts sources that failed to download or decode.
	Skipped int
}

// Compositor assembles multi-image model inputs. Individual sources that
// fail to fetch or decode are skipped; the call fails only when no source
// survives.
type Compositor struct {
	store      storage.Store
	httpClient *http.Client
	cellPx     int
	logger     zerolog.Logger
}

// NewCompositor wires a compositor against the given blob store. cellPx sets
// the grid cell height; values <= 0 fall back to 768.
func NewCompositor(store storage.Store, cellPx int, logger zerolog.Logger) *Compositor {
	if cellPx <= 0 {
		cellPx = 768
	}
	return &Compositor{
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cellPx:     cellPx,
		logger:     logger,
	}
}

// Combine fetches the sources, lays them out, and uploads the PNG result
// under a unique key owned by jobID. The caller registers the returned URL
// as a temporary asset.
func (c *Compositor) Combine(ctx context.Context, jobID string, sources []Source, layout Layout) (*Composite, error) {
	decoded, skipped := c.fetchAll(ctx, sources)
	if len(decoded) == 0 {
		return nil, fmt.Errorf("compositor: %w", domain.ErrNoValidImages)
	}

	var canvas image.Image
	switch layout {
	case LayoutSideBySide:
		canvas = composeSideBySide(decoded)
	case LayoutGrid:
		canvas = composeGrid(decoded, c.cellPx)
	default:
		canvas = composeStacked(decoded)
	}

	data, err := EncodePNG(canvas)
	if err != nil {
		return nil, err
	}
	url, err := c.store.Put(ctx, storage.UniqueKey(jobID, "composite", ".png"), data)
	if err != nil {
		return nil, fmt.Errorf("compositor: upload: %w", err)
	}
	b := canvas.Bounds()
	return &Composite{
		URL:     url,
		Data:    data,
		Width:   b.Dx(),
		Height:  b.Dy(),
		Skipped: skipped,
	}, nil
}

type decodedSource struct {
	img     image.Image
	purpose domain.AssetPurpose
}

func (c *Compositor) fetchAll(ctx context.Context, sources []Source) ([]decodedSource, int) {
	var decoded []decodedSource
	skipped := 0
	for _, src := range sources {
		if strings.TrimSpace(src.URL) == "" {
			continue
		}
		data, err := c.fetch(ctx, src.URL)
		if err != nil {
			c.logger.Warn().Err(err).Str("url", src.URL).Msg("compositor: skipping source, fetch failed")
			skipped++
			continue
		}
		img, err := Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Str("url", src.URL).Msg("compositor: skipping source, decode failed")
			skipped++
			continue
		}
		decoded = append(decoded, decodedSource{img: img, purpose: src.Purpose})
	}
	return decoded, skipped
}

// fetch prefers the blob store and falls back to plain HTTP for sources the
// client uploaded elsewhere.
func (c *Compositor) fetch(ctx context.Context, url string) ([]byte, error) {
	if data, err := c.store.Get(ctx, url); err == nil {
		return data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch %s: http %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// composeStacked builds a canvas of width max(widths) and height
// sum(heights) with each image horizontally centered.
func composeStacked(sources []decodedSource) image.Image {
	width, height := 0, 0
	for _, s := range sources {
		b := s.img.Bounds()
		if b.Dx() > width {
			width = b.Dx()
		}
		height += b.Dy()
	}
	canvas := whiteCanvas(width, height)
	y := 0
	for _, s := range sources {
		b := s.img.Bounds()
		x := (width - b.Dx()) / 2
		dst := image.Rect(x, y, x+b.Dx(), y+b.Dy())
		draw.Draw(canvas, dst, s.img, b.Min, draw.Over)
		y += b.Dy()
	}
	return canvas
}

// composeSideBySide scales every image to the minimum input height and
// concatenates left to right.
func composeSideBySide(sources []decodedSource) image.Image {
	minH := sources[0].img.Bounds().Dy()
	for _, s := range sources[1:] {
		if h := s.img.Bounds().Dy(); h < minH {
			minH = h
		}
	}
	scaled := make([]image.Image, len(sources))
	width := 0
	for i, s := range sources {
		b := s.img.Bounds()
		w := b.Dx() * minH / b.Dy()
		if b.Dy() == minH {
			scaled[i] = s.img
			w = b.Dx()
		} else {
			scaled[i] = Scale(s.img, w, minH)
		}
		width += w
	}
	canvas := whiteCanvas(width, minH)
	x := 0
	for _, img := range scaled {
		b := img.Bounds()
		draw.Draw(canvas, image.Rect(x, 0, x+b.Dx(), minH), img, b.Min, draw.Over)
		x += b.Dx()
	}
	return canvas
}

// composeGrid lays out up to four inputs in fixed-size cells: two inputs
// form a 2x1 row, more form a 2x2 grid. Cells use contain fit. Cells holding
// a background-removed input keep their alpha; every other cell, including
// cells left empty by an odd input count, gets a solid white backing.
func composeGrid(sources []decodedSource, cellPx int) image.Image {
	cols := 2
	rows := (len(sources) + 1) / 2
	if len(sources) == 1 {
		cols, rows = 1, 1
	}
	canvas := image.NewNRGBA(image.Rect(0, 0, cols*cellPx, rows*cellPx))
	cellAt := func(i int) image.Rectangle {
		col, row := i%cols, i/cols
		return image.Rect(col*cellPx, row*cellPx, (col+1)*cellPx, (row+1)*cellPx)
	}
	for i, s := range sources {
		cell := cellAt(i)
		if s.purpose != domain.AssetPurposeBackgroundRemoved {
			draw.Draw(canvas, cell, whiteCanvas(cellPx, cellPx), image.Point{}, draw.Src)
		}
		w, h := containFit(s.img, cellPx, cellPx)
		if w == 0 || h == 0 {
			continue
		}
		fitted := Scale(s.img, w, h)
		offX := cell.Min.X + (cellPx-w)/2
		offY := cell.Min.Y + (cellPx-h)/2
		draw.Draw(canvas, image.Rect(offX, offY, offX+w, offY+h), fitted, fitted.Bounds().Min, draw.Over)
	}
	for i := len(sources); i < cols*rows; i++ {
		draw.Draw(canvas, cellAt(i), whiteCanvas(cellPx, cellPx), image.Point{}, draw.Src)
	}
	return canvas
}
