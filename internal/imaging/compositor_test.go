package imaging

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

type stubStore struct {
	objects map[string][]byte
	puts    []string
}

func newStubStore() *stubStore {
	return &stubStore{objects: map[string][]byte{}}
}

func (s *stubStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	url := "mem://" + key
	s.objects[url] = data
	s.puts = append(s.puts, url)
	return url, nil
}

func (s *stubStore) Get(ctx context.Context, url string) ([]byte, error) {
	data, ok := s.objects[url]
	if !ok {
		return nil, errors.New("missing object")
	}
	return data, nil
}

func (s *stubStore) Delete(ctx context.Context, url string) error {
	delete(s.objects, url)
	return nil
}

func pngFixture(t *testing.T, store *stubStore, key string, width, height int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	data, err := EncodePNG(img)
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	url, err := store.Put(context.Background(), key, data)
	if err != nil {
		t.Fatalf("store fixture: %v", err)
	}
	return url
}

func TestCombineStackedUsesMaxWidthAndSumHeight(t *testing.T) {
	store := newStubStore()
	a := pngFixture(t, store, "a.png", 100, 200)
	b := pngFixture(t, store, "b.png", 150, 100)

	c := NewCompositor(store, 512, zerolog.Nop())
	out, err := c.Combine(context.Background(), "job-1", []Source{
		{URL: a, Purpose: domain.AssetPurposeReference},
		{URL: b, Purpose: domain.AssetPurposeReference},
	}, LayoutStacked)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Width != 150 || out.Height != 300 {
		t.Fatalf("dimensions = %dx%d, want 150x300", out.Width, out.Height)
	}
	if out.Skipped != 0 {
		t.Fatalf("skipped = %d, want 0", out.Skipped)
	}
}

func TestCombineSideBySideScalesToMinHeight(t *testing.T) {
	store := newStubStore()
	a := pngFixture(t, store, "a.png", 100, 200)
	b := pngFixture(t, store, "b.png", 150, 100)

	c := NewCompositor(store, 512, zerolog.Nop())
	out, err := c.Combine(context.Background(), "job-1", []Source{
		{URL: a, Purpose: domain.AssetPurposeReference},
		{URL: b, Purpose: domain.AssetPurposeReference},
	}, LayoutSideBySide)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A scales 100x200 -> 50x100 at the shared min height; B stays 150x100.
	if out.Height != 100 {
		t.Fatalf("height = %d, want 100", out.Height)
	}
	if out.Width != 50+150 {
		t.Fatalf("width = %d, want %d", out.Width, 50+150)
	}
}

func TestCombineGridUsesFixedCells(t *testing.T) {
	store := newStubStore()
	a := pngFixture(t, store, "a.png", 300, 400)
	b := pngFixture(t, store, "b.png", 400, 300)
	p := pngFixture(t, store, "p.png", 200, 200)

	c := NewCompositor(store, 256, zerolog.Nop())
	out, err := c.Combine(context.Background(), "job-1", []Source{
		{URL: a, Purpose: domain.AssetPurposeComposite},
		{URL: b, Purpose: domain.AssetPurposeBackgroundRemoved},
		{URL: p, Purpose: domain.AssetPurposePortrait},
	}, LayoutGrid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Three inputs form a 2x2 grid of 256px cells.
	if out.Width != 512 || out.Height != 512 {
		t.Fatalf("dimensions = %dx%d, want 512x512", out.Width, out.Height)
	}

	img, err := Decode(out.Data)
	if err != nil {
		t.Fatalf("decode composite: %v", err)
	}
	px := func(x, y int) color.NRGBA {
		return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	}
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	// Contain fit leaves a margin inside every cell: the composite cell's
	// margin sits on white backing, the background-removed cell's margin
	// keeps its alpha for the model to read.
	if got := px(1, 1); got != white {
		t.Fatalf("composite cell margin = %+v, want white backing", got)
	}
	if got := px(257, 1); got.A != 0 {
		t.Fatalf("background-removed cell margin alpha = %d, want 0", got.A)
	}
	// The unused fourth cell is white backed, never left undefined.
	if got := px(300, 300); got != white {
		t.Fatalf("empty cell = %+v, want white backing", got)
	}
}

func TestCombineSkipsBrokenSources(t *testing.T) {
	store := newStubStore()
	good := pngFixture(t, store, "good.png", 50, 50)
	store.objects["mem://broken.png"] = []byte("not an image")

	c := NewCompositor(store, 512, zerolog.Nop())
	out, err := c.Combine(context.Background(), "job-1", []Source{
		{URL: good, Purpose: domain.AssetPurposeReference},
		{URL: "mem://broken.png", Purpose: domain.AssetPurposeReference},
	}, LayoutStacked)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", out.Skipped)
	}
	if out.Width != 50 || out.Height != 50 {
		t.Fatalf("dimensions = %dx%d, want 50x50", out.Width, out.Height)
	}
}

func TestCombineFailsWithoutValidImages(t *testing.T) {
	store := newStubStore()
	c := NewCompositor(store, 512, zerolog.Nop())
	_, err := c.Combine(context.Background(), "job-1", nil, LayoutStacked)
	if !errors.Is(err, domain.ErrNoValidImages) {
		t.Fatalf("err = %v, want ErrNoValidImages", err)
	}
}
