package segment

import (
	"context"
	"errors"
	"image"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/imaging"
)

type stubStore struct {
	objects map[string][]byte
}

func newStubStore() *stubStore {
	return &stubStore{objects: map[string][]byte{}}
}

func (s *stubStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	url := "mem://" + key
	s.objects[url] = data
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

func storeImage(t *testing.T, store *stubStore, key string, width, height int) string {
	t.Helper()
	data, err := imaging.EncodePNG(image.NewNRGBA(image.Rect(0, 0, width, height)))
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	url, err := store.Put(context.Background(), key, data)
	if err != nil {
		t.Fatalf("store fixture: %v", err)
	}
	return url
}

type stubSegClient struct {
	outputURL string
	submitErr error
	failJob   bool
}

func (c *stubSegClient) Submit(ctx context.Context, imageURL string) (string, error) {
	if c.submitErr != nil {
		return "", c.submitErr
	}
	return "seg-1", nil
}

func (c *stubSegClient) Poll(ctx context.Context, jobID string) (string, string, error) {
	if c.failJob {
		return StatusFailed, "", nil
	}
	return StatusSucceeded, c.outputURL, nil
}

func fastRemover(client Client, store *stubStore) *Remover {
	r := NewRemover(client, store, zerolog.Nop())
	r.pollInterval = time.Millisecond
	return r
}

func TestRemoveCorrectsFlippedOrientation(t *testing.T) {
	store := newStubStore()
	input := storeImage(t, store, "input.png", 100, 200)
	flipped := storeImage(t, store, "flipped.png", 200, 100)

	r := fastRemover(&stubSegClient{outputURL: flipped}, store)
	got := r.Remove(context.Background(), "job-1", input)

	if got == flipped || got == input {
		t.Fatalf("expected a corrected re-upload, got %q", got)
	}
	if !strings.Contains(got, "background-removed") {
		t.Fatalf("corrected url %q should live under the background-removed prefix", got)
	}
	data, err := store.Get(context.Background(), got)
	if err != nil {
		t.Fatalf("fetch corrected output: %v", err)
	}
	img, err := imaging.Decode(data)
	if err != nil {
		t.Fatalf("decode corrected output: %v", err)
	}
	if !imaging.IsPortrait(img) {
		t.Fatal("corrected output should match the input's portrait orientation")
	}
}

func TestRemoveKeepsMatchingOrientation(t *testing.T) {
	store := newStubStore()
	input := storeImage(t, store, "input.png", 100, 200)
	output := storeImage(t, store, "output.png", 80, 160)

	r := fastRemover(&stubSegClient{outputURL: output}, store)
	if got := r.Remove(context.Background(), "job-1", input); got != output {
		t.Fatalf("got %q, want provider output %q untouched", got, output)
	}
}

func TestRemoveDegradesToInputOnFailure(t *testing.T) {
	store := newStubStore()
	input := storeImage(t, store, "input.png", 100, 200)

	r := fastRemover(&stubSegClient{submitErr: errors.New("quota exceeded")}, store)
	if got := r.Remove(context.Background(), "job-1", input); got != input {
		t.Fatalf("got %q, want original input on submit failure", got)
	}

	r = fastRemover(&stubSegClient{failJob: true}, store)
	if got := r.Remove(context.Background(), "job-1", input); got != input {
		t.Fatalf("got %q, want original input on provider failure", got)
	}
}

func TestRemoveWithoutClientIsNoop(t *testing.T) {
	r := NewRemover(nil, newStubStore(), zerolog.Nop())
	if got := r.Remove(context.Background(), "job-1", "mem://input.png"); got != "mem://input.png" {
		t.Fatalf("got %q, want passthrough when no client is configured", got)
	}
}
