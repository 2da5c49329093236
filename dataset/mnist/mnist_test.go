package mnist

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// writeIDX writes a gzipped IDX file holding header fields and raw
// payload bytes.
func writeIDX(t *testing.T, path string, header interface{},
	payload []byte) {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := binary.Write(gz, binary.BigEndian, header); err != nil {
		t.Fatalf("could not write header: %v", err)
	}
	if _, err := gz.Write(payload); err != nil {
		t.Fatalf("could not write payload: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("could not close gzip writer: %v", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("could not write %v: %v", path, err)
	}
}

// writeSplit writes a tiny split of n 2x2 images with random pixels
// and labels, returning the file paths and raw data.
func writeSplit(t *testing.T, n int) (imagesPath, labelsPath string,
	pixels, labels []byte) {
	t.Helper()

	dir := t.TempDir()
	imagesPath = filepath.Join(dir, "images-idx3-ubyte.gz")
	labelsPath = filepath.Join(dir, "labels-idx1-ubyte.gz")

	pixels = make([]byte, n*4)
	rand.Read(pixels)
	labels = make([]byte, n)
	for i := range labels {
		labels[i] = byte(rand.Intn(10))
	}

	writeIDX(t, imagesPath, imageFileHeader{
		Magic:     imageMagic,
		NumImages: int32(n),
		Height:    2,
		Width:     2,
	}, pixels)
	writeIDX(t, labelsPath, labelFileHeader{
		Magic:     labelMagic,
		NumLabels: int32(n),
	}, labels)

	return imagesPath, labelsPath, pixels, labels
}

func TestLoad(t *testing.T) {
	const n = 7

	imagesPath, labelsPath, pixels, labels := writeSplit(t, n)

	d, err := Load(imagesPath, labelsPath)
	if err != nil {
		t.Fatalf("could not load split: %v", err)
	}

	if d.Len() != n {
		t.Errorf("expected %v examples, got %v", n, d.Len())
	}
	if d.ObsSize() != 4 {
		t.Errorf("expected 4 features, got %v", d.ObsSize())
	}
	for i := 0; i < n; i++ {
		if got, want := d.Label(i), int8(labels[i]); got != want {
			t.Errorf("example %v: expected label %v, got %v", i, want,
				got)
		}
	}

	batch, err := d.Batch(0, n)
	if err != nil {
		t.Fatalf("could not slice batch: %v", err)
	}
	vals := batch.Data().([]float64)
	for i, b := range pixels {
		if want := float64(b) / 255.0; vals[i] != want {
			t.Errorf("pixel %v: expected %v, got %v", i, want, vals[i])
		}
	}
}

func TestLoadWithoutLabels(t *testing.T) {
	imagesPath, _, _, _ := writeSplit(t, 3)

	d, err := Load(imagesPath, "")
	if err != nil {
		t.Fatalf("could not load split: %v", err)
	}
	if d.Label(0) != -1 {
		t.Errorf("expected label -1 without a label file, got %v",
			d.Label(0))
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "images-idx3-ubyte.gz")
	writeIDX(t, path, imageFileHeader{
		Magic:     labelMagic,
		NumImages: 1,
		Height:    2,
		Width:     2,
	}, make([]byte, 4))

	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected loading to fail on a bad magic number")
	}
}

func TestBinarize(t *testing.T) {
	imagesPath, labelsPath, _, _ := writeSplit(t, 5)

	d, err := Load(imagesPath, labelsPath)
	if err != nil {
		t.Fatalf("could not load split: %v", err)
	}

	d.Binarize(0.5)

	batch, err := d.Batch(0, d.Len())
	if err != nil {
		t.Fatalf("could not slice batch: %v", err)
	}
	for i, v := range batch.Data().([]float64) {
		if v != 0 && v != 1 {
			t.Errorf("pixel %v: expected a binary value, got %v", i, v)
		}
	}
}

func TestBatchBounds(t *testing.T) {
	imagesPath, _, _, _ := writeSplit(t, 4)

	d, err := Load(imagesPath, "")
	if err != nil {
		t.Fatalf("could not load split: %v", err)
	}

	if _, err := d.Batch(2, 3); err == nil {
		t.Error("expected an out-of-range batch to fail")
	}
	if _, err := d.Batch(-1, 2); err == nil {
		t.Error("expected a negative start to fail")
	}
	if got := d.Batches(3); got != 1 {
		t.Errorf("expected 1 complete batch, got %v", got)
	}
}

func TestShuffleKeepsLabelsAligned(t *testing.T) {
	const n = 16

	imagesPath, labelsPath, pixels, labels := writeSplit(t, n)

	d, err := Load(imagesPath, labelsPath)
	if err != nil {
		t.Fatalf("could not load split: %v", err)
	}

	// Index each original example by its first pixel byte so rows can
	// be matched back up after shuffling.
	byFirstPixel := make(map[float64][]int8)
	for i := 0; i < n; i++ {
		key := float64(pixels[i*4]) / 255.0
		byFirstPixel[key] = append(byFirstPixel[key], int8(labels[i]))
	}

	d.Shuffle(rand.New(rand.NewSource(42)))

	batch, err := d.Batch(0, n)
	if err != nil {
		t.Fatalf("could not slice batch: %v", err)
	}
	vals := batch.Data().([]float64)
	for i := 0; i < n; i++ {
		candidates := byFirstPixel[vals[i*4]]
		found := false
		for _, label := range candidates {
			if label == d.Label(i) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("example %v: label %v does not match its row "+
				"after shuffling", i, d.Label(i))
		}
	}
}
