// Package mnist loads the MNIST database of handwritten digits from
// IDX files, the format distributed at
// http://yann.lecun.com/exdb/mnist/. Images are returned as flat
// float64 feature vectors scaled to [0, 1], ready to be bound to an
// observation node.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const (
	// Width and Height are the pixel dimensions of an MNIST image.
	Width  = 28
	Height = 28

	// PixelCount is the flattened feature size of an image.
	PixelCount = Width * Height

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Standard filenames of the MNIST distribution.
const (
	TrainImagesFilename = "train-images-idx3-ubyte.gz"
	TrainLabelsFilename = "train-labels-idx1-ubyte.gz"
	TestImagesFilename  = "t10k-images-idx3-ubyte.gz"
	TestLabelsFilename  = "t10k-labels-idx1-ubyte.gz"
)

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// Dataset holds a split of MNIST in memory as a (n, PixelCount)
// float64 matrix with values in [0, 1].
type Dataset struct {
	images []float64
	labels []int8
	n      int
	size   int
}

// Load reads an IDX image file and, when labelsPath is non-empty, the
// matching IDX label file. Files ending in .gz are decompressed on
// the fly.
func Load(imagesPath, labelsPath string) (*Dataset, error) {
	images, size, err := loadImages(imagesPath)
	if err != nil {
		return nil, errors.Wrap(err, "load")
	}

	d := &Dataset{images: images, n: len(images) / size, size: size}

	if labelsPath != "" {
		if d.labels, err = loadLabels(labelsPath); err != nil {
			return nil, errors.Wrap(err, "load")
		}
		if len(d.labels) != d.n {
			return nil, errors.Errorf("load: %v images but %v labels",
				d.n, len(d.labels))
		}
	}

	return d, nil
}

func open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &gzipFile{gz: gz, f: f}, nil
}

type gzipFile struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipFile) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipFile) Close() error {
	if err := g.gz.Close(); err != nil {
		g.f.Close()
		return err
	}

	return g.f.Close()
}

func loadImages(path string) ([]float64, int, error) {
	r, err := open(path)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()

	var header imageFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, 0, errors.Wrap(err, "could not read image header")
	}
	if header.Magic != imageMagic {
		return nil, 0, errors.Errorf("expected image magic %#x, got %#x",
			imageMagic, header.Magic)
	}
	if header.NumImages < 0 || header.Width < 1 || header.Height < 1 {
		return nil, 0, errors.Errorf("invalid image header %+v", header)
	}

	size := int(header.Width) * int(header.Height)
	raw := make([]byte, int(header.NumImages)*size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, 0, errors.Wrap(err, "could not read image data")
	}

	images := make([]float64, len(raw))
	for i, b := range raw {
		images[i] = float64(b) / 255.0
	}

	return images, size, nil
}

func loadLabels(path string) ([]int8, error) {
	r, err := open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var header labelFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "could not read label header")
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("expected label magic %#x, got %#x",
			labelMagic, header.Magic)
	}
	if header.NumLabels < 0 {
		return nil, errors.Errorf("invalid label header %+v", header)
	}

	raw := make([]byte, header.NumLabels)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(err, "could not read label data")
	}

	labels := make([]int8, len(raw))
	for i, b := range raw {
		labels[i] = int8(b)
	}

	return labels, nil
}

// Len returns the number of examples in the split.
func (d *Dataset) Len() int { return d.n }

// ObsSize returns the flattened feature size of each example.
func (d *Dataset) ObsSize() int { return d.size }

// Label returns the digit label of example i, or -1 when the split
// was loaded without labels.
func (d *Dataset) Label(i int) int8 {
	if d.labels == nil {
		return -1
	}

	return d.labels[i]
}

// Binarize thresholds every pixel to {0, 1} in place. Bernoulli
// observation models expect binarized data.
func (d *Dataset) Binarize(threshold float64) {
	for i, v := range d.images {
		if v > threshold {
			d.images[i] = 1
		} else {
			d.images[i] = 0
		}
	}
}

// Shuffle permutes the examples in place, keeping labels aligned.
func (d *Dataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(d.n, func(i, j int) {
		a, b := d.images[i*d.size:(i+1)*d.size],
			d.images[j*d.size:(j+1)*d.size]
		for k := range a {
			a[k], b[k] = b[k], a[k]
		}

		if d.labels != nil {
			d.labels[i], d.labels[j] = d.labels[j], d.labels[i]
		}
	})
}

// Batch returns examples [start, start+batchSize) as a
// (batchSize, ObsSize) tensor backed by a copy of the data.
func (d *Dataset) Batch(start, batchSize int) (tensor.Tensor, error) {
	if start < 0 || batchSize < 1 || start+batchSize > d.n {
		return nil, errors.Errorf("batch: range [%v, %v) out of %v "+
			"examples", start, start+batchSize, d.n)
	}

	backing := make([]float64, batchSize*d.size)
	copy(backing, d.images[start*d.size:(start+batchSize)*d.size])

	return tensor.New(tensor.WithShape(batchSize, d.size),
		tensor.WithBacking(backing)), nil
}

// Batches returns the number of complete batches of batchSize.
func (d *Dataset) Batches(batchSize int) int { return d.n / batchSize }
