// Package mnist loads the MNIST handwritten-digit dataset as flat feature
// vectors for the Bayes-by-Backprop classifier: images come out as
// [numExamples, 784] float32 tensors scaled to [0, 1], labels as
// [numExamples, 1] int32 class ids.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"net/url"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

const (
	DownloadBaseURL = "https://storage.googleapis.com/cvdf-datasets/mnist"

	Width      = 28
	Height     = 28
	NumPixels  = Width * Height
	NumClasses = 10

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Part selects the train or the test split.
type Part string

const (
	Train Part = "train"
	Test  Part = "test"
)

var partFiles = map[Part][2]string{
	Train: {"train-images-idx3-ubyte.gz", "train-labels-idx1-ubyte.gz"},
	Test:  {"t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz"},
}

// Data holds one decoded split.
type Data struct {
	numExamples int
	images      []float32 // row-major [numExamples, NumPixels], in [0, 1]
	labels      []int32   // [numExamples]
}

// Download fetches the four dataset files into baseDir if missing.
func Download(baseDir string) error {
	baseDir = data.ReplaceTildeInDir(baseDir)
	if !data.FileExists(baseDir) {
		if err := os.MkdirAll(baseDir, 0777); err != nil {
			return errors.Wrapf(err, "failed to create data directory %q", baseDir)
		}
	}
	for _, files := range partFiles {
		for _, file := range files {
			fileURL, err := url.JoinPath(DownloadBaseURL, file)
			if err != nil {
				return errors.Wrapf(err, "invalid URL for %q", file)
			}
			if err := data.DownloadIfMissing(fileURL, path.Join(baseDir, file), ""); err != nil {
				return errors.Wrapf(err, "failed to download %q", fileURL)
			}
		}
	}
	return nil
}

// Load decodes one split from the files under baseDir (see Download).
func Load(baseDir string, part Part) (*Data, error) {
	files, found := partFiles[part]
	if !found {
		return nil, errors.Errorf("unknown part %q, want %q or %q", part, Train, Test)
	}
	baseDir = data.ReplaceTildeInDir(baseDir)
	images, err := loadImages(path.Join(baseDir, files[0]))
	if err != nil {
		return nil, err
	}
	labels, err := loadLabels(path.Join(baseDir, files[1]))
	if err != nil {
		return nil, err
	}
	if len(labels) != len(images)/NumPixels {
		return nil, errors.Errorf("%s: %d images but %d labels", part, len(images)/NumPixels, len(labels))
	}
	d := &Data{numExamples: len(labels), images: images, labels: labels}
	klog.V(1).Infof("mnist: loaded %s split with %d examples", part, d.numExamples)
	return d, nil
}

// NumExamples returns the number of examples of the split.
func (d *Data) NumExamples() int { return d.numExamples }

// ImagesTensor returns all images as one [numExamples, NumPixels] tensor.
func (d *Data) ImagesTensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(d.images, d.numExamples, NumPixels)
}

// LabelsTensor returns all labels as one [numExamples, 1] tensor.
func (d *Data) LabelsTensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(d.labels, d.numExamples, 1)
}

// Image returns the flat pixels of example i, aliasing the split's storage.
func (d *Data) Image(i int) []float32 {
	return d.images[i*NumPixels : (i+1)*NumPixels]
}

// Label returns the class id of example i.
func (d *Data) Label(i int) int32 { return d.labels[i] }

// Dataset wraps the split into an InMemoryDataset ready for train.Loop.
func (d *Data) Dataset(backend backends.Backend, name string) (*data.InMemoryDataset, error) {
	ds, err := data.InMemoryFromData(backend, name,
		[]any{d.ImagesTensor()}, []any{d.LabelsTensor()})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build in-memory dataset %q", name)
	}
	return ds, nil
}

// Subset returns a Data with only the examples at the given indices, e.g. to
// carve a validation split.
func Subset[I constraints.Integer](d *Data, indices []I) *Data {
	sub := &Data{
		numExamples: len(indices),
		images:      make([]float32, 0, len(indices)*NumPixels),
		labels:      make([]int32, 0, len(indices)),
	}
	for _, idx := range indices {
		i := int(idx)
		sub.images = append(sub.images, d.Image(i)...)
		sub.labels = append(sub.labels, d.labels[i])
	}
	return sub
}

func loadImages(filePath string) ([]float32, error) {
	reader, closeAll, err := openGz(filePath)
	if err != nil {
		return nil, err
	}
	defer closeAll()

	var header struct {
		Magic, NumImages, Height, Width int32
	}
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read image header of %q", filePath)
	}
	if header.Magic != imageMagic || header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("%q is not a MNIST image file (magic=%#x, %dx%d)",
			filePath, header.Magic, header.Height, header.Width)
	}

	raw := make([]byte, int(header.NumImages)*NumPixels)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "truncated image data in %q", filePath)
	}
	images := make([]float32, len(raw))
	for i, v := range raw {
		images[i] = float32(v) / 255
	}
	return images, nil
}

func loadLabels(filePath string) ([]int32, error) {
	reader, closeAll, err := openGz(filePath)
	if err != nil {
		return nil, err
	}
	defer closeAll()

	var header struct {
		Magic, NumLabels int32
	}
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read label header of %q", filePath)
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("%q is not a MNIST label file (magic=%#x)", filePath, header.Magic)
	}

	raw := make([]byte, int(header.NumLabels))
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "truncated label data in %q", filePath)
	}
	labels := make([]int32, len(raw))
	for i, v := range raw {
		if v >= NumClasses {
			return nil, errors.Errorf("%q: invalid label %d at position %d", filePath, v, i)
		}
		labels[i] = int32(v)
	}
	return labels, nil
}

func openGz(filePath string) (*gzip.Reader, func(), error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	reader, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "failed to open %q as gzip", filePath)
	}
	closeAll := func() {
		_ = reader.Close()
		_ = f.Close()
	}
	return reader, closeAll, nil
}
