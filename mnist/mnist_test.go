package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGz(t *testing.T, filePath string, write func(w *gzip.Writer)) {
	t.Helper()
	f, err := os.Create(filePath)
	require.NoError(t, err)
	w := gzip.NewWriter(f)
	write(w)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

// writeFakeSplit writes a tiny but well-formed train split into dir.
func writeFakeSplit(t *testing.T, dir string, pixels [][]byte, labels []byte) {
	t.Helper()
	files := partFiles[Train]
	writeGz(t, path.Join(dir, files[0]), func(w *gzip.Writer) {
		header := []int32{imageMagic, int32(len(pixels)), Height, Width}
		require.NoError(t, binary.Write(w, binary.BigEndian, header))
		for _, img := range pixels {
			_, err := w.Write(img)
			require.NoError(t, err)
		}
	})
	writeGz(t, path.Join(dir, files[1]), func(w *gzip.Writer) {
		header := []int32{labelMagic, int32(len(labels))}
		require.NoError(t, binary.Write(w, binary.BigEndian, header))
		_, err := w.Write(labels)
		require.NoError(t, err)
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	img0 := make([]byte, NumPixels)
	img1 := make([]byte, NumPixels)
	img0[0] = 255
	img0[NumPixels-1] = 51
	img1[10] = 128
	writeFakeSplit(t, dir, [][]byte{img0, img1}, []byte{7, 3})

	d, err := Load(dir, Train)
	require.NoError(t, err)
	require.Equal(t, 2, d.NumExamples())

	// Pixels are scaled to [0, 1].
	assert.InDelta(t, 1.0, d.Image(0)[0], 1e-6)
	assert.InDelta(t, 0.2, d.Image(0)[NumPixels-1], 1e-6)
	assert.InDelta(t, 128.0/255.0, d.Image(1)[10], 1e-6)
	assert.Zero(t, d.Image(1)[0])

	assert.Equal(t, int32(7), d.Label(0))
	assert.Equal(t, int32(3), d.Label(1))

	require.NoError(t, d.ImagesTensor().Shape().CheckDims(2, NumPixels))
	require.NoError(t, d.LabelsTensor().Shape().CheckDims(2, 1))
}

func TestLoadRejectsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	files := partFiles[Train]

	// Wrong image magic.
	writeGz(t, path.Join(dir, files[0]), func(w *gzip.Writer) {
		require.NoError(t, binary.Write(w, binary.BigEndian, []int32{0xbad, 1, Height, Width}))
	})
	writeGz(t, path.Join(dir, files[1]), func(w *gzip.Writer) {
		require.NoError(t, binary.Write(w, binary.BigEndian, []int32{labelMagic, 0}))
	})
	_, err := Load(dir, Train)
	require.Error(t, err)

	// Truncated pixel data.
	writeGz(t, path.Join(dir, files[0]), func(w *gzip.Writer) {
		require.NoError(t, binary.Write(w, binary.BigEndian, []int32{imageMagic, 2, Height, Width}))
		_, err := w.Write(make([]byte, NumPixels)) // only one of two images
		require.NoError(t, err)
	})
	_, err = Load(dir, Train)
	require.Error(t, err)

	// Label out of range.
	img := make([]byte, NumPixels)
	writeFakeSplit(t, dir, [][]byte{img}, []byte{10})
	_, err = Load(dir, Train)
	require.Error(t, err)

	// Missing files entirely.
	_, err = Load(t.TempDir(), Train)
	require.Error(t, err)

	_, err = Load(dir, Part("validation"))
	require.Error(t, err)
}

func TestSubset(t *testing.T) {
	dir := t.TempDir()
	imgs := make([][]byte, 4)
	for i := range imgs {
		imgs[i] = make([]byte, NumPixels)
		imgs[i][0] = byte(50 * i)
	}
	writeFakeSplit(t, dir, imgs, []byte{0, 1, 2, 3})

	d, err := Load(dir, Train)
	require.NoError(t, err)

	sub := Subset(d, []int{3, 1})
	require.Equal(t, 2, sub.NumExamples())
	assert.Equal(t, int32(3), sub.Label(0))
	assert.Equal(t, int32(1), sub.Label(1))
	assert.InDelta(t, 150.0/255.0, sub.Image(0)[0], 1e-6)
	assert.InDelta(t, 50.0/255.0, sub.Image(1)[0], 1e-6)
}
