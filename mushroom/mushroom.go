// Package mushroom loads the UCI Mushroom dataset (agaricus-lepiota) and
// derives from it the contextual-bandit environment: every round the agent is
// shown a one-hot encoded mushroom and decides to eat it or not.
//
// All 22 attributes are categorical; contexts are the concatenation of their
// one-hot encodings, with vocabularies built from the data itself (the "?"
// missing marker counts as a category of its own).
package mushroom

import (
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DatasetURL points at the canonical UCI repository copy.
	DatasetURL  = "https://archive.ics.uci.edu/ml/machine-learning-databases/mushroom/agaricus-lepiota.data"
	DatasetFile = "agaricus-lepiota.data"
)

// fieldNames are the CSV columns: the class label followed by the 22
// categorical attributes, in dataset order.
var fieldNames = []string{
	"class",
	"cap-shape", "cap-surface", "cap-color", "bruises", "odor",
	"gill-attachment", "gill-spacing", "gill-size", "gill-color",
	"stalk-shape", "stalk-root",
	"stalk-surface-above-ring", "stalk-surface-below-ring",
	"stalk-color-above-ring", "stalk-color-below-ring",
	"veil-type", "veil-color", "ring-number", "ring-type",
	"spore-print-color", "population", "habitat",
}

// vocabulary maps one attribute's observed values to offsets within its
// one-hot block.
type vocabulary struct {
	name   string
	offset int
	values map[string]int
}

// Data is the decoded dataset: one-hot contexts plus edibility labels.
type Data struct {
	numExamples int
	numFeatures int
	contexts    []float64 // row-major [numExamples, numFeatures]
	edible      []bool
	vocabs      []vocabulary
}

// Load reads and decodes the dataset file at the given path.
func Load(filePath string) (*Data, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read mushroom dataset from %q", filePath)
	}
	return Decode(string(contents))
}

// LoadOrDownload downloads the dataset into dir if missing and decodes it.
func LoadOrDownload(dir string) (*Data, error) {
	dir = data.ReplaceTildeInDir(dir)
	if !data.FileExists(dir) {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, errors.Wrapf(err, "failed to create data directory %q", dir)
		}
	}
	filePath := path.Join(dir, DatasetFile)
	if err := data.DownloadIfMissing(DatasetURL, filePath, ""); err != nil {
		return nil, errors.Wrapf(err, "failed to download mushroom dataset from %q", DatasetURL)
	}
	return Load(filePath)
}

// Decode parses the raw CSV contents.
func Decode(contents string) (*Data, error) {
	df := dataframe.ReadCSV(strings.NewReader(contents),
		dataframe.HasHeader(false),
		dataframe.Names(fieldNames...),
		dataframe.DefaultType(series.String))
	if df.Error() != nil {
		return nil, errors.Wrap(df.Error(), "failed to parse mushroom CSV")
	}
	if df.Ncol() != len(fieldNames) {
		return nil, errors.Errorf("mushroom CSV has %d columns, want %d", df.Ncol(), len(fieldNames))
	}

	d := &Data{numExamples: df.Nrow()}
	if d.numExamples == 0 {
		return nil, errors.New("mushroom CSV has no rows")
	}

	// Edibility labels.
	d.edible = make([]bool, d.numExamples)
	for i, v := range df.Col("class").Records() {
		switch v {
		case "e":
			d.edible[i] = true
		case "p":
			d.edible[i] = false
		default:
			return nil, errors.Errorf("row %d: invalid class %q, want \"e\" or \"p\"", i, v)
		}
	}

	// Per-attribute vocabularies, in sorted value order so the encoding is
	// stable across loads.
	columns := make([][]string, 0, len(fieldNames)-1)
	offset := 0
	for _, name := range fieldNames[1:] {
		records := df.Col(name).Records()
		distinct := make(map[string]int)
		for _, v := range records {
			distinct[v] = 0
		}
		sorted := make([]string, 0, len(distinct))
		for v := range distinct {
			sorted = append(sorted, v)
		}
		sort.Strings(sorted)
		for i, v := range sorted {
			distinct[v] = offset + i
		}
		d.vocabs = append(d.vocabs, vocabulary{name: name, offset: offset, values: distinct})
		offset += len(distinct)
		columns = append(columns, records)
	}
	d.numFeatures = offset

	d.contexts = make([]float64, d.numExamples*d.numFeatures)
	for col, records := range columns {
		vocab := d.vocabs[col]
		for row, v := range records {
			d.contexts[row*d.numFeatures+vocab.values[v]] = 1
		}
	}

	klog.V(1).Infof("mushroom: decoded %d examples, %d one-hot features from %d attributes",
		d.numExamples, d.numFeatures, len(d.vocabs))
	return d, nil
}

// NumExamples returns the number of mushrooms in the dataset.
func (d *Data) NumExamples() int { return d.numExamples }

// NumFeatures returns the width of the one-hot context vectors.
func (d *Data) NumFeatures() int { return d.numFeatures }

// Context returns the one-hot context of example i. The returned slice
// aliases the dataset: treat it as read-only.
func (d *Data) Context(i int) []float64 {
	return d.contexts[i*d.numFeatures : (i+1)*d.numFeatures]
}

// Edible reports whether example i is edible.
func (d *Data) Edible(i int) bool { return d.edible[i] }
