package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/forgis/factorybench/pkg/config"
	"github.com/sirupsen/logrus"
)

const (
	// SourceLocal loads samples from a JSON file.
	SourceLocal = "local"

	// SourceHF loads samples from the Hugging Face hub.
	SourceHF = "hf"

	hubPageSize    = 100
	hubHTTPTimeout = 30 * time.Second
)

// Source describes where to load samples from.
type Source struct {
	DatasetID   string
	Kind        string
	FixturePath string
	HFSlug      string
	Split       string
	Limit       int

	// DeriveStatistics fills missing ground truth from the sample values.
	DeriveStatistics bool
}

// Meta returns the dataset metadata recorded on a run.
func (s *Source) Meta() map[string]any {
	meta := map[string]any{
		"source": s.Kind,
		"split":  s.Split,
		"limit":  s.Limit,
	}

	if s.DatasetID != "" {
		meta["dataset_id"] = s.DatasetID
	}

	if s.FixturePath != "" {
		meta["fixture_path"] = s.FixturePath
	}

	if s.HFSlug != "" {
		meta["hf_slug"] = s.HFSlug
	}

	if s.DeriveStatistics {
		meta["derive_statistics"] = true
	}

	return meta
}

// SourceFromRegistry builds a Source from a registry entry.
func SourceFromRegistry(ds *config.DatasetConfig, limit int) *Source {
	return &Source{
		DatasetID:   ds.ID,
		Kind:        ds.Source,
		FixturePath: ds.FixturePath,
		HFSlug:      ds.HFSlug,
		Split:       ds.Split,
		Limit:       limit,

		DeriveStatistics: ds.DeriveStatistics,
	}
}

// Loader loads sample batches.
type Loader interface {
	Load(ctx context.Context, src *Source) ([]Sample, error)
}

// Compile-time interface check.
var _ Loader = (*loader)(nil)

type loader struct {
	log     logrus.FieldLogger
	hfURL   string
	hfToken string
	client  *http.Client
}

// NewLoader creates a Loader using the Hugging Face settings in cfg.
func NewLoader(log logrus.FieldLogger, cfg *config.HuggingFaceConfig) Loader {
	return &loader{
		log:     log.WithField("component", "dataset"),
		hfURL:   cfg.BaseURL,
		hfToken: cfg.Token,
		client:  &http.Client{Timeout: hubHTTPTimeout},
	}
}

// Load dispatches on the source kind.
func (l *loader) Load(ctx context.Context, src *Source) ([]Sample, error) {
	var (
		samples []Sample
		err     error
	)

	switch src.Kind {
	case SourceLocal, "":
		samples, err = LoadLocal(src.FixturePath, src.Limit)
	case SourceHF:
		samples, err = l.loadHub(ctx, src)
	default:
		return nil, fmt.Errorf("unknown dataset source %q", src.Kind)
	}

	if err != nil {
		return nil, err
	}

	if src.DeriveStatistics {
		FillStatistics(samples)
	}

	l.log.WithFields(logrus.Fields{
		"source":  src.Kind,
		"samples": len(samples),
	}).Debug("Dataset loaded")

	return samples, nil
}

// LoadLocal reads a JSON array of samples from path. A limit of zero or
// less returns every sample.
func LoadLocal(path string, limit int) ([]Sample, error) {
	if path == "" {
		return nil, fmt.Errorf("fixture path is required for local datasets")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", path, err)
	}

	var samples []Sample
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("parsing dataset %s: %w", path, err)
	}

	if limit > 0 && len(samples) > limit {
		samples = samples[:limit]
	}

	return samples, nil
}

type hubRowsResponse struct {
	Rows []struct {
		RowIdx int    `json:"row_idx"`
		Row    Sample `json:"row"`
	} `json:"rows"`
	NumRowsTotal int `json:"num_rows_total"`
}

// loadHub pages through the datasets-server rows endpoint.
func (l *loader) loadHub(ctx context.Context, src *Source) ([]Sample, error) {
	if src.HFSlug == "" {
		return nil, fmt.Errorf("hf_slug is required for hf datasets")
	}

	split := src.Split
	if split == "" {
		split = "train"
	}

	samples := make([]Sample, 0, max(src.Limit, 0))

	for offset := 0; ; {
		length := hubPageSize
		if src.Limit > 0 {
			length = min(length, src.Limit-len(samples))
		}

		page, err := l.fetchRows(ctx, src.HFSlug, split, offset, length)
		if err != nil {
			return nil, err
		}

		for _, r := range page.Rows {
			samples = append(samples, r.Row)
		}

		offset += len(page.Rows)

		if len(page.Rows) == 0 || offset >= page.NumRowsTotal {
			break
		}

		if src.Limit > 0 && len(samples) >= src.Limit {
			break
		}
	}

	return samples, nil
}

func (l *loader) fetchRows(
	ctx context.Context, slug, split string, offset, length int,
) (*hubRowsResponse, error) {
	params := url.Values{
		"dataset": {slug},
		"config":  {"default"},
		"split":   {split},
		"offset":  {strconv.Itoa(offset)},
		"length":  {strconv.Itoa(length)},
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, l.hfURL+"/rows?"+params.Encode(), nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if l.hfToken != "" {
		req.Header.Set("Authorization", "Bearer "+l.hfToken)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching rows: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hugging face hub returned status %d", resp.StatusCode)
	}

	var page hubRowsResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding rows: %w", err)
	}

	return &page, nil
}
