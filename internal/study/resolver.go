// Package study resolves imaging-study metadata through the Orthanc proxy.
package study

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

// ErrStudyNotFound is returned when the proxy has no record of the study.
var ErrStudyNotFound = errors.New("study not found")

// Hints are caller-supplied values used when the study cannot be resolved.
type Hints struct {
	Modality string
	BodyPart string
}

// Resolver looks up study metadata. Resolve always returns usable details;
// a non-nil error means the details are the fallback built from hints.
type Resolver interface {
	Resolve(ctx context.Context, studyID string, hints Hints) (models.StudyDetails, error)
}

// OrthancResolver implements Resolver against the Orthanc REST proxy.
type OrthancResolver struct {
	baseURL       string
	client        *http.Client
	studyTimeout  time.Duration
	seriesTimeout time.Duration
	maxSeries     int
	logger        *slog.Logger
}

// Options configures an OrthancResolver. Zero values select the defaults.
type Options struct {
	StudyTimeout  time.Duration
	SeriesTimeout time.Duration
	MaxSeries     int
	Logger        *slog.Logger
}

// NewOrthancResolver creates a resolver rooted at baseURL (e.g. https://host/proxy/orthanc).
func NewOrthancResolver(baseURL string, opts Options) *OrthancResolver {
	if opts.StudyTimeout <= 0 {
		opts.StudyTimeout = 5 * time.Second
	}
	if opts.SeriesTimeout <= 0 {
		opts.SeriesTimeout = 3 * time.Second
	}
	if opts.MaxSeries <= 0 {
		opts.MaxSeries = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &OrthancResolver{
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        &http.Client{},
		studyTimeout:  opts.StudyTimeout,
		seriesTimeout: opts.SeriesTimeout,
		maxSeries:     opts.MaxSeries,
		logger:        opts.Logger,
	}
}

type orthancStudy struct {
	ID                   string             `json:"ID"`
	PatientMainDicomTags models.PatientTags `json:"PatientMainDicomTags"`
}

type orthancSeries struct {
	ID            string `json:"ID"`
	MainDicomTags struct {
		Modality         string `json:"Modality"`
		BodyPartExamined string `json:"BodyPartExamined"`
	} `json:"MainDicomTags"`
}

// Resolve fetches the study, then up to maxSeries series concurrently.
// A failed series lookup degrades to UNKNOWN for that series only.
func (r *OrthancResolver) Resolve(ctx context.Context, studyID string, hints Hints) (models.StudyDetails, error) {
	details, err := r.resolve(ctx, studyID)
	if err != nil {
		r.logger.Warn("study lookup failed, using fallback", "study_id", studyID, "error", err)
		return Fallback(studyID, hints), err
	}
	return details, nil
}

func (r *OrthancResolver) resolve(ctx context.Context, studyID string) (models.StudyDetails, error) {
	escaped := url.PathEscape(studyID)

	var st orthancStudy
	if err := r.getJSON(ctx, r.studyTimeout, "/studies/"+escaped, &st); err != nil {
		return models.StudyDetails{}, fmt.Errorf("fetching study: %w", err)
	}

	var series []orthancSeries
	if err := r.getJSON(ctx, r.studyTimeout, "/studies/"+escaped+"/series", &series); err != nil {
		return models.StudyDetails{}, fmt.Errorf("listing series: %w", err)
	}
	if len(series) > r.maxSeries {
		series = series[:r.maxSeries]
	}

	summaries := make([]models.SeriesSummary, len(series))
	var g errgroup.Group
	g.SetLimit(r.maxSeries)
	for i, s := range series {
		g.Go(func() error {
			// seriesSummary degrades a failed lookup to UNKNOWN; it never errors.
			summaries[i] = r.seriesSummary(ctx, s.ID)
			return nil
		})
	}
	_ = g.Wait()

	return models.StudyDetails{
		StudyID: studyID,
		Patient: st.PatientMainDicomTags,
		Series:  summaries,
	}, nil
}

func (r *OrthancResolver) seriesSummary(ctx context.Context, seriesID string) models.SeriesSummary {
	summary := models.SeriesSummary{ID: seriesID, Modality: models.UnknownTag, BodyPartExamined: models.UnknownTag}

	var s orthancSeries
	if err := r.getJSON(ctx, r.seriesTimeout, "/series/"+url.PathEscape(seriesID), &s); err != nil {
		r.logger.Debug("series lookup failed", "series_id", seriesID, "error", err)
		return summary
	}
	if s.MainDicomTags.Modality != "" {
		summary.Modality = s.MainDicomTags.Modality
	}
	if s.MainDicomTags.BodyPartExamined != "" {
		summary.BodyPartExamined = s.MainDicomTags.BodyPartExamined
	}
	return summary
}

func (r *OrthancResolver) getJSON(ctx context.Context, timeout time.Duration, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrStudyNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Fallback builds the details reported when a study cannot be resolved:
// empty patient tags and one series carrying the hints, or UNKNOWN.
func Fallback(studyID string, hints Hints) models.StudyDetails {
	modality, bodyPart := hints.Modality, hints.BodyPart
	if modality == "" {
		modality = models.UnknownTag
	}
	if bodyPart == "" {
		bodyPart = models.UnknownTag
	}
	return models.StudyDetails{
		StudyID: studyID,
		Series:  []models.SeriesSummary{{Modality: modality, BodyPartExamined: bodyPart}},
	}
}

// Compile-time check that OrthancResolver implements Resolver.
var _ Resolver = (*OrthancResolver)(nil)
