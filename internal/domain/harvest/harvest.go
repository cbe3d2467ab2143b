// Package harvest runs a full download: a bulk group export for the patient
// list, then one paged search per patient and configured resource type.
package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/harvester/internal/config"
	"github.com/ehr/harvester/internal/platform/auth"
	"github.com/ehr/harvester/internal/platform/bulk"
	"github.com/ehr/harvester/internal/platform/fhir"
	"github.com/ehr/harvester/internal/platform/httpclient"
	"github.com/ehr/harvester/internal/platform/ndjson"
	"github.com/ehr/harvester/internal/platform/scheduling"
	"github.com/ehr/harvester/internal/platform/telemetry"
	"github.com/ehr/harvester/pkg/fhirmodels"
)

// Summary reports what a run downloaded.
type Summary struct {
	Counts    map[string]int64
	Resources int64
	Requests  int64
	Failures  int64
	Duration  time.Duration
	// Throughput is in resources per minute.
	Throughput float64
}

// TaskError is a failed per-patient download.
type TaskError struct {
	Query        string
	PatientID    string
	ResourceType string
	Err          error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("downloading %s: %v", e.Query, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Option configures a Harvester.
type Option func(*Harvester)

// WithHTTPClient sets the transport used for token and FHIR requests.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Harvester) { h.httpClient = c }
}

// WithPrompter replaces the interactive retry prompt used when
// manual_retry is enabled.
func WithPrompter(p httpclient.RetryPrompter) Option {
	return func(h *Harvester) { h.prompter = p }
}

// WithProgressInterval sets how often running totals are logged. Zero
// disables periodic progress.
func WithProgressInterval(d time.Duration) Option {
	return func(h *Harvester) { h.progressEvery = d }
}

// Harvester is configured once and may Run several times.
type Harvester struct {
	cfg           *config.Config
	logger        zerolog.Logger
	httpClient    *http.Client
	prompter      httpclient.RetryPrompter
	progressEvery time.Duration
}

// New creates a Harvester.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) *Harvester {
	h := &Harvester{
		cfg:           cfg,
		logger:        logger,
		prompter:      httpclient.NewLinePrompter(os.Stdin, os.Stderr),
		progressEvery: 10 * time.Second,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// run holds the per-run state.
type run struct {
	sink     *ndjson.FileSink
	counters *telemetry.Counters
	reqLog   *telemetry.RequestLog
	errLog   zerolog.Logger
	clients  []*httpclient.Client
}

func (r *run) requests() int64 {
	var n int64
	for _, c := range r.clients {
		n += c.RequestsCount()
	}
	return n
}

// Run performs one harvest. With patientFiles the bulk export is skipped
// and patients are read from those files instead. Failed per-patient
// downloads are written to the error log and counted; they do not fail the
// run.
func (h *Harvester) Run(ctx context.Context, patientFiles []string) (*Summary, error) {
	dest := h.cfg.Destination

	// Read supplied patients first: they may live in the destination.
	var patients []string
	if len(patientFiles) > 0 {
		for _, p := range patientFiles {
			if st, err := os.Stat(p); err != nil || !st.Mode().IsRegular() {
				return nil, fmt.Errorf("patient file %q does not exist", p)
			}
		}
		var err error
		if patients, err = readPatients(patientFiles); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination: %w", err)
	}
	if err := ndjson.Sweep(dest); err != nil {
		return nil, err
	}

	reqFile, err := telemetry.OpenLogFile(dest, telemetry.RequestLogFile)
	if err != nil {
		return nil, err
	}
	defer reqFile.Close()
	errFile, err := telemetry.OpenLogFile(dest, telemetry.ErrorLogFile)
	if err != nil {
		return nil, err
	}
	defer errFile.Close()

	sink, err := ndjson.NewFileSink(dest, h.cfg.MaxFileSize)
	if err != nil {
		return nil, err
	}
	defer sink.Close()

	r := &run{
		sink:     sink,
		counters: telemetry.NewCounters(),
		reqLog:   telemetry.NewRequestLog(reqFile),
		errLog:   telemetry.NewErrorLog(errFile),
	}
	r.counters.Add(fhirmodels.ResourceTypePatient, 0)
	for _, t := range h.cfg.ResourceTypes() {
		r.counters.Add(t, 0)
	}

	fhirClient, err := h.newClient(h.cfg.FHIRClient, r.reqLog)
	if err != nil {
		return nil, fmt.Errorf("fhir client: %w", err)
	}
	r.clients = append(r.clients, fhirClient)

	if patients == nil {
		bulkClient, err := h.newClient(h.cfg.BulkClient, r.reqLog)
		if err != nil {
			return nil, fmt.Errorf("bulk client: %w", err)
		}
		r.clients = append(r.clients, bulkClient)

		files, err := h.exportPatients(ctx, bulkClient, sink)
		if err != nil {
			return nil, err
		}
		if patients, err = readPatients(files); err != nil {
			return nil, err
		}
	}
	r.counters.Add(fhirmodels.ResourceTypePatient, int64(len(patients)))
	h.logger.Info().Int("patients", len(patients)).Int("resource_types", len(h.cfg.Resources)).Msg("downloading patient resources")

	if err := h.downloadResources(ctx, r, fhirClient, patients); err != nil {
		return nil, err
	}

	sum := h.summarize(r)
	h.logger.Info().
		Interface("counts", sum.Counts).
		Int64("resources", sum.Resources).
		Int64("requests", sum.Requests).
		Int64("failures", sum.Failures).
		Dur("duration", sum.Duration).
		Float64("resources_per_minute", sum.Throughput).
		Msg("harvest complete")
	return sum, nil
}

// newClient builds the authorized HTTP client for one server registration.
func (h *Harvester) newClient(cc config.ClientConfig, observer telemetry.Observer) (*httpclient.Client, error) {
	creds, err := cc.Credentials()
	if err != nil {
		return nil, err
	}
	opts := []auth.Option{auth.WithObserver(observer)}
	if h.httpClient != nil {
		opts = append(opts, auth.WithHTTPClient(h.httpClient))
	}
	tm := auth.NewTokenManager(cc.ClientID, cc.TokenEndpoint, creds, h.cfg.ResourceTypes(), opts...)

	var prompter httpclient.RetryPrompter
	if h.cfg.ManualRetry {
		prompter = h.prompter
	}
	return httpclient.New(httpclient.Config{
		BaseURL:    cc.BaseURL,
		Authorizer: tm,
		Retry:      h.cfg.RetryPolicy(),
		Timeout:    h.cfg.RequestTimeout,
		Prompter:   prompter,
		Observer:   observer,
		HTTPClient: h.httpClient,
	})
}

// exportPatients runs the group export, saves its manifest and downloads
// the output. It returns the patient files in rotation order.
func (h *Harvester) exportPatients(ctx context.Context, client *httpclient.Client, sink *ndjson.FileSink) ([]string, error) {
	bc := bulk.NewClient(client, bulk.Config{
		GroupID:         h.cfg.GroupID,
		PollInterval:    h.cfg.PollInterval,
		MinPollInterval: h.cfg.MinPollInterval,
		MaxPollInterval: h.cfg.MaxPollInterval,
	})

	h.logger.Info().Str("group_id", h.cfg.GroupID).Msg("exporting patients")
	job, err := bc.Run(ctx, func(p bulk.Progress) {
		h.logger.Info().
			Str("status", p.Message).
			Int("poll", p.Poll).
			Dur("next_poll", p.Delay).
			Msg("waiting for patients export")
	})
	if err != nil {
		return nil, fmt.Errorf("patient export (%s): %w", job.State, err)
	}

	data, err := json.MarshalIndent(job.Manifest, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sink.Dir(), ndjson.ManifestFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	h.logger.Info().Int("files", len(job.Manifest.Output)).Msg("downloading patients")
	counts, err := bc.Download(ctx, job.Manifest, sink)
	if err != nil {
		return nil, err
	}
	h.logger.Info().Interface("counts", counts).Msg("export downloaded")

	return ndjson.Files(sink.Dir(), fhirmodels.ResourceTypePatient)
}

// downloadResources schedules one task per patient and resource type and
// waits for all of them.
func (h *Harvester) downloadResources(ctx context.Context, r *run, client *httpclient.Client, patients []string) error {
	fetcher := fhir.NewFetcher(client, h.cfg.Throttle)
	sched := scheduling.New(h.cfg.Parallel,
		scheduling.WithContext(ctx),
		scheduling.WithErrorHandler(func(err error) {
			r.counters.Fail()
			logFailure(r.errLog, err)
		}),
	)

	tasks := make([]scheduling.Task, 0, len(patients)*len(h.cfg.Resources))
	for _, id := range patients {
		for _, rq := range h.cfg.Resources {
			tasks = append(tasks, h.task(fetcher, r, rq, id))
		}
	}

	stop := h.reportProgress(r)
	defer stop()

	// Task failures are already in the error log. On cancellation the
	// running tasks still drain before the sink is closed.
	handle := sched.Add(tasks...)
	if err := handle.WaitContext(ctx); err != nil && ctx.Err() != nil {
		<-handle.Done()
		return ctx.Err()
	}
	return nil
}

func (h *Harvester) task(fetcher *fhir.Fetcher, r *run, rq config.ResourceQuery, patientID string) scheduling.Task {
	query := rq.Build(url.QueryEscape(patientID))
	return func(ctx context.Context) error {
		err := fetcher.VisitAll(ctx, query, rq.Type, func(_ context.Context, res fhir.Resource) error {
			if err := r.sink.Append(res.ResourceType, res.Raw); err != nil {
				return err
			}
			r.counters.Inc(res.ResourceType)
			return nil
		})
		if err != nil {
			return &TaskError{Query: query, PatientID: patientID, ResourceType: rq.Type, Err: err}
		}
		return nil
	}
}

// reportProgress logs running totals until the returned func is called.
func (h *Harvester) reportProgress(r *run) (stop func()) {
	if h.progressEvery <= 0 {
		return func() {}
	}
	done, exited := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(h.progressEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				h.logger.Info().
					Interface("counts", r.counters.Snapshot()).
					Int64("requests", r.requests()).
					Int64("failures", r.counters.Failures()).
					Dur("elapsed", r.counters.Elapsed()).
					Msg("progress")
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (h *Harvester) summarize(r *run) *Summary {
	r.counters.SetRequests(r.requests())
	total := r.counters.Total()
	elapsed := r.counters.Elapsed()
	return &Summary{
		Counts:     r.counters.Snapshot(),
		Resources:  total,
		Requests:   r.counters.Requests(),
		Failures:   r.counters.Failures(),
		Duration:   elapsed,
		Throughput: telemetry.Throughput(total, elapsed),
	}
}

// logFailure writes one error log event with whatever detail err carries.
func logFailure(log zerolog.Logger, err error) {
	evt := log.Error().Err(err)

	var te *TaskError
	if errors.As(err, &te) {
		evt = evt.Str("query", te.Query).Str("patient_id", te.PatientID).Str("resource_type", te.ResourceType)
	}
	var pe *fhir.ProtocolError
	if errors.As(err, &pe) {
		evt = evt.Str("url", pe.URL).Str("expected", pe.Expected).Str("actual", pe.Actual).Str("payload", pe.Body)
	}
	var re *httpclient.RequestError
	if errors.As(err, &re) {
		evt = evt.Str("url", re.URL).Int("status", re.Status).Str("body", re.Body)
	}
	var panicErr *scheduling.PanicError
	if errors.As(err, &panicErr) {
		evt = evt.Str("stack", panicErr.Stack)
	}
	evt.Msg("resource download failed")
}

// readPatients returns the ids of every Patient in files. Any other
// resource type is an error.
func readPatients(files []string) ([]string, error) {
	ids := []string{}
	for _, path := range files {
		err := ndjson.FileEntries(path, func(line int, item json.RawMessage) error {
			var p struct {
				ResourceType string `json:"resourceType"`
				ID           string `json:"id"`
			}
			if err := json.Unmarshal(item, &p); err != nil {
				return err
			}
			if p.ResourceType != fhirmodels.ResourceTypePatient || p.ID == "" {
				return fmt.Errorf("%s line %d: a non-patient entry found in the Patient ndjson file: %s", path, line, fhir.Excerpt(string(item)))
			}
			ids = append(ids, p.ID)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}
