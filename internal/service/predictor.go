package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/crowdsense/crowdsense-go/internal/config"
	"github.com/crowdsense/crowdsense-go/internal/domain"
	"github.com/crowdsense/crowdsense-go/internal/infra/cache"
	"github.com/crowdsense/crowdsense-go/internal/infra/keypool"
	"github.com/crowdsense/crowdsense-go/internal/infra/observability"
	"github.com/crowdsense/crowdsense-go/internal/infra/ratelimit"
	"github.com/crowdsense/crowdsense-go/internal/port"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("service")

const (
	// emergencyThreshold is how many consecutive full-chain failures
	// flip the orchestrator into emergency mode.
	emergencyThreshold = 5

	// emergencyProbeInterval paces recovery attempts while in emergency
	// mode: one request per interval is allowed to reach the network, so
	// an upstream success can clear the flag.
	emergencyProbeInterval = 30 * time.Second

	// emergencyCacheFactor stretches cache tier expirations while in
	// emergency mode.
	emergencyCacheFactor = 2.0
)

// batchAwaiter is the slice of the batch coordinator the predictor uses.
type batchAwaiter interface {
	Enqueue(req *domain.AnalysisRequest) string
	Await(ctx context.Context, id string, timeout time.Duration) (*domain.AnalysisResult, error)
	Stats() domain.BatchStats
}

// resolverFunc is one link of the mitigation chain. It reports whether it
// produced a result; the chain stops at the first link that does.
type resolverFunc func(ctx context.Context, req *domain.AnalysisRequest, fp string) (*domain.AnalysisResult, bool)

// Predictor is the mitigation orchestrator: it runs every analysis request
// through the cache, the protected upstream path and the fallback estimator,
// and always produces a result.
type Predictor struct {
	cfg       *config.Config
	vision    port.VisionAnalyzer
	places    port.PlacesFetcher
	estimator port.Estimator
	cache     *cache.MultiLevel[*domain.AnalysisResult]
	rotator   *keypool.Rotator
	tracker   *ratelimit.Tracker
	visionCB  *gobreaker.CircuitBreaker
	placesCB  *gobreaker.CircuitBreaker
	metrics   *observability.Metrics
	logger    *zap.Logger

	batcher  batchAwaiter         // nil when batching is disabled
	archiver port.HistoryArchiver // nil when no archive backend is configured
	chain    []resolverFunc
	group    singleflight.Group
	now      func() time.Time

	mu               sync.Mutex
	consecutiveFails int
	emergency        bool
	lastProbe        time.Time
}

// NewPredictor wires the orchestrator. The batch coordinator is attached
// afterwards via SetBatcher because its flush func calls back into the
// predictor.
func NewPredictor(
	cfg *config.Config,
	vision port.VisionAnalyzer,
	places port.PlacesFetcher,
	estimator port.Estimator,
	resultCache *cache.MultiLevel[*domain.AnalysisResult],
	rotator *keypool.Rotator,
	tracker *ratelimit.Tracker,
	visionCB, placesCB *gobreaker.CircuitBreaker,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Predictor {
	p := &Predictor{
		cfg:       cfg,
		vision:    vision,
		places:    places,
		estimator: estimator,
		cache:     resultCache,
		rotator:   rotator,
		tracker:   tracker,
		visionCB:  visionCB,
		placesCB:  placesCB,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
	p.chain = []resolverFunc{p.fromCache, p.fromUpstream, p.fromFallback}
	return p
}

// SetBatcher attaches the batch coordinator. Must be called before the
// first Resolve when batching is enabled.
func (p *Predictor) SetBatcher(b batchAwaiter) {
	p.batcher = b
}

// SetArchiver attaches the optional history archive backend.
func (p *Predictor) SetArchiver(a port.HistoryArchiver) {
	p.archiver = a
}

// WithClock overrides the time source for tests.
func (p *Predictor) WithClock(now func() time.Time) *Predictor {
	p.now = now
	return p
}

// Resolve runs the request through the mitigation chain. It never returns
// an error: the last link of the chain cannot fail. Concurrent requests
// with the same fingerprint are coalesced into one pass through the chain.
func (p *Predictor) Resolve(ctx context.Context, req *domain.AnalysisRequest) *domain.AnalysisResult {
	ctx, span := tracer.Start(ctx, "predictor.resolve")
	defer span.End()

	start := p.now()
	fp := req.Fingerprint()

	v, _, shared := p.group.Do(fp, func() (interface{}, error) {
		for _, link := range p.chain {
			if res, ok := link(ctx, req, fp); ok {
				return res, nil
			}
		}
		// Unreachable: fromFallback always produces.
		return p.estimator.Estimate(ctx, req), nil
	})

	res := v.(*domain.AnalysisResult)
	if shared {
		// Coalesced callers share the value; don't mutate it twice.
		clone := *res
		res = &clone
	}
	res.ResponseTime = p.now().Sub(start)

	p.metrics.RecordResolve(string(res.Source), res.ResponseTime)
	return res
}

// fromCache serves the request from the multi-level cache. Emergency mode
// relaxes tier expirations.
func (p *Predictor) fromCache(_ context.Context, _ *domain.AnalysisRequest, fp string) (*domain.AnalysisResult, bool) {
	var (
		cached *domain.AnalysisResult
		tier   cache.Tier
		ok     bool
	)
	if p.emergencyActive() {
		cached, tier, ok = p.cache.GetRelaxed(fp, emergencyCacheFactor)
	} else {
		cached, tier, ok = p.cache.Get(fp)
	}
	if !ok {
		p.metrics.IncrCacheMiss()
		return nil, false
	}

	p.metrics.IncrCacheHit(tier.String())
	confidence, quality := tierTrust(tier)
	// The tier only caps trust: a seeded fallback value keeps its own
	// lower confidence even when served from the fresh tier.
	if cached.ConfidenceLevel != "" && confidenceRank(cached.ConfidenceLevel) < confidenceRank(confidence) {
		confidence = cached.ConfidenceLevel
	}
	if cached.DataQuality != "" && qualityRank(cached.DataQuality) < qualityRank(quality) {
		quality = cached.DataQuality
	}
	return &domain.AnalysisResult{
		PeopleCount:     cached.PeopleCount,
		ConfidenceLevel: confidence,
		Source:          domain.SourceCache,
		DataQuality:     quality,
		Timestamp:       p.now(),
	}, true
}

// fromUpstream attempts the protected network path: circuit breaker, key
// selection, quota accounting, then a batched or direct vision call.
func (p *Predictor) fromUpstream(ctx context.Context, req *domain.AnalysisRequest, fp string) (*domain.AnalysisResult, bool) {
	if !p.networkAllowed() {
		return nil, false
	}
	if p.visionCB.State() == gobreaker.StateOpen {
		p.recordChainFailure("vision circuit open")
		return nil, false
	}

	if p.batcher != nil {
		return p.viaBatch(ctx, req)
	}

	count, err := p.CallVision(ctx, req.ImageData, req.Prompt)
	if err != nil {
		p.recordChainFailure(err.Error())
		return nil, false
	}

	p.noteUpstreamSuccess()
	res := &domain.AnalysisResult{
		PeopleCount:     count,
		ConfidenceLevel: domain.ConfidenceHigh,
		Source:          domain.SourceAPI,
		DataQuality:     domain.QualityExcellent,
		Timestamp:       p.now(),
	}
	p.cache.Put(fp, res)
	p.archive(res)
	return res, true
}

// viaBatch routes the request through the batch coordinator and classifies
// the outcome: only a genuine upstream answer counts as a success for the
// emergency counter.
func (p *Predictor) viaBatch(ctx context.Context, req *domain.AnalysisRequest) (*domain.AnalysisResult, bool) {
	id := p.batcher.Enqueue(req)
	res, err := p.batcher.Await(ctx, id, p.cfg.BatchTimeout+p.cfg.HTTPTimeout)
	if err != nil {
		p.recordChainFailure(err.Error())
		return nil, false
	}

	if res.Source == domain.SourceAPI {
		p.noteUpstreamSuccess()
		p.cache.Put(req.Fingerprint(), res)
		p.archive(res)
	} else {
		// The window failed and the coordinator already resolved the
		// member via the estimator.
		p.recordChainFailure("batch window fell back")
	}
	return res, true
}

// fromFallback closes the chain: the estimator never fails. Its result
// seeds the fresh tier so an immediate retry is served from cache.
func (p *Predictor) fromFallback(ctx context.Context, req *domain.AnalysisRequest, fp string) (*domain.AnalysisResult, bool) {
	res := p.estimator.Estimate(ctx, req)
	p.cache.Seed(fp, res)
	return res, true
}

// CallVision performs one guarded direct vision call: key selection, quota
// accounting, the wire exchange, and key-health reporting.
func (p *Predictor) CallVision(ctx context.Context, imageData, prompt string) (int, error) {
	key, err := p.rotator.Select("vision")
	if err != nil {
		return 0, err
	}
	p.tracker.Record(key.ID)

	count, err := p.vision.CountPeople(ctx, key.Credential, imageData, prompt)
	if err != nil {
		p.reportVisionFailure(key.ID, err)
		return 0, err
	}
	p.rotator.ReportSuccess(key.ID)
	return count, nil
}

// FlushVision is the batch coordinator's flush func: one combined call
// under the same key and quota discipline as CallVision.
func (p *Predictor) FlushVision(ctx context.Context, fragments []string) ([]int, error) {
	if p.visionCB.State() == gobreaker.StateOpen {
		return nil, &domain.ErrCircuitOpen{Service: "vision"}
	}

	key, err := p.rotator.Select("vision")
	if err != nil {
		return nil, err
	}
	p.tracker.Record(key.ID)

	counts, err := p.vision.AnalyzeBatch(ctx, key.Credential, fragments)
	if err != nil {
		p.reportVisionFailure(key.ID, err)
		return nil, err
	}
	p.rotator.ReportSuccess(key.ID)
	p.noteUpstreamSuccess()
	return counts, nil
}

func (p *Predictor) reportVisionFailure(keyID string, err error) {
	p.metrics.IncrUpstreamError("vision")

	var rl *domain.ErrRateLimited
	if errors.As(err, &rl) {
		p.rotator.ReportRateLimited(keyID)
		p.metrics.IncrRateLimited("vision")
		p.metrics.IncrKeyBlacklisted("vision")
		p.logger.Warn("vision key blacklisted after rate limit",
			zap.String("key_id", keyID))
	}
}

// GetCrowdDensity builds the combined crowd report for a location: the most
// recent vision analysis and the places crowd factor, fetched in parallel
// and merged with confidence weighting.
func (p *Predictor) GetCrowdDensity(ctx context.Context, lat, lng float64) *domain.CrowdReport {
	ctx, span := tracer.Start(ctx, "predictor.crowd_density")
	defer span.End()

	var (
		video     *domain.AnalysisResult
		placesRes *domain.PlacesResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		video = p.latestVision(gctx)
		return nil
	})
	g.Go(func() error {
		placesRes = p.crowdFactor(gctx, lat, lng)
		return nil
	})
	_ = g.Wait() // both branches degrade instead of erroring

	return p.combine(video, placesRes)
}

// latestVision reuses the newest analysis when one is fresh enough,
// otherwise falls back through the estimator.
func (p *Predictor) latestVision(ctx context.Context) *domain.AnalysisResult {
	if cached, age, ok := p.cache.Newest(); ok && age <= p.cfg.CacheFreshTTL {
		out := *cached
		out.Source = domain.SourceCache
		return &out
	}
	return p.estimator.Estimate(ctx, &domain.AnalysisRequest{})
}

// crowdFactor runs the places chain: breaker, key selection, quota, call,
// then the location fallback. Like Resolve it cannot fail.
func (p *Predictor) crowdFactor(ctx context.Context, lat, lng float64) *domain.PlacesResult {
	if p.networkAllowed() && p.placesCB.State() != gobreaker.StateOpen {
		if key, err := p.rotator.Select("places"); err == nil {
			p.tracker.Record(key.ID)
			res, err := p.places.CrowdFactor(ctx, key.Credential, lat, lng)
			if err == nil {
				p.rotator.ReportSuccess(key.ID)
				p.noteUpstreamSuccess()
				return res
			}

			p.metrics.IncrUpstreamError("places")
			var rl *domain.ErrRateLimited
			if errors.As(err, &rl) {
				p.rotator.ReportRateLimited(key.ID)
				p.metrics.IncrRateLimited("places")
				p.metrics.IncrKeyBlacklisted("places")
			}
		}
	}
	return p.estimator.EstimatePlaces(lat, lng)
}

// combine merges the two branches into one report. Each branch contributes
// proportionally to the trust of its source.
func (p *Predictor) combine(video *domain.AnalysisResult, places *domain.PlacesResult) *domain.CrowdReport {
	visionScore := math.Min(float64(video.PeopleCount)*3.0, 100)
	wv := domain.ConfidenceWeight(video.Source)
	wp := domain.ConfidenceWeight(places.Source)
	score := (visionScore*wv + places.CrowdFactor*wp) / (wv + wp)

	level, alert := domain.CrowdLevelFor(score)

	confidence := domain.ConfidenceLow
	switch {
	case wv >= 0.8 && wp >= 0.8:
		confidence = domain.ConfidenceHigh
	case wv >= 0.7 || wp >= 0.7:
		confidence = domain.ConfidenceMedium
	}

	method := strings.Join([]string{
		"video:" + string(video.Source),
		"places:" + string(places.Source),
	}, "+")

	return &domain.CrowdReport{
		CrowdLevel:      level,
		PeopleCount:     video.PeopleCount,
		DensityScore:    math.Round(score*10) / 10,
		AlertStatus:     alert,
		ConfidenceLevel: confidence,
		DataQuality:     video.DataQuality,
		AnalysisMethod:  method,
		Video:           video,
		Places:          places,
		Timestamp:       p.now(),
	}
}

// archive persists a result in the background. Best-effort: the caller
// already has its answer, a failed write is only logged.
func (p *Predictor) archive(res *domain.AnalysisResult) {
	if p.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.archiver.SaveAnalysis(ctx, res); err != nil {
			p.logger.Warn("failed to archive analysis", zap.Error(err))
		}
	}()
}

// History returns recent archived analyses. Without an archive backend the
// endpoint answers not-found.
func (p *Predictor) History(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	if p.archiver == nil {
		return nil, &domain.ErrNotFound{Resource: "analysis history", ID: "archive disabled"}
	}
	return p.archiver.RecentAnalyses(ctx, limit)
}

// Status is the operator snapshot for the status endpoint.
func (p *Predictor) Status() *domain.ResilienceStatus {
	p.mu.Lock()
	emergency := p.emergency
	fails := p.consecutiveFails
	p.mu.Unlock()

	var stats domain.BatchStats
	if p.batcher != nil {
		stats = p.batcher.Stats()
	}

	return &domain.ResilienceStatus{
		EmergencyMode: emergency,
		CircuitStates: map[string]string{
			"vision": p.visionCB.State().String(),
			"places": p.placesCB.State().String(),
		},
		BlacklistedKeys:  p.rotator.Blacklisted(),
		BatchStats:       stats,
		ConsecutiveFails: fails,
	}
}

func (p *Predictor) emergencyActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emergency
}

// networkAllowed gates the upstream path. Emergency mode skips the network
// except for one paced probe per interval.
func (p *Predictor) networkAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.emergency {
		return true
	}
	now := p.now()
	if now.Sub(p.lastProbe) >= emergencyProbeInterval {
		p.lastProbe = now
		return true
	}
	return false
}

func (p *Predictor) recordChainFailure(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveFails++
	if p.consecutiveFails >= emergencyThreshold && !p.emergency {
		p.emergency = true
		p.lastProbe = p.now()
		p.metrics.IncrEmergencyActivation()
		p.logger.Error("emergency mode activated",
			zap.Int("consecutive_failures", p.consecutiveFails),
			zap.String("last_failure", reason),
		)
	} else {
		p.logger.Warn("upstream chain failure",
			zap.Int("consecutive_failures", p.consecutiveFails),
			zap.String("reason", reason),
		)
	}
}

func (p *Predictor) noteUpstreamSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.emergency {
		p.logger.Info("emergency mode cleared after upstream success")
	}
	p.emergency = false
	p.consecutiveFails = 0
}

// tierTrust maps the cache tier that served a hit to the confidence and
// quality reported to the caller.
func tierTrust(t cache.Tier) (confidence string, quality domain.DataQuality) {
	switch t {
	case cache.TierFresh:
		return domain.ConfidenceHigh, domain.QualityExcellent
	case cache.TierMedium:
		return domain.ConfidenceMedium, domain.QualityGood
	default:
		return domain.ConfidenceLow, domain.QualityFair
	}
}

func confidenceRank(c string) int {
	switch c {
	case domain.ConfidenceHigh:
		return 2
	case domain.ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

func qualityRank(q domain.DataQuality) int {
	switch q {
	case domain.QualityExcellent:
		return 3
	case domain.QualityGood:
		return 2
	case domain.QualityFair:
		return 1
	default:
		return 0
	}
}
