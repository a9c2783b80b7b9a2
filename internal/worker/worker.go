// Package worker is the composition root: it constructs every client from
// configuration, wires the pipeline stages together and registers them with
// the task supervisor. Clients are built here and passed down; nothing in
// the pipeline owns a global connection.
package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ilyasni/telegram-assistant/internal/album"
	"github.com/ilyasni/telegram-assistant/internal/breaker"
	"github.com/ilyasni/telegram-assistant/internal/bus"
	"github.com/ilyasni/telegram-assistant/internal/config"
	"github.com/ilyasni/telegram-assistant/internal/crawl"
	"github.com/ilyasni/telegram-assistant/internal/enrich"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faststore"
	"github.com/ilyasni/telegram-assistant/internal/httpapi"
	"github.com/ilyasni/telegram-assistant/internal/index"
	"github.com/ilyasni/telegram-assistant/internal/ingest"
	"github.com/ilyasni/telegram-assistant/internal/media"
	"github.com/ilyasni/telegram-assistant/internal/objectstore"
	"github.com/ilyasni/telegram-assistant/internal/store"
	"github.com/ilyasni/telegram-assistant/internal/supervisor"
	"github.com/ilyasni/telegram-assistant/internal/tagging"
	"github.com/ilyasni/telegram-assistant/internal/tasks"
	"github.com/ilyasni/telegram-assistant/internal/vision"
)

// Worker owns the clients and the supervisor.
type Worker struct {
	cfg  config.Config
	pool *pgxpool.Pool
	rdb  *redis.Client
	sup  *supervisor.Supervisor

	vectors *index.VectorStore
	graph   *index.GraphStore
}

// New builds every client and wires the full pipeline.
func New(ctx context.Context, cfg config.Config) (*Worker, error) {
	pool, err := store.OpenPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	objStore, err := objectstore.NewS3Store(ctx, cfg.S3)
	if err != nil {
		pool.Close()
		return nil, err
	}

	vectors, err := index.NewVectorStore(cfg.Qdrant)
	if err != nil {
		pool.Close()
		return nil, err
	}
	graph, err := index.NewGraphStore(ctx, cfg.Neo4j)
	if err != nil {
		pool.Close()
		vectors.Close()
		return nil, err
	}

	w := &Worker{cfg: cfg, pool: pool, rdb: rdb, sup: supervisor.New(), vectors: vectors, graph: graph}
	w.wire(objStore)
	return w, nil
}

func (w *Worker) wire(objStore objectstore.ObjectStore) {
	cfg := w.cfg
	b := bus.New(w.rdb)

	// shared stores
	usage := faststore.NewUsage(w.rdb)
	cas := media.NewCAS(objStore, usage, cfg.Storage.QuotaGBPerTenant)
	resolver := store.NewTenantResolver(w.pool)
	outbox := store.NewOutbox(w.pool)
	enrichments := store.NewEnrichments(w.pool)
	posts := store.NewPosts(w.pool)
	ops := store.NewOps(w.pool)
	saver := store.NewIngest(w.pool, resolver, outbox)
	albumStates := faststore.NewAlbumStates(w.rdb, cfg.AssemblyTTL())
	handledKeys := faststore.NewDedupe(w.rdb, "bus:handled", 7*24*time.Hour)

	// stages
	ingestConsumer := ingest.NewConsumer(saver)
	dispatcher := ingest.NewDispatcher(posts, b)

	visionBudget := faststore.NewDailyBudget(w.rdb, "budget:vision", cfg.VisionPolicy.MaxDailyTokens)
	visionBreaker := breaker.New("vision",
		cfg.CircuitBreaker.FailureThreshold,
		time.Duration(cfg.CircuitBreaker.RecoverySeconds)*time.Second)
	analyzer := vision.NewAnalyzer(cfg.VisionPolicy, cas, visionBudget,
		vision.NewOpenAIProvider(cfg.Vision), vision.NewOCRProvider(cfg.OCR),
		visionBreaker, enrichments, posts, b)

	assembler := album.NewAssembler(albumStates, posts, cas, b, cfg.VisionPolicy.CacheSchemaVersion)

	crawlSeen := faststore.NewDedupe(w.rdb, "crawl:seen",
		time.Duration(cfg.Crawl.SeenTTLDays)*24*time.Hour)
	crawlTenantBudget := faststore.NewDailyBudget(w.rdb, "crawl:budget:tenant",
		int64(cfg.Crawl.RateLimits.TenantPerDay))
	crawlDomainBudget := faststore.NewHourlyBudget(w.rdb, "crawl:budget:domain",
		int64(cfg.Crawl.RateLimits.DomainPerHour))
	crawler := crawl.NewEnricher(cfg.Crawl, crawlSeen, crawlTenantBudget,
		crawlDomainBudget, cas, enrichments, posts, b)

	tagProvider := tagging.NewOpenAIProvider(cfg.Tagging)
	tagger := tagging.NewTagger(tagProvider, enrichments, resolver, b)
	retagger := tagging.NewRetagger(tagProvider, enrichments, posts, b)

	joiner := enrich.NewJoiner(enrichments, posts, resolver, b)
	indexer := index.NewIndexer(index.NewOpenAIEmbedder(cfg.Embeddings),
		w.vectors, w.graph, posts, b)

	consumerName := func(task string) string {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		return host + "-" + task
	}
	register := func(task, stream, group string, h bus.Handler) {
		opts := bus.ConsumerOptions{
			Group:         group,
			Consumer:      consumerName(task),
			ClaimMinIdle:  w.cfg.ClaimMinIdle(),
			MaxDeliveries: int64(cfg.Bus.MaxDeliveries),
			Block:         time.Duration(cfg.Bus.BlockSeconds) * time.Second,
			BufferSize:    cfg.Bus.BufferSize,
		}
		consumer := b.NewConsumer(stream, opts, withIdempotency(handledKeys, group, h))
		w.sup.Register(task, consumer.Run, supervisor.DefaultRestartPolicy())
	}

	register("ingest", ingest.StreamBatches, "ingest", ingestConsumer.Handle)
	register("vision-dispatch", events.StreamPostsParsed, "vision-dispatch", dispatcher.Handle)
	register("tagger", events.StreamPostsParsed, "tagger", tagger.Handle)
	register("crawler-parsed", events.StreamPostsParsed, "crawler", crawler.HandlePostParsed)
	register("vision", events.StreamVisionUploaded, "vision", analyzer.Handle)
	register("retagger", events.StreamVisionAnalyzed, "retagger", retagger.Handle)
	register("album-vision", events.StreamVisionAnalyzed, "album-assembler", assembler.HandleVisionAnalyzed)
	register("album-sightings", events.StreamAlbumsParsed, "album-assembler", assembler.HandleAlbumParsed)
	register("crawler-tagged", events.StreamPostsTagged, "crawler-tagged", crawler.HandlePostTagged)
	register("enrichment-tagged", events.StreamPostsTagged, "enrichment", joiner.HandlePostTagged)
	register("enrichment-crawled", events.StreamPostsCrawled, "enrichment", joiner.HandlePostCrawled)
	register("enrichment-album", events.StreamAlbumAssembled, "enrichment", joiner.HandleAlbumAssembled)
	register("indexer", events.StreamPostsEnriched, "indexer", indexer.Handle)

	for _, stream := range []string{
		ingest.StreamBatches,
		events.StreamPostsParsed,
		events.StreamVisionUploaded,
		events.StreamVisionAnalyzed,
		events.StreamAlbumsParsed,
		events.StreamAlbumAssembled,
		events.StreamPostsTagged,
		events.StreamPostsCrawled,
		events.StreamPostsEnriched,
	} {
		p := tasks.NewDLQPersister(ops, b, stream)
		register("dlq-"+stream, p.Stream(), "dlq-ops", p.Handle)
	}

	relay := tasks.NewOutboxRelay(outbox, b, 2*time.Second)
	w.sup.Register("outbox-relay", relay.Run, supervisor.DefaultRestartPolicy())

	sweep := tasks.NewQuotaSweep(cas, usage, posts,
		time.Duration(cfg.Storage.SweepIntervalHours)*time.Hour)
	cas.SetReclaimer(sweep.ReclaimUnreferenced)
	w.sup.Register("quota-sweep", sweep.Run, supervisor.DefaultRestartPolicy())

	w.sup.Register("album-expiry", func(ctx context.Context) error {
		return assembler.RunExpiry(ctx, time.Minute)
	}, supervisor.DefaultRestartPolicy())

	purge := tasks.NewRetentionPurge(ops, cfg.RetentionDays, 24*time.Hour)
	w.sup.Register("retention-purge", purge.Run, supervisor.DefaultRestartPolicy())

	api := httpapi.New(cfg.HTTP.Addr, w.sup, w.pool, w.rdb)
	w.sup.Register("http", api.Run, supervisor.DefaultRestartPolicy())
}

// withIdempotency drops deliveries whose idempotency key this group already
// handled successfully. The key is marked only after the handler returns
// nil, so failed entries stay eligible for redelivery.
func withIdempotency(seen *faststore.Dedupe, group string, h bus.Handler) bus.Handler {
	return func(ctx context.Context, d bus.Delivery) error {
		key := group + ":" + d.Envelope.IdempotencyKey
		if prior, err := seen.Lookup(ctx, key); err == nil && prior != "" {
			return nil
		}
		if err := h(ctx, d); err != nil {
			return err
		}
		if _, err := seen.FirstSeen(ctx, key, d.ID); err != nil {
			log.Warn().Err(err).Str("group", group).Msg("idempotency_mark_failed")
		}
		return nil
	}
}

// Run starts the supervisor and blocks until ctx is cancelled, then stops
// with the grace deadline.
func (w *Worker) Run(ctx context.Context) error {
	w.sup.Start(ctx)
	log.Info().Msg("worker_started")
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := w.sup.Stop(stopCtx)

	w.pool.Close()
	_ = w.rdb.Close()
	_ = w.vectors.Close()
	closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelClose()
	_ = w.graph.Close(closeCtx)
	log.Info().Msg("worker_stopped")
	return err
}

// Health exposes the supervisor report (used by tests and tooling).
func (w *Worker) Health() supervisor.Report {
	return w.sup.Health()
}
