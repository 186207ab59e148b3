package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/tileseed/internal/layer"
	"github.com/ChuLiYu/tileseed/internal/metrics"
	"github.com/ChuLiYu/tileseed/internal/quota"
	"github.com/ChuLiYu/tileseed/internal/seed"
	"github.com/ChuLiYu/tileseed/internal/storage"
	"github.com/ChuLiYu/tileseed/internal/storage/sqlite"
	"github.com/ChuLiYu/tileseed/pkg/types"
)

// app holds the components one command runs with.
type app struct {
	cfg     *Config
	log     *slog.Logger
	metrics *metrics.Collector
	blobs   storage.BlobStore
	broker  *storage.Broker
	quota   *quota.Store
	layers  *layer.Registry
	breeder *seed.Breeder
}

// newApp opens storage and quota, builds the layers and the breeder. The
// breeder is not started.
func newApp(ctx context.Context, cfg *Config, m *metrics.Collector) (_ *app, err error) {
	a := &app{cfg: cfg, log: slog.Default(), metrics: m, layers: layer.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	switch cfg.Storage.Backend {
	case "sqlite":
		a.blobs, err = sqlite.Open(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
	default:
		a.blobs = storage.NewMemoryBlobStore()
	}
	a.broker = storage.NewBroker(a.blobs)

	if cfg.Quota.Dir != "" {
		a.quota, err = quota.Open(cfg.Quota, m)
		if err != nil {
			return nil, fmt.Errorf("failed to open quota store: %w", err)
		}
		a.broker.AddListener(a.quota)
	}

	for _, lc := range cfg.Layers {
		src, err := layer.NewHTTPSource(lc.Source)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", lc.Name, err)
		}
		a.layers.Add(layer.NewCachedLayer(lc.Name, lc.MetaTiling[0], lc.MetaTiling[1], src, a.broker))
	}

	bc := cfg.breederConfig()
	bc.Storage = a.broker
	bc.Logger = a.log
	bc.Metrics = m
	a.breeder, err = seed.NewBreeder(bc)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// request builds a job request for a configured job.
func (a *app) request(jc JobConfig) (seed.JobRequest, error) {
	typ, err := types.ParseTaskType(jc.Type)
	if err != nil {
		return seed.JobRequest{}, err
	}
	tr, err := jc.tileRange()
	if err != nil {
		return seed.JobRequest{}, err
	}
	req := seed.JobRequest{Range: tr, Type: typ, ThreadCount: max(jc.Threads, 1)}
	if typ != types.TypeTruncate {
		if req.Layer, err = a.layers.Get(jc.Layer); err != nil {
			return seed.JobRequest{}, err
		}
		req.FilterUpdate = true
	}
	return req, nil
}

// close stops the breeder and closes quota and storage, in that order.
func (a *app) close() error {
	var errs []error
	if a.breeder != nil {
		a.breeder.Stop()
	}
	if a.quota != nil {
		errs = append(errs, a.quota.Close())
	}
	if a.blobs != nil {
		errs = append(errs, a.blobs.Close())
	}
	return errors.Join(errs...)
}
