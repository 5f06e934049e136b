package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	DbPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "app_db_pool_open",
		Help: "Current open DB connections",
	})
	DbPoolIdle         = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_idle"})
	DbPoolInuse        = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_inuse"})
	DbPoolWaitCount    = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_wait_count"})
	DbPoolWaitDuration = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_wait_seconds"})

	RedisPoolTotal = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_total"})
	RedisPoolIdle  = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_idle"})
	RedisPoolHits  = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_hits"})
	RedisPoolMiss  = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_misses"})
	RedisTimeouts  = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_timeouts"})

	DbQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "app_db_query_duration_seconds",
		Help:    "DB query latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms ~ 16s
	}, []string{"query", "status"})

	RedisCmdDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "app_redis_cmd_duration_seconds",
		Help:    "Redis command latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"cmd", "status"})
)

// ObserveDB records one query's latency under status ok/err.
func ObserveDB(query string, start time.Time, err error) {
	DbQueryDuration.WithLabelValues(query, statusOf(err)).Observe(time.Since(start).Seconds())
}

// ObserveRedis records one command's latency under status ok/err.
func ObserveRedis(cmd string, start time.Time, err error) {
	RedisCmdDuration.WithLabelValues(cmd, statusOf(err)).Observe(time.Since(start).Seconds())
}

func statusOf(err error) string {
	if err != nil {
		return "err"
	}
	return "ok"
}

// CollectPools samples pool stats every interval until ctx ends. Either source may be nil.
func CollectPools(ctx context.Context, db *sql.DB, rdb *redis.Client, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		samplePools(db, rdb)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func samplePools(db *sql.DB, rdb *redis.Client) {
	if db != nil {
		s := db.Stats()
		DbPoolOpen.Set(float64(s.OpenConnections))
		DbPoolIdle.Set(float64(s.Idle))
		DbPoolInuse.Set(float64(s.InUse))
		DbPoolWaitCount.Set(float64(s.WaitCount))
		DbPoolWaitDuration.Set(s.WaitDuration.Seconds())
	}
	if rdb != nil {
		s := rdb.PoolStats()
		RedisPoolTotal.Set(float64(s.TotalConns))
		RedisPoolIdle.Set(float64(s.IdleConns))
		RedisPoolHits.Set(float64(s.Hits))
		RedisPoolMiss.Set(float64(s.Misses))
		RedisTimeouts.Set(float64(s.Timeouts))
	}
}
