// Package sink provides event consumers for ratewarden engines.
//
//	Log         one canonical log line per event via canonlog, throttled during floods
//	Prometheus  counters per event kind and policy
//	RedisStats  per-kind totals, per-minute buckets and optional per-key counts in Redis
//
// Sinks are combined with ratewarden.MultiSink:
//
//	engine, err := ratewarden.New(st, cfg, ratewarden.WithSink(ratewarden.MultiSink{
//		sink.NewLog(sink.WithLogLimit(50, 100)),
//		sink.NewPrometheus(prometheus.DefaultRegisterer, "ratewarden"),
//	}))
package sink
