// Package influxdb is the InfluxDB v2 sink for latency and availability samples.
//
// The emitter formats each sample as line protocol; Sink.WriteLine queues it
// on the batching write API of influxdb-client-go. Close writes what is
// still queued.
//
//	sink, err := influxdb.Open(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer sink.Close()
//	sink.OnError(func(err error) { log.Error("influxdb write failed", "error", err) })
//	emitter := metrics.NewEmitter(sink, "middts", time.Second, log)
package influxdb
