// Package tsdb is a line-protocol HTTP sink for latency and availability samples.
//
// It posts batches of InfluxDB line protocol to a configurable write path,
// so the same client serves VictoriaMetrics (/write) and InfluxDB v2
// (/api/v2/write?org=..&bucket=..&precision=ms). Only net/http is used.
//
// # Usage
//
//	client, err := tsdb.Connect(ctx, cfg.TSDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	emitter := metrics.NewEmitter(client, "middts", time.Second, log)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Writes are batched internally and flushed on size threshold or timer.
//
// # Error Handling
//
// WriteLine is non-blocking and flush errors are reported via a callback.
// Connection and health check errors are returned directly.
package tsdb
